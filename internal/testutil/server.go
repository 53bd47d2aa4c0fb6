package testutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"GoVoiceBridge/internal/config"
)

// ErrTimeout 等待超时
var ErrTimeout = errors.New("timed out")

// AgentConn 模拟平台接受的一条连接
type AgentConn struct {
	AgentID string
	APIKey  string

	conn      *websocket.Conn
	writeMu   sync.Mutex
	received  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// Send 向桥发送一帧
func (c *AgentConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Next 等待桥发来的下一帧
func (c *AgentConn) Next(timeout time.Duration) ([]byte, error) {
	select {
	case frame := <-c.received:
		return frame, nil
	case <-c.closed:
		// 关闭前收到的帧仍然可读
		select {
		case frame := <-c.received:
			return frame, nil
		default:
		}
		return nil, websocket.ErrCloseSent
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Closed 连接被任一方关闭后返回
func (c *AgentConn) Closed() <-chan struct{} {
	return c.closed
}

// Close 从平台一侧关闭连接
func (c *AgentConn) Close() {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent done"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
}

func (c *AgentConn) readLoop() {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.received <- data
	}
}

// FakeAgentServer 测试用智能体平台，记录每条连接的鉴权信息和收到的帧
type FakeAgentServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	accepted chan *AgentConn

	// RejectStatus 非零时握手直接返回该状态码
	RejectStatus int

	mu    sync.Mutex
	conns []*AgentConn
}

// NewFakeAgentServer 启动模拟平台，测试结束时自动关闭
func NewFakeAgentServer(t *testing.T) *FakeAgentServer {
	t.Helper()

	s := &FakeAgentServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		accepted: make(chan *AgentConn, 16),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))

	t.Cleanup(s.Close)
	return s
}

func (s *FakeAgentServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.RejectStatus != 0 {
		http.Error(w, "rejected", s.RejectStatus)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &AgentConn{
		AgentID:  r.URL.Query().Get("agent_id"),
		APIKey:   r.Header.Get("xi-api-key"),
		conn:     ws,
		received: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	go conn.readLoop()
	s.accepted <- conn
}

// URL 返回 ws:// 地址
func (s *FakeAgentServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Config 指向模拟平台的智能体配置
func (s *FakeAgentServer) Config() config.AgentConfig {
	return config.AgentConfig{
		URL:              s.URL() + "/v1/convai/conversation",
		HandshakeTimeout: 2 * time.Second,
		APIKeyHeader:     "xi-api-key",
	}
}

// Accept 等待下一条连接
func (s *FakeAgentServer) Accept(t *testing.T, timeout time.Duration) *AgentConn {
	t.Helper()
	select {
	case conn := <-s.accepted:
		return conn
	case <-time.After(timeout):
		require.FailNow(t, "no agent connection accepted")
		return nil
	}
}

// Connections 已接受的连接数
func (s *FakeAgentServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close 关闭所有连接和服务
func (s *FakeAgentServer) Close() {
	s.mu.Lock()
	conns := append([]*AgentConn(nil), s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
	s.server.Close()
}
