package logger

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// LogMessage 推送给日志订阅者的日志行
type LogMessage struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Module    string                 `json:"module,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub 把日志实时广播给 /logs WebSocket 订阅者，同时作为 logrus Hook 使用
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

// NewHub 创建日志广播中心
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run 启动广播循环，直到 Stop 被调用
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					// 写失败的订阅者直接摘除，不能拖慢日志
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop 停止广播循环并断开所有订阅者
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Levels 实现 logrus.Hook
func (h *Hub) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 实现 logrus.Hook；通道满时丢弃，绝不阻塞调用方
func (h *Hub) Fire(e *logrus.Entry) error {
	msg := LogMessage{
		Level:     e.Level.String(),
		Message:   e.Message,
		Timestamp: e.Time,
	}
	if len(e.Data) > 0 {
		msg.Fields = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			if k == "module" {
				msg.Module, _ = v.(string)
				continue
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			msg.Fields[k] = v
		}
	}

	select {
	case h.broadcast <- msg:
	default:
	}
	return nil
}

// HandleWebSocket 处理 /logs 订阅连接
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		WithModule("logs").WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	select {
	case h.register <- conn:
	case <-h.stop:
		conn.Close()
		return
	}

	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.stop:
		}
	}()

	// 订阅者只读不写，读循环仅用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Attach 把 Hub 注册为根日志器的 Hook
func (h *Hub) Attach() {
	base.AddHook(h)
}
