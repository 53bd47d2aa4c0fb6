// Package agentclient 建立到对话智能体平台的 WebSocket 连接
package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"GoVoiceBridge/internal/config"
	"GoVoiceBridge/internal/logger"
	"GoVoiceBridge/internal/session"
)

// DefaultAPIKeyHeader 平台鉴权请求头
const DefaultAPIKeyHeader = "xi-api-key"

// ErrMissingAgentID 会话里没有智能体ID
var ErrMissingAgentID = errors.New("agent id is required")

// HandshakeError 平台拒绝了握手，Status 为 HTTP 状态码
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("agent handshake rejected with status %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Dialer 按会话的智能体凭据拨号，每次调用得到一条独立连接。不重试。
type Dialer struct {
	url          string
	apiKeyHeader string
	userAgent    string
	dialer       *websocket.Dialer
}

// NewDialer 创建拨号器
func NewDialer(cfg config.AgentConfig) *Dialer {
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	} else {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	header := cfg.APIKeyHeader
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	return &Dialer{
		url:          cfg.URL,
		apiKeyHeader: header,
		userAgent:    "GoVoiceBridge/1.0",
		dialer:       &dialer,
	}
}

// Endpoint 返回带 agent_id 参数的连接地址
func (d *Dialer) Endpoint(agentID string) (string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", fmt.Errorf("parse agent url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial 打开一条到智能体平台的连接
func (d *Dialer) Dial(ctx context.Context, creds session.AgentCredentials) (*websocket.Conn, error) {
	if creds.AgentID == "" {
		return nil, ErrMissingAgentID
	}

	endpoint, err := d.Endpoint(creds.AgentID)
	if err != nil {
		return nil, err
	}

	headers := http.Header{
		"User-Agent": []string{d.userAgent},
	}
	if creds.APIKey != "" {
		headers.Set(d.apiKeyHeader, creds.APIKey)
	}

	start := time.Now()
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, headers)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	logger.WithModule("agentclient").
		WithField("agent", creds.AgentID).
		WithField("elapsed", time.Since(start).Round(time.Millisecond)).
		Debug("Agent connection established")
	return conn, nil
}
