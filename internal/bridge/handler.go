package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"GoVoiceBridge/internal/logger"
	"GoVoiceBridge/internal/telephony"
)

// Handler 接受媒体流 WebSocket 升级，每个连接一个 Bridge
type Handler struct {
	deps     deps
	upgrader websocket.Upgrader
	stats    Stats
	frames   atomic.Bool
	log      *logrus.Entry

	mu      sync.Mutex
	bridges map[*Bridge]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewHandler 创建媒体流处理器
func NewHandler(sessions SessionLookup, dialer AgentDialer, opts Options) *Handler {
	if opts.OverflowPolicy == "" {
		opts.OverflowPolicy = DropOldest
	}

	h := &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 服务商的媒体连接不带浏览器 Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     logger.WithModule("bridge"),
		bridges: make(map[*Bridge]struct{}),
	}
	h.deps = deps{
		sessions:  sessions,
		dialer:    dialer,
		opts:      opts,
		stats:     &h.stats,
		logFrames: &h.frames,
	}
	return h
}

// SetLogFrames 开关逐帧调试日志，可在运行时切换
func (h *Handler) SetLogFrames(enabled bool) {
	h.frames.Store(enabled)
}

// Stats 返回计数器快照
func (h *Handler) Stats() StatsSnapshot {
	return h.stats.Snapshot()
}

// ServeHTTP 升级连接并运行桥，直到两侧都关闭才返回
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Media stream upgrade failed")
		return
	}

	id := fmt.Sprintf("br_%d", h.stats.total.Add(1))
	b := newBridge(id, conn, h.deps)

	if !h.track(b) {
		return
	}
	defer h.untrack(b)

	b.entry().WithField("remote", r.RemoteAddr).Info("Media stream connected")
	b.run(r.URL.Query().Get(telephony.SessionIDParam))
}

// track 登记在线的桥。Shutdown 已开始时直接关闭该桥并返回 false，
// 否则它不会出现在 Shutdown 的快照里。
func (h *Handler) track(b *Bridge) bool {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		b.Close("server shutting down")
		return false
	}
	h.bridges[b] = struct{}{}
	h.stats.active.Add(1)
	h.mu.Unlock()
	return true
}

func (h *Handler) untrack(b *Bridge) {
	h.mu.Lock()
	delete(h.bridges, b)
	h.mu.Unlock()
	h.stats.active.Add(-1)
}

// Shutdown 拒绝新连接，关闭所有在线的桥并等待其退出
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	bridges := make([]*Bridge, 0, len(h.bridges))
	for b := range h.bridges {
		bridges = append(bridges, b)
	}
	h.mu.Unlock()

	for _, b := range bridges {
		b.Close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.WithField("closed", len(bridges)).Info("All bridges closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
