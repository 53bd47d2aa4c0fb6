package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"GoVoiceBridge/internal/bridge"
	"GoVoiceBridge/internal/callflow"
	"GoVoiceBridge/internal/config"
	"GoVoiceBridge/internal/logger"
	"GoVoiceBridge/internal/store"
	"GoVoiceBridge/internal/telephony"
)

const maxBodyBytes = 64 << 10

// CallService 外呼、指令、状态和挂断
type CallService interface {
	InitiateCall(ctx context.Context, req callflow.InitiateCallRequest) (*callflow.InitiateCallResult, error)
	BuildInstructions(sessionID string) (string, error)
	StatusUpdate(ctx context.Context, callHandle, status string) error
	CallEvents(ctx context.Context, callHandle string) ([]store.CallEvent, error)
	Hangup(ctx context.Context, callHandle string) error
	StoreStats() store.Stats
}

// MediaBridge 媒体流 WebSocket 入口
type MediaBridge interface {
	http.Handler
	Stats() bridge.StatsSnapshot
}

// Option 服务器选项
type Option func(*APIServer)

// WithMediaBridge 挂载 /media-stream
func WithMediaBridge(mb MediaBridge) Option {
	return func(s *APIServer) {
		s.media = mb
	}
}

// WithLogStream 挂载 /logs 实时日志
func WithLogStream(h http.Handler) Option {
	return func(s *APIServer) {
		s.logs = h
	}
}

// WithRateLimiter 替换外呼接口的限流器
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *APIServer) {
		s.limiter = rl
	}
}

// APIServer 对外HTTP服务：调用方接口、服务商回调和媒体流
type APIServer struct {
	router  *mux.Router
	server  *http.Server
	calls   CallService
	media   MediaBridge
	logs    http.Handler
	limiter *RateLimiter
	log     *logrus.Entry

	requestCount atomic.Uint64
	errorCount   atomic.Uint64
	startTime    time.Time
}

type successResponse struct {
	Success    bool   `json:"success"`
	CallHandle string `json:"callHandle,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

type errorResponse struct {
	Error            string `json:"error"`
	Details          string `json:"details,omitempty"`
	ProviderCode     int    `json:"providerCode,omitempty"`
	ProviderInfoLink string `json:"providerInfoLink,omitempty"`
}

type hangupRequest struct {
	CallHandle string `json:"callHandle"`
}

// statusRequest 同时接受 JSON 字段名和服务商表单字段名
type statusRequest struct {
	CallHandle string `json:"callHandle"`
	Status     string `json:"status"`
	CallSid    string `json:"CallSid"`
	CallStatus string `json:"CallStatus"`
}

type callEvent struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type callEventsResponse struct {
	CallHandle string      `json:"callHandle"`
	Events     []callEvent `json:"events"`
}

// NewAPIServer 创建HTTP服务
func NewAPIServer(cfg config.ServerConfig, rl config.RateLimitConfig, calls CallService, opts ...Option) *APIServer {
	s := &APIServer{
		router:    mux.NewRouter(),
		calls:     calls,
		limiter:   NewRateLimiter(rl),
		log:       logger.WithModule("http"),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/initiate-call", s.limiter.Middleware(http.HandlerFunc(s.initiateCallHandler))).Methods(http.MethodPost)
	s.router.HandleFunc("/hangup-call", s.hangupCallHandler).Methods(http.MethodPost)

	// 服务商回调
	s.router.HandleFunc(telephony.CallInstructionsPath, s.callInstructionsHandler).Methods(http.MethodPost, http.MethodGet)
	s.router.HandleFunc(telephony.CallStatusPath, s.callStatusHandler).Methods(http.MethodPost)

	s.router.HandleFunc("/calls/{callHandle}/events", s.callEventsHandler).Methods(http.MethodGet)

	if s.media != nil {
		s.router.Handle(telephony.MediaStreamPath, s.media).Methods(http.MethodGet)
	}
	if s.logs != nil {
		s.router.Handle("/logs", s.logs).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
}

// Handler 返回完整的处理链（含CORS），测试直接使用
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// statusRecorder 记录响应码，保留 Hijacker 供 WebSocket 升级
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.requestCount.Add(1)
		if rec.status >= http.StatusInternalServerError {
			s.errorCount.Add(1)
		}

		// 查询串里有会话ID，只记录路径
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).Round(time.Microsecond),
		}).Debug("HTTP request")
	})
}

func (s *APIServer) initiateCallHandler(w http.ResponseWriter, r *http.Request) {
	var req callflow.InitiateCallRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", callflow.ErrInvalidRequest, err))
		return
	}

	res, err := s.calls.InitiateCall(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{
		Success:    true,
		CallHandle: res.CallHandle,
		SessionID:  res.SessionID,
	})
}

func (s *APIServer) hangupCallHandler(w http.ResponseWriter, r *http.Request) {
	var req hangupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", callflow.ErrInvalidRequest, err))
		return
	}

	if err := s.calls.Hangup(r.Context(), req.CallHandle); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *APIServer) callInstructionsHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := s.calls.BuildInstructions(r.URL.Query().Get(telephony.SessionIDParam))
	if err != nil {
		if errors.Is(err, callflow.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		s.log.WithError(err).Error("Failed to build call instructions")
		http.Error(w, "Failed to build call instructions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}

func (s *APIServer) callStatusHandler(w http.ResponseWriter, r *http.Request) {
	req := parseStatusRequest(r)
	callHandle := firstNonEmpty(req.CallHandle, req.CallSid)
	status := firstNonEmpty(req.Status, req.CallStatus)

	if err := s.calls.StatusUpdate(r.Context(), callHandle, status); err != nil {
		s.log.WithError(err).Warn("Status update failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseStatusRequest 服务商以表单推送，调用方可能以 JSON 推送；解析失败得到空值
func parseStatusRequest(r *http.Request) statusRequest {
	var req statusRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		decodeJSON(r, &req)
		return req
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return req
	}
	req.CallHandle = r.Form.Get("callHandle")
	req.Status = r.Form.Get("status")
	req.CallSid = r.Form.Get("CallSid")
	req.CallStatus = r.Form.Get("CallStatus")
	return req
}

func (s *APIServer) callEventsHandler(w http.ResponseWriter, r *http.Request) {
	callHandle := mux.Vars(r)["callHandle"]

	events, err := s.calls.CallEvents(r.Context(), callHandle)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := callEventsResponse{CallHandle: callHandle, Events: make([]callEvent, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, callEvent{Status: e.Status, At: e.At})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "voice bridge is running",
	})
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptimeSeconds": time.Since(s.startTime).Seconds(),
		"totalRequests": s.requestCount.Load(),
		"errorCount":    s.errorCount.Load(),
		"store":         s.calls.StoreStats(),
	}
	if s.media != nil {
		stats["bridge"] = s.media.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeError 按错误类别映射状态码。上游错误原样带出服务商的错误码和说明链接。
func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	var upstream *callflow.UpstreamError

	switch {
	case errors.Is(err, callflow.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request", Details: err.Error()})
	case errors.Is(err, callflow.ErrNoActiveSession):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active session", Details: err.Error()})
	case errors.Is(err, callflow.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found", Details: err.Error()})
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:            "upstream request failed",
			Details:          upstream.Message,
			ProviderCode:     upstream.Code,
			ProviderInfoLink: upstream.MoreInfo,
		})
	default:
		s.log.WithError(err).Error("Unhandled request error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Details: err.Error()})
	}
}

func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Start 启动服务器，正常关闭时返回 nil
func (s *APIServer) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止接受新请求并等待进行中的请求结束
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
