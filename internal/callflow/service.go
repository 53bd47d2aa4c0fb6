package callflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"GoVoiceBridge/internal/logger"
	"GoVoiceBridge/internal/session"
	"GoVoiceBridge/internal/store"
	"GoVoiceBridge/internal/telephony"
)

// InitiateCallRequest 外呼请求体
type InitiateCallRequest struct {
	TelephonyAccountID    string `json:"telephonyAccountId"`
	TelephonySecret       string `json:"telephonySecret"`
	TelephonySourceNumber string `json:"telephonySourceNumber"`
	AgentAPIKey           string `json:"agentApiKey"`
	AgentID               string `json:"agentId"`
	DestinationDialString string `json:"destinationDialString"`
	CallbackBaseAddress   string `json:"callbackBaseAddress"`
	MeetingJoinID         string `json:"meetingJoinId,omitempty"`
	Passcode              string `json:"passcode,omitempty"`
}

// Validate 检查必填字段
func (r *InitiateCallRequest) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"telephonyAccountId", r.TelephonyAccountID},
		{"telephonySecret", r.TelephonySecret},
		{"telephonySourceNumber", r.TelephonySourceNumber},
		{"agentApiKey", r.AgentAPIKey},
		{"agentId", r.AgentID},
		{"destinationDialString", r.DestinationDialString},
		{"callbackBaseAddress", r.CallbackBaseAddress},
	}
	for _, f := range required {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return missingFields(missing)
	}
	return nil
}

// InitiateCallResult 外呼结果
type InitiateCallResult struct {
	CallHandle string `json:"callHandle"`
	SessionID  string `json:"sessionId"`
}

// Option 服务选项
type Option func(*Service)

// WithStatusCallback 是否要求服务商推送通话状态
func WithStatusCallback(enabled bool) Option {
	return func(s *Service) {
		s.statusCallback = enabled
	}
}

// WithEventStore 设置通话状态存储
func WithEventStore(events store.CallEventStore) Option {
	return func(s *Service) {
		s.events = events
	}
}

// Service 外呼编排、通话指令和通话控制
type Service struct {
	registry       *session.Registry
	provider       telephony.Provider
	events         store.CallEventStore
	statusCallback bool
	now            func() time.Time
	log            *logrus.Entry
}

// NewService 创建服务
func NewService(registry *session.Registry, provider telephony.Provider, opts ...Option) *Service {
	s := &Service{
		registry:       registry,
		provider:       provider,
		events:         store.NewMemoryStore(),
		statusCallback: true,
		now:            time.Now,
		log:            logger.WithModule("callflow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateCall 创建会话后发起外呼。会话一定先于外呼请求创建，
// 指令地址中携带的会话ID与返回的 SessionID 相同。外呼失败不重试。
func (s *Service) InitiateCall(ctx context.Context, req InitiateCallRequest) (*InitiateCallResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	base := telephony.NormalizeBaseAddress(req.CallbackBaseAddress)
	digits := telephony.BuildDTMFSequence(req.MeetingJoinID, req.Passcode)

	sess, err := s.registry.Create(session.Record{
		Provider: session.ProviderCredentials{
			AccountID: req.TelephonyAccountID,
			Secret:    req.TelephonySecret,
		},
		SourceNumber: req.TelephonySourceNumber,
		Agent: session.AgentCredentials{
			AgentID: req.AgentID,
			APIKey:  req.AgentAPIKey,
		},
		CallbackBaseAddress: base,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	log := s.log.WithField("session", logger.ShortID(sess.ID))

	callReq := telephony.CallRequest{
		Credentials:     sess.Provider,
		To:              req.DestinationDialString,
		From:            req.TelephonySourceNumber,
		InstructionsURL: telephony.InstructionsURL(base, sess.ID),
		SendDigits:      digits,
	}
	if s.statusCallback {
		callReq.StatusCallbackURL = telephony.StatusCallbackURL(base)
	}

	callHandle, err := s.provider.PlaceCall(ctx, callReq)
	if err != nil {
		// 没有通话会使用这个会话了
		s.registry.Delete(sess.ID)
		log.WithError(err).Warn("Call placement failed")
		return nil, newUpstreamError("place call", err)
	}

	if err := s.registry.BindCall(callHandle, sess.ID); err != nil {
		log.WithError(err).Warn("Session vanished before call handle could be indexed")
	}

	log.WithFields(logrus.Fields{
		"call":       callHandle,
		"has_digits": req.MeetingJoinID != "",
	}).Info("Call placed")

	return &InitiateCallResult{CallHandle: callHandle, SessionID: sess.ID}, nil
}

// BuildInstructions 生成通话指令文档，会话不存在时返回 ErrSessionNotFound
func (s *Service) BuildInstructions(sessionID string) (string, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.log.WithField("session", logger.ShortID(sessionID)).Debug("Instructions requested for unknown session")
			return "", ErrSessionNotFound
		}
		return "", err
	}

	doc, err := telephony.BuildStreamInstructions(sess.CallbackBaseAddress, sess.ID)
	if err != nil {
		return "", fmt.Errorf("build instructions: %w", err)
	}
	return doc, nil
}

// StatusUpdate 记录服务商推送的通话状态，不影响媒体桥
func (s *Service) StatusUpdate(ctx context.Context, callHandle, status string) error {
	if callHandle == "" {
		return nil
	}

	// 只记录本服务发起的通话，回调地址无鉴权
	if _, err := s.registry.SessionForCall(callHandle); err != nil {
		s.log.WithField("call", callHandle).Debug("Status for unknown call handle ignored")
		return nil
	}

	s.log.WithFields(logrus.Fields{"call": callHandle, "status": status}).Info("Call status update")

	if telephony.IsTerminalStatus(status) {
		s.registry.ReleaseCall(callHandle)
	}

	event := store.CallEvent{CallHandle: callHandle, Status: status, At: s.now().UTC()}
	if err := s.events.Record(ctx, event); err != nil {
		// 状态记录失败不能影响服务商回调
		s.log.WithError(err).Warn("Failed to record call status")
	}
	return nil
}

// CallEvents 返回通话的状态历史
func (s *Service) CallEvents(ctx context.Context, callHandle string) ([]store.CallEvent, error) {
	return s.events.List(ctx, callHandle)
}

// StoreStats 状态存储统计
func (s *Service) StoreStats() store.Stats {
	return s.events.Stats()
}

// Hangup 结束通话。优先使用通话句柄索引找到所属会话的凭据；
// 索引里没有时退回到任意一个在册会话。
func (s *Service) Hangup(ctx context.Context, callHandle string) error {
	if callHandle == "" {
		return missingFields([]string{"callHandle"})
	}

	sess, err := s.registry.SessionForCall(callHandle)
	if err != nil {
		var ok bool
		sess, ok = s.registry.Any()
		if !ok {
			return ErrNoActiveSession
		}
		s.log.WithField("call", callHandle).Warn("Call handle not indexed, using credentials of an arbitrary session")
	}

	if err := s.provider.Hangup(ctx, sess.Provider, callHandle); err != nil {
		s.log.WithError(err).WithField("call", callHandle).Warn("Hangup failed")
		return newUpstreamError("hangup", err)
	}

	// 索引保留到终态回调或会话过期，挂断后的 completed 仍会被记录
	s.log.WithField("call", callHandle).Info("Call hung up")
	return nil
}
