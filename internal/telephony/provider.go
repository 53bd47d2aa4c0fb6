package telephony

import (
	"context"
	"fmt"

	"GoVoiceBridge/internal/session"
)

// 通话状态（服务商回调中的取值）
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalStatus 判断通话是否已经结束
func IsTerminalStatus(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// CallRequest 外呼请求
type CallRequest struct {
	Credentials       session.ProviderCredentials
	To                string
	From              string
	InstructionsURL   string
	SendDigits        string
	StatusCallbackURL string
}

// Provider 电话服务商。调用失败时返回 *ProviderError。
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) (callHandle string, err error)
	Hangup(ctx context.Context, creds session.ProviderCredentials, callHandle string) error
}

// ProviderError 服务商返回的错误，原样保留错误码和描述
type ProviderError struct {
	Code     int
	Message  string
	MoreInfo string
	Status   int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}
