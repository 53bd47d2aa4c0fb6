package callflow

import (
	"errors"
	"fmt"
	"strings"

	"GoVoiceBridge/internal/telephony"
)

var (
	// ErrInvalidRequest 请求缺少必填字段或格式错误，不会调用任何外部服务
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionNotFound 会话不存在或已过期
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoActiveSession 注册表为空，没有可用于挂断的账号凭据
	ErrNoActiveSession = errors.New("no active session")
)

// UpstreamError 服务商拒绝了请求。Code/Message/MoreInfo 原样来自服务商。
type UpstreamError struct {
	Op       string
	Code     int
	Message  string
	MoreInfo string
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: upstream error %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: upstream error: %s", e.Op, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func newUpstreamError(op string, err error) *UpstreamError {
	ue := &UpstreamError{Op: op, Message: err.Error(), Err: err}

	var perr *telephony.ProviderError
	if errors.As(err, &perr) {
		ue.Code = perr.Code
		ue.Message = perr.Message
		ue.MoreInfo = perr.MoreInfo
		ue.Status = perr.Status
	}
	return ue
}

func missingFields(fields []string) error {
	return fmt.Errorf("%w: missing required fields: %s", ErrInvalidRequest, strings.Join(fields, ", "))
}
