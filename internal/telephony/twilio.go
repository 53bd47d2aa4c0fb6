package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"GoVoiceBridge/internal/session"
)

// statusCallbackEvents 需要服务商回调的通话事件
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// DefaultRequestTimeout 服务商 REST 请求的默认超时
const DefaultRequestTimeout = 15 * time.Second

// TwilioOption Twilio 服务商选项
type TwilioOption func(*TwilioProvider)

// WithRequestTimeout 设置 REST 请求超时
func WithRequestTimeout(d time.Duration) TwilioOption {
	return func(p *TwilioProvider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// TwilioProvider 基于 Twilio REST API 的服务商实现。
// 账号凭据随每个会话传入，因此每次请求创建独立的客户端，底层共享同一个 http.Client。
type TwilioProvider struct {
	httpClient *http.Client
}

// NewTwilioProvider 创建 Twilio 服务商
func NewTwilioProvider(opts ...TwilioOption) *TwilioProvider {
	p := &TwilioProvider{
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TwilioProvider) newClient(creds session.ProviderCredentials) *twilio.RestClient {
	c := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(creds.AccountID, creds.Secret),
		HTTPClient:  p.httpClient,
	}
	c.SetAccountSid(creds.AccountID)
	return twilio.NewRestClientWithParams(twilio.ClientParams{Client: c})
}

// PlaceCall 发起外呼，不做重试（重试可能拨出第二通真实电话）
func (p *TwilioProvider) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.InstructionsURL)
	params.SetMethod("POST")
	if req.SendDigits != "" {
		params.SetSendDigits(req.SendDigits)
	}
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent(statusCallbackEvents)
	}

	call, err := p.newClient(req.Credentials).Api.CreateCall(params)
	if err != nil {
		return "", convertTwilioError(err)
	}
	if call == nil || call.Sid == nil {
		return "", errors.New("provider returned no call sid")
	}
	return *call.Sid, nil
}

// Hangup 把通话状态更新为 completed 以结束通话
func (p *TwilioProvider) Hangup(ctx context.Context, creds session.ProviderCredentials, callHandle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioapi.UpdateCallParams{}
	params.SetStatus(CallStatusCompleted)

	if _, err := p.newClient(creds).Api.UpdateCall(callHandle, params); err != nil {
		return convertTwilioError(err)
	}
	return nil
}

func convertTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &ProviderError{
			Code:     restErr.Code,
			Message:  restErr.Message,
			MoreInfo: restErr.MoreInfo,
			Status:   restErr.Status,
		}
	}
	return fmt.Errorf("provider request failed: %w", err)
}
