package testutil

import (
	"context"
	"fmt"
	"sync"

	"GoVoiceBridge/internal/session"
	"GoVoiceBridge/internal/telephony"
)

// HangupCall 记录的挂断请求
type HangupCall struct {
	Credentials session.ProviderCredentials
	CallHandle  string
}

// FakeProvider 测试用电话服务商，记录所有请求
type FakeProvider struct {
	mu        sync.Mutex
	placed    []telephony.CallRequest
	hangups   []HangupCall
	counter   int
	PlaceErr  error
	HangupErr error
	// OnPlaceCall 在返回前被调用，可用于检查外呼时刻的状态
	OnPlaceCall func(req telephony.CallRequest)
}

// NewFakeProvider 创建测试服务商
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// PlaceCall 实现 telephony.Provider
func (p *FakeProvider) PlaceCall(_ context.Context, req telephony.CallRequest) (string, error) {
	if p.OnPlaceCall != nil {
		p.OnPlaceCall(req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.placed = append(p.placed, req)
	if p.PlaceErr != nil {
		return "", p.PlaceErr
	}
	p.counter++
	return fmt.Sprintf("CA%032d", p.counter), nil
}

// Hangup 实现 telephony.Provider
func (p *FakeProvider) Hangup(_ context.Context, creds session.ProviderCredentials, callHandle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hangups = append(p.hangups, HangupCall{Credentials: creds, CallHandle: callHandle})
	return p.HangupErr
}

// Placed 已发起的外呼请求
func (p *FakeProvider) Placed() []telephony.CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telephony.CallRequest(nil), p.placed...)
}

// Hangups 已发起的挂断请求
func (p *FakeProvider) Hangups() []HangupCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]HangupCall(nil), p.hangups...)
}
