package callflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoVoiceBridge/internal/session"
	"GoVoiceBridge/internal/telephony"
	"GoVoiceBridge/internal/testutil"
)

func validRequest() InitiateCallRequest {
	return InitiateCallRequest{
		TelephonyAccountID:    "AC123",
		TelephonySecret:       "secret",
		TelephonySourceNumber: "+15550001111",
		AgentAPIKey:           "xi-key",
		AgentID:               "agent-1",
		DestinationDialString: "+15559998888",
		CallbackBaseAddress:   "bridge.example.com",
		MeetingJoinID:         "1234",
		Passcode:              "56",
	}
}

func newTestService(t *testing.T) (*Service, *session.Registry, *testutil.FakeProvider) {
	t.Helper()
	registry := session.NewRegistry()
	t.Cleanup(registry.Close)
	provider := testutil.NewFakeProvider()
	return NewService(registry, provider), registry, provider
}

func TestInitiateCall(t *testing.T) {
	svc, registry, provider := newTestService(t)

	var existedAtPlacement bool
	provider.OnPlaceCall = func(req telephony.CallRequest) {
		u, err := url.Parse(req.InstructionsURL)
		require.NoError(t, err)
		_, err = registry.Get(u.Query().Get("sessionId"))
		existedAtPlacement = err == nil
	}

	res, err := svc.InitiateCall(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, existedAtPlacement, "session must exist before the call is placed")

	placed := provider.Placed()
	require.Len(t, placed, 1)
	req := placed[0]

	assert.Equal(t, "+15559998888", req.To)
	assert.Equal(t, "+15550001111", req.From)
	assert.Equal(t, "wwww1234#wwww56#", req.SendDigits)
	assert.Equal(t, "https://bridge.example.com/call-instructions?sessionId="+res.SessionID, req.InstructionsURL)
	assert.Equal(t, "https://bridge.example.com/call-status", req.StatusCallbackURL)
	assert.Equal(t, session.ProviderCredentials{AccountID: "AC123", Secret: "secret"}, req.Credentials)

	sess, err := registry.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "https://bridge.example.com", sess.CallbackBaseAddress)
	assert.Equal(t, "agent-1", sess.Agent.AgentID)
	assert.Equal(t, "xi-key", sess.Agent.APIKey)

	byCall, err := registry.SessionForCall(res.CallHandle)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, byCall.ID)
}

func TestInitiateCallWithoutJoinID(t *testing.T) {
	svc, _, provider := newTestService(t)

	req := validRequest()
	req.MeetingJoinID = ""
	req.Passcode = ""

	_, err := svc.InitiateCall(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "wwww", provider.Placed()[0].SendDigits)
}

func TestInitiateCallStatusCallbackDisabled(t *testing.T) {
	registry := session.NewRegistry()
	defer registry.Close()
	provider := testutil.NewFakeProvider()
	svc := NewService(registry, provider, WithStatusCallback(false))

	_, err := svc.InitiateCall(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Empty(t, provider.Placed()[0].StatusCallbackURL)
}

func TestInitiateCallMissingFields(t *testing.T) {
	svc, registry, provider := newTestService(t)

	req := validRequest()
	req.AgentID = ""
	req.CallbackBaseAddress = ""

	_, err := svc.InitiateCall(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "agentId")
	assert.Contains(t, err.Error(), "callbackBaseAddress")

	assert.Empty(t, provider.Placed(), "no external call on invalid input")
	assert.Equal(t, 0, registry.Len())
}

func TestInitiateCallProviderError(t *testing.T) {
	svc, registry, provider := newTestService(t)
	provider.PlaceErr = &telephony.ProviderError{
		Code:     21211,
		Message:  "Invalid 'To' Phone Number",
		MoreInfo: "https://www.twilio.com/docs/errors/21211",
		Status:   400,
	}

	_, err := svc.InitiateCall(context.Background(), validRequest())
	require.Error(t, err)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, 21211, upstream.Code)
	assert.Equal(t, "Invalid 'To' Phone Number", upstream.Message)
	assert.Equal(t, "https://www.twilio.com/docs/errors/21211", upstream.MoreInfo)

	assert.Len(t, provider.Placed(), 1, "call placement is never retried")
	assert.Equal(t, 0, registry.Len(), "unused session is released")
}

func TestBuildInstructions(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.InitiateCall(context.Background(), validRequest())
	require.NoError(t, err)

	doc, err := svc.BuildInstructions(res.SessionID)
	require.NoError(t, err)
	assert.Contains(t, doc, "wss://bridge.example.com/media-stream?sessionId="+res.SessionID)
}

func TestBuildInstructionsUnknownSession(t *testing.T) {
	svc, registry, _ := newTestService(t)

	_, err := svc.BuildInstructions("unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, registry.Len())
}

func TestStatusUpdate(t *testing.T) {
	svc, registry, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.InitiateCall(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, svc.StatusUpdate(ctx, res.CallHandle, "ringing"))
	_, err = registry.SessionForCall(res.CallHandle)
	require.NoError(t, err)

	require.NoError(t, svc.StatusUpdate(ctx, res.CallHandle, "completed"))
	_, err = registry.SessionForCall(res.CallHandle)
	assert.ErrorIs(t, err, session.ErrNotFound, "terminal status releases the index")

	// 会话本身不受状态回调影响
	_, err = registry.Get(res.SessionID)
	assert.NoError(t, err)

	events, err := svc.CallEvents(ctx, res.CallHandle)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ringing", events[0].Status)
	assert.Equal(t, "completed", events[1].Status)
}

func TestStatusUpdateIgnoresUnknownHandles(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, svc.StatusUpdate(ctx, fmt.Sprintf("CAforged%d", i), "ringing"))
	}

	for _, handle := range []string{"CAforged0", "CAforged500", "CAforged999"} {
		events, err := svc.CallEvents(ctx, handle)
		require.NoError(t, err)
		assert.Empty(t, events, handle)
	}
}

func TestStatusAfterHangupIsRecorded(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.InitiateCall(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Hangup(ctx, res.CallHandle))
	require.NoError(t, svc.StatusUpdate(ctx, res.CallHandle, "completed"))

	events, err := svc.CallEvents(ctx, res.CallHandle)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].Status)
}

func TestHangupUsesOwningSession(t *testing.T) {
	svc, _, provider := newTestService(t)
	ctx := context.Background()

	first := validRequest()
	first.TelephonyAccountID = "AC-first"
	second := validRequest()
	second.TelephonyAccountID = "AC-second"

	_, err := svc.InitiateCall(ctx, first)
	require.NoError(t, err)
	res, err := svc.InitiateCall(ctx, second)
	require.NoError(t, err)

	require.NoError(t, svc.Hangup(ctx, res.CallHandle))

	hangups := provider.Hangups()
	require.Len(t, hangups, 1)
	assert.Equal(t, res.CallHandle, hangups[0].CallHandle)
	assert.Equal(t, "AC-second", hangups[0].Credentials.AccountID)
}

func TestHangupFallsBackToAnySession(t *testing.T) {
	svc, _, provider := newTestService(t)
	ctx := context.Background()

	_, err := svc.InitiateCall(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Hangup(ctx, "CA-not-indexed"))
	hangups := provider.Hangups()
	require.Len(t, hangups, 1)
	assert.Equal(t, "AC123", hangups[0].Credentials.AccountID)
}

func TestHangupNoActiveSession(t *testing.T) {
	svc, _, provider := newTestService(t)

	err := svc.Hangup(context.Background(), "CA1")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Empty(t, provider.Hangups())
}

func TestHangupMissingHandle(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.ErrorIs(t, svc.Hangup(context.Background(), ""), ErrInvalidRequest)
}

func TestHangupProviderError(t *testing.T) {
	svc, _, provider := newTestService(t)
	ctx := context.Background()

	res, err := svc.InitiateCall(ctx, validRequest())
	require.NoError(t, err)

	provider.HangupErr = &telephony.ProviderError{Code: 20404, Message: "The requested resource was not found"}
	err = svc.Hangup(ctx, res.CallHandle)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, 20404, upstream.Code)
}

func TestUpstreamErrorFromTransportFailure(t *testing.T) {
	ue := newUpstreamError("place call", errors.New("dial tcp: timeout"))
	assert.Equal(t, 0, ue.Code)
	assert.Equal(t, "dial tcp: timeout", ue.Message)
	assert.Equal(t, "place call: upstream error: dial tcp: timeout", ue.Error())
}
