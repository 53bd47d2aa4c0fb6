package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoVoiceBridge/internal/agentclient"
	"GoVoiceBridge/internal/protocol"
	"GoVoiceBridge/internal/session"
	"GoVoiceBridge/internal/testutil"
)

const waitTimeout = 3 * time.Second

type integration struct {
	registry *session.Registry
	handler  *Handler
	agent    *testutil.FakeAgentServer
	wsURL    string
}

func newIntegration(t *testing.T) *integration {
	t.Helper()

	registry := session.NewRegistry()
	t.Cleanup(registry.Close)

	agent := testutil.NewFakeAgentServer(t)
	h := NewHandler(registry, agentclient.NewDialer(agent.Config()), Options{
		QueueSize:      64,
		WriteTimeout:   2 * time.Second,
		ReadLimit:      1 << 20,
		OverflowPolicy: DropOldest,
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		h.Shutdown(ctx)
	})

	return &integration{
		registry: registry,
		handler:  h,
		agent:    agent,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream",
	}
}

func (it *integration) createSession(t *testing.T) session.Session {
	t.Helper()
	sess, err := it.registry.Create(session.Record{
		Agent: session.AgentCredentials{AgentID: "agent-9", APIKey: "key-9"},
	})
	require.NoError(t, err)
	return sess
}

func (it *integration) dialTelephony(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := it.wsURL
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func nextAgentFrame(t *testing.T, conn *testutil.AgentConn) string {
	t.Helper()
	frame, err := conn.Next(waitTimeout)
	require.NoError(t, err)
	return string(frame)
}

// waitStreaming 智能体发 ping，收到 pong 说明桥已进入转发状态
func waitStreaming(t *testing.T, agent *testutil.AgentConn) {
	t.Helper()
	require.NoError(t, agent.Send(protocol.EncodeAgentPing(1)))
	assert.Equal(t, `{"type":"pong","event_id":1}`, nextAgentFrame(t, agent))
}

func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func TestUnknownSessionClosesTelephony(t *testing.T) {
	it := newIntegration(t)

	conn := it.dialTelephony(t, "sessionId=does-not-exist")
	ce := expectClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, it.agent.Connections(), "agent dialed for unknown session")
}

func TestRelayBothDirections(t *testing.T) {
	it := newIntegration(t)
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "sessionId="+sess.ID)
	send(t, tel, protocol.EncodeStart("S1", nil))

	agent := it.agent.Accept(t, waitTimeout)
	assert.Equal(t, "agent-9", agent.AgentID)
	assert.Equal(t, "key-9", agent.APIKey)

	waitStreaming(t, agent)

	send(t, tel, protocol.EncodeMedia("S1", 1, "abc"))
	assert.Equal(t, `{"user_audio_chunk":"abc"}`, nextAgentFrame(t, agent))

	require.NoError(t, agent.Send(protocol.EncodeConversationInitiation("conv-1", "ulaw_8000", "ulaw_8000")))
	require.NoError(t, agent.Send([]byte(`{"type":"audio","audio_event":{"audio_base_64":"xyz"}}`)))
	assert.Equal(t, `{"event":"media","streamSid":"S1","media":{"payload":"xyz"}}`, readFrame(t, tel))

	_, err := agent.Next(100 * time.Millisecond)
	assert.ErrorIs(t, err, testutil.ErrTimeout, "exactly one agent frame per media event")

	stats := it.handler.Stats()
	assert.Equal(t, int64(1), stats.ActiveBridges)
	assert.Equal(t, uint64(1), stats.FramesToAgent)
	assert.Equal(t, uint64(1), stats.FramesToTelephony)
}

func TestTelephonyCloseClosesAgent(t *testing.T) {
	it := newIntegration(t)
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "sessionId="+sess.ID)
	agent := it.agent.Accept(t, waitTimeout)
	waitStreaming(t, agent)

	tel.Close()

	select {
	case <-agent.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("agent connection not closed after telephony closed")
	}

	require.Eventually(t, func() bool {
		return it.handler.Stats().ActiveBridges == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestAgentCloseClosesTelephony(t *testing.T) {
	it := newIntegration(t)
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "sessionId="+sess.ID)
	agent := it.agent.Accept(t, waitTimeout)
	waitStreaming(t, agent)

	agent.Close()

	ce := expectClose(t, tel)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestStopEndsBothLegs(t *testing.T) {
	it := newIntegration(t)
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "sessionId="+sess.ID)
	agent := it.agent.Accept(t, waitTimeout)
	waitStreaming(t, agent)

	send(t, tel, protocol.EncodeStop("S1"))

	select {
	case <-agent.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("agent connection not closed after stop")
	}
	expectClose(t, tel)
}

func TestSessionFromCustomParameters(t *testing.T) {
	it := newIntegration(t)
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "")
	send(t, tel, protocol.EncodeStart("S2", map[string]string{"sessionId": sess.ID}))

	agent := it.agent.Accept(t, waitTimeout)
	assert.Equal(t, "agent-9", agent.AgentID)
	waitStreaming(t, agent)

	require.NoError(t, agent.Send(protocol.EncodeAgentAudio("hello")))
	assert.Equal(t, `{"event":"media","streamSid":"S2","media":{"payload":"hello"}}`, readFrame(t, tel))
}

func TestMalformedFramesKeepConnectionsOpen(t *testing.T) {
	it := newIntegration(t)
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "sessionId="+sess.ID)
	send(t, tel, protocol.EncodeStart("S1", nil))
	agent := it.agent.Accept(t, waitTimeout)
	waitStreaming(t, agent)

	send(t, tel, []byte(`{"event":`))
	require.NoError(t, agent.Send([]byte(`not json at all`)))

	send(t, tel, protocol.EncodeMedia("S1", 2, "still-here"))
	assert.Equal(t, `{"user_audio_chunk":"still-here"}`, nextAgentFrame(t, agent))

	require.NoError(t, agent.Send(protocol.EncodeAgentAudio("me-too")))
	assert.Equal(t, `{"event":"media","streamSid":"S1","media":{"payload":"me-too"}}`, readFrame(t, tel))

	assert.Equal(t, uint64(2), it.handler.Stats().MalformedFrames)
}

func TestAgentRejectedClosesTelephony(t *testing.T) {
	it := newIntegration(t)
	it.agent.RejectStatus = 403
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "sessionId="+sess.ID)
	ce := expectClose(t, tel)
	assert.Equal(t, websocket.CloseTryAgainLater, ce.Code)
}

func TestShutdownClosesActiveBridges(t *testing.T) {
	it := newIntegration(t)
	sess := it.createSession(t)

	tel := it.dialTelephony(t, "sessionId="+sess.ID)
	agent := it.agent.Accept(t, waitTimeout)
	waitStreaming(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, it.handler.Shutdown(ctx))

	ce := expectClose(t, tel)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, int64(0), it.handler.Stats().ActiveBridges)

	_, _, err := websocket.DefaultDialer.Dial(it.wsURL+"?sessionId="+sess.ID, nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestTrackAfterShutdownClosesBridge(t *testing.T) {
	h := NewHandler(stubSessions{}, newBlockingDialer(), Options{QueueSize: 4})

	early := newBridge("br_early", nil, h.deps)
	require.True(t, h.track(early))
	assert.Equal(t, int64(1), h.Stats().ActiveBridges)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	<-early.Done()
	h.untrack(early)

	// 通过 closing 检查之后、登记之前 Shutdown 已经开始

	late := newBridge("br_late", nil, h.deps)
	assert.False(t, h.track(late))

	select {
	case <-late.Done():
	case <-time.After(waitTimeout):
		t.Fatal("late bridge left open")
	}
	assert.Equal(t, StateClosed, late.State())
	assert.Equal(t, int64(0), h.Stats().ActiveBridges)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.bridges)
}
