// Package bridge 在电话媒体流和对话智能体之间双向转发音频
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"GoVoiceBridge/internal/config"
	"GoVoiceBridge/internal/logger"
	"GoVoiceBridge/internal/protocol"
	"GoVoiceBridge/internal/session"
	"GoVoiceBridge/internal/telephony"
)

// ExpectedAudioFormat 电话侧使用 8kHz μ-law，载荷不做转换
const ExpectedAudioFormat = "ulaw_8000"

// State 桥的生命周期状态
type State int32

const (
	StateAwaitingSession State = iota
	StateAwaitingAgentReady
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingSession:
		return "AWAITING_SESSION"
	case StateAwaitingAgentReady:
		return "AWAITING_AGENT_READY"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionLookup 按ID查找会话
type SessionLookup interface {
	Get(id string) (session.Session, error)
}

// AgentDialer 打开到智能体平台的连接
type AgentDialer interface {
	Dial(ctx context.Context, creds session.AgentCredentials) (*websocket.Conn, error)
}

// Options 桥的发送和读取参数
type Options struct {
	QueueSize      int
	WriteTimeout   time.Duration
	ReadLimit      int64
	OverflowPolicy OverflowPolicy
}

// OptionsFromConfig 从配置生成参数
func OptionsFromConfig(cfg config.BridgeConfig) (Options, error) {
	policy, err := ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		QueueSize:      cfg.QueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		ReadLimit:      cfg.ReadLimit,
		OverflowPolicy: policy,
	}, nil
}

// peer 桥的一端：连接加上它的出站队列
type peer struct {
	name         string
	conn         *websocket.Conn
	queue        *queue
	writeTimeout time.Duration
}

func newPeer(name string, conn *websocket.Conn, opts Options) *peer {
	return &peer{
		name:         name,
		conn:         conn,
		queue:        newQueue(opts.QueueSize, opts.OverflowPolicy),
		writeTimeout: opts.WriteTimeout,
	}
}

// writeLoop 是该连接唯一的数据写入者
func (p *peer) writeLoop(done <-chan struct{}) error {
	for {
		for {
			frame, ok := p.queue.pop()
			if !ok {
				break
			}
			if p.writeTimeout > 0 {
				p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}

		select {
		case <-p.queue.notify:
		case <-done:
			return nil
		}
	}
}

// close 发送关闭帧并断开，返回未发出的帧数
func (p *peer) close(code int, reason string) int {
	unsent := p.queue.close()
	if p.conn == nil {
		return unsent
	}
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	p.conn.Close()
	return unsent
}

type deps struct {
	sessions  SessionLookup
	dialer    AgentDialer
	opts      Options
	stats     *Stats
	logFrames *atomic.Bool
}

// Bridge 一通电话的媒体桥。电话侧连接在创建时已经建立，
// 智能体连接在拿到会话后异步建立，任一侧关闭都会关闭另一侧。
type Bridge struct {
	id        string
	deps      deps
	telephony *peer

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	state     State
	sess      *session.Session
	streamSid string
	agent     *peer
	log       *logrus.Entry
}

func newBridge(id string, conn *websocket.Conn, d deps) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		id:        id,
		deps:      d,
		telephony: newPeer("telephony", conn, d.opts),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateAwaitingSession,
		log:       logger.WithModule("bridge").WithField("bridge", id),
	}
}

// ID 桥标识，仅用于日志
func (b *Bridge) ID() string {
	return b.id
}

// State 当前状态
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StreamSid 电话侧 start 事件给出的流标识
func (b *Bridge) StreamSid() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamSid
}

// Done 桥关闭后返回
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) entry() *logrus.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log
}

// run 驱动整个桥直到关闭，在 HTTP 处理协程中执行
func (b *Bridge) run(sessionID string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.telephony.writeLoop(b.done); err != nil {
			b.entry().WithError(err).Debug("Telephony write failed")
			b.closeWith(websocket.CloseInternalServerErr, "telephony write failed")
		}
	}()

	if sessionID == "" || b.attachSession(sessionID) {
		b.readTelephony()
	}
	b.closeWith(websocket.CloseNormalClosure, "telephony closed")
	b.wg.Wait()
}

// attachSession 绑定会话并开始拨号智能体；会话不存在时关闭桥
func (b *Bridge) attachSession(id string) bool {
	sess, err := b.deps.sessions.Get(id)
	if err != nil {
		b.entry().WithField("session", logger.ShortID(id)).Warn("Media stream for unknown session")
		b.closeWith(websocket.ClosePolicyViolation, "session not found")
		return false
	}

	b.mu.Lock()
	if b.state != StateAwaitingSession {
		open := b.state != StateClosed
		b.mu.Unlock()
		return open
	}
	b.sess = &sess
	b.state = StateAwaitingAgentReady
	b.log = b.log.WithField("session", logger.ShortID(sess.ID))
	log := b.log
	b.mu.Unlock()

	log.WithField("agent", sess.Agent.AgentID).Info("Session attached, connecting agent")

	b.wg.Add(1)
	go b.connectAgent(sess.Agent)
	return true
}

func (b *Bridge) connectAgent(creds session.AgentCredentials) {
	defer b.wg.Done()

	conn, err := b.deps.dialer.Dial(b.ctx, creds)
	if err != nil {
		if b.ctx.Err() == nil {
			b.entry().WithError(err).Warn("Agent connection failed")
		}
		b.closeWith(websocket.CloseTryAgainLater, "agent unavailable")
		return
	}

	p := newPeer("agent", conn, b.deps.opts)
	if !b.agentOpened(p) {
		conn.Close()
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := p.writeLoop(b.done); err != nil {
			b.entry().WithError(err).Debug("Agent write failed")
			b.closeWith(websocket.CloseInternalServerErr, "agent write failed")
		}
	}()

	b.readAgent(conn)
	b.closeWith(websocket.CloseNormalClosure, "agent closed")
}

func (b *Bridge) agentOpened(p *peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return false
	}
	if p.conn != nil && b.deps.opts.ReadLimit > 0 {
		p.conn.SetReadLimit(b.deps.opts.ReadLimit)
	}
	b.agent = p
	b.state = StateStreaming
	b.log.Info("Agent connected, streaming")
	return true
}

func (b *Bridge) readTelephony() {
	conn := b.telephony.conn
	if b.deps.opts.ReadLimit > 0 {
		conn.SetReadLimit(b.deps.opts.ReadLimit)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && b.State() != StateClosed {
				b.entry().WithError(err).Info("Telephony connection lost")
			}
			return
		}
		b.handleTelephonyFrame(data)
	}
}

func (b *Bridge) readAgent(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && b.State() != StateClosed {
				b.entry().WithError(err).Info("Agent connection lost")
			}
			return
		}
		b.handleAgentFrame(data)
	}
}

func (b *Bridge) handleTelephonyFrame(data []byte) {
	defer b.recoverFrame("telephony")

	if b.deps.logFrames.Load() {
		b.entry().WithField("frame", truncate(data)).Debug("Telephony frame")
	}

	ev, err := protocol.DecodeTelephony(data)
	if err != nil {
		b.deps.stats.malformedFrames.Add(1)
		b.entry().WithError(err).Warn("Dropping malformed telephony frame")
		return
	}

	switch ev.Event {
	case protocol.EventStart:
		b.onStart(ev)
	case protocol.EventMedia:
		b.onMedia(ev.Media.Payload)
	case protocol.EventStop:
		b.entry().Info("Media stream stopped")
		b.closeWith(websocket.CloseNormalClosure, "stream stopped")
	case protocol.EventConnected, protocol.EventMark:
		b.entry().WithField("event", ev.Event).Debug("Telephony control event")
	default:
		b.entry().WithField("event", ev.Event).Debug("Ignoring telephony event")
	}
}

func (b *Bridge) onStart(ev *protocol.TelephonyEvent) {
	sid := ev.StreamID()

	b.mu.Lock()
	b.streamSid = sid
	attached := b.sess != nil
	log := b.log
	b.mu.Unlock()

	log.WithField("stream", sid).Info("Media stream started")
	if attached {
		return
	}

	id := ev.CustomParameter(telephony.SessionIDParam)
	if id == "" {
		log.Warn("Media stream started without a session id")
		b.closeWith(websocket.ClosePolicyViolation, "session id missing")
		return
	}
	b.attachSession(id)
}

// onMedia 智能体未连上时直接丢弃，不缓存
func (b *Bridge) onMedia(payload string) {
	b.mu.Lock()
	agent := b.agent
	b.mu.Unlock()

	if agent == nil {
		b.deps.stats.framesDropped.Add(1)
		return
	}
	if b.enqueue(agent, protocol.EncodeUserAudio(payload)) {
		b.deps.stats.framesToAgent.Add(1)
	}
}

func (b *Bridge) handleAgentFrame(data []byte) {
	defer b.recoverFrame("agent")

	if b.deps.logFrames.Load() {
		b.entry().WithField("frame", truncate(data)).Debug("Agent frame")
	}

	ev, err := protocol.DecodeAgent(data)
	if err != nil {
		b.deps.stats.malformedFrames.Add(1)
		b.entry().WithError(err).Warn("Dropping malformed agent frame")
		return
	}

	switch ev.Type {
	case protocol.TypeConversationInitiation:
		b.onConversationInitiation(ev.ConversationInitiation)
	case protocol.TypeAudio:
		b.onAgentAudio(ev.Audio.AudioBase64)
	case protocol.TypePing:
		b.mu.Lock()
		agent := b.agent
		b.mu.Unlock()
		if agent != nil {
			b.entry().WithField("ping_ms", ev.Ping.PingMS).Trace("Answering agent ping")
			b.enqueue(agent, protocol.EncodePong(ev.Ping.EventID))
		}
	case protocol.TypeInterruption:
		if sid := b.StreamSid(); sid != "" {
			b.enqueue(b.telephony, protocol.EncodeClear(sid))
		}
	case protocol.TypeUserTranscript, protocol.TypeAgentResponse:
		b.entry().WithFields(logrus.Fields{"type": ev.Type, "text": ev.Transcript()}).Debug("Conversation turn")
	default:
		b.entry().WithField("type", ev.Type).Debug("Ignoring agent event")
	}
}

func (b *Bridge) onConversationInitiation(meta *protocol.ConversationInitiation) {
	log := b.entry()
	if meta == nil {
		log.Info("Agent conversation initiated")
		return
	}

	log = log.WithFields(logrus.Fields{
		"conversation":  meta.ConversationID,
		"output_format": meta.AgentOutputAudioFormat,
		"input_format":  meta.UserInputAudioFormat,
	})
	log.Info("Agent conversation initiated")

	if mismatched(meta.AgentOutputAudioFormat) || mismatched(meta.UserInputAudioFormat) {
		log.WithField("expected", ExpectedAudioFormat).Warn("Agent audio format differs from telephony format, payloads are not converted")
	}
}

func mismatched(format string) bool {
	return format != "" && format != ExpectedAudioFormat
}

func (b *Bridge) onAgentAudio(payload string) {
	sid := b.StreamSid()
	if sid == "" {
		b.deps.stats.framesDropped.Add(1)
		b.entry().Debug("Agent audio before stream start, dropped")
		return
	}
	if b.enqueue(b.telephony, protocol.EncodeTelephonyMedia(sid, payload)) {
		b.deps.stats.framesToTelephony.Add(1)
	}
}

func (b *Bridge) enqueue(p *peer, frame []byte) bool {
	dropped, err := p.queue.push(frame)
	switch {
	case errors.Is(err, errQueueOverflow):
		b.entry().WithField("peer", p.name).Warn("Outbound queue overflow, closing bridge")
		b.closeWith(websocket.CloseTryAgainLater, "outbound queue overflow")
		return false
	case err != nil:
		return false
	}
	if dropped {
		b.deps.stats.framesDropped.Add(1)
	}
	return true
}

func (b *Bridge) recoverFrame(side string) {
	if r := recover(); r != nil {
		b.deps.stats.malformedFrames.Add(1)
		b.entry().WithFields(logrus.Fields{"side": side, "panic": r}).Error("Frame handler panicked, frame dropped")
	}
}

// Close 关闭两侧连接，可重复调用
func (b *Bridge) Close(reason string) {
	b.closeWith(websocket.CloseGoingAway, reason)
}

func (b *Bridge) closeWith(code int, reason string) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		prev := b.state
		b.state = StateClosed
		agent := b.agent
		log := b.log
		b.mu.Unlock()

		b.cancel()
		close(b.done)

		unsent := b.telephony.close(code, reason)
		if agent != nil {
			unsent += agent.close(code, reason)
		}

		log.WithFields(logrus.Fields{"from": prev.String(), "reason": reason, "unsent": unsent}).Info("Bridge closed")
	})
}

func truncate(data []byte) string {
	const limit = 256
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
