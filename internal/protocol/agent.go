package protocol

import "encoding/json"

// 智能体平台事件类型
const (
	TypeConversationInitiation = "conversation_initiation_metadata"
	TypeAudio                  = "audio"
	TypePing                   = "ping"
	TypePong                   = "pong"
	TypeInterruption           = "interruption"
	TypeUserTranscript         = "user_transcript"
	TypeAgentResponse          = "agent_response"
)

// AgentEvent 智能体平台推送的一帧，按 type 字段区分
type AgentEvent struct {
	Type                   string                  `json:"type"`
	ConversationInitiation *ConversationInitiation `json:"conversation_initiation_metadata_event,omitempty"`
	Audio                  *AudioEvent             `json:"audio_event,omitempty"`
	Ping                   *PingEvent              `json:"ping_event,omitempty"`
	Interruption           *InterruptionEvent      `json:"interruption_event,omitempty"`
	UserTranscription      *UserTranscription      `json:"user_transcription_event,omitempty"`
	AgentResponse          *AgentResponse          `json:"agent_response_event,omitempty"`
}

// Transcript 返回转写或回复文本，其它事件为空
func (e *AgentEvent) Transcript() string {
	switch {
	case e.UserTranscription != nil:
		return e.UserTranscription.UserTranscript
	case e.AgentResponse != nil:
		return e.AgentResponse.AgentResponse
	}
	return ""
}

// ConversationInitiation 会话建立信息
type ConversationInitiation struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
}

// AudioEvent 一帧智能体音频
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

// PingEvent 保活请求，EventID 原样回传
type PingEvent struct {
	EventID json.RawMessage `json:"event_id"`
	PingMS  int             `json:"ping_ms,omitempty"`
}

// InterruptionEvent 用户打断了智能体
type InterruptionEvent struct {
	Reason string `json:"reason,omitempty"`
}

// UserTranscription 用户语音的转写
type UserTranscription struct {
	UserTranscript string `json:"user_transcript"`
}

// AgentResponse 智能体的文本回复
type AgentResponse struct {
	AgentResponse string `json:"agent_response"`
}

// DecodeAgent 解码智能体侧的一帧
func DecodeAgent(data []byte) (*AgentEvent, error) {
	var ev AgentEvent
	if err := unmarshalFrame(data, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "":
		return nil, decodeError("missing type field")
	case TypeAudio:
		if ev.Audio == nil {
			return nil, decodeError("audio event without audio_event object")
		}
	case TypePing:
		if ev.Ping == nil || len(ev.Ping.EventID) == 0 {
			return nil, decodeError("ping event without event_id")
		}
	}
	return &ev, nil
}

type userAudio struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pong struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

// EncodeUserAudio 把一帧电话音频包装成发往智能体的 user_audio_chunk
func EncodeUserAudio(payload string) []byte {
	return marshalFrame(userAudio{UserAudioChunk: payload})
}

// EncodePong 回复 ping，携带相同的 event_id
func EncodePong(eventID json.RawMessage) []byte {
	if !json.Valid(eventID) {
		eventID = json.RawMessage("null")
	}
	return marshalFrame(pong{Type: TypePong, EventID: eventID})
}

// AgentClientMessage 智能体平台从客户端收到的消息，供模拟平台解码
type AgentClientMessage struct {
	UserAudioChunk *string         `json:"user_audio_chunk,omitempty"`
	Type           string          `json:"type,omitempty"`
	EventID        json.RawMessage `json:"event_id,omitempty"`
}

// DecodeAgentClientMessage 解码客户端发往智能体平台的一帧
func DecodeAgentClientMessage(data []byte) (*AgentClientMessage, error) {
	var msg AgentClientMessage
	if err := unmarshalFrame(data, &msg); err != nil {
		return nil, err
	}
	if msg.UserAudioChunk == nil && msg.Type == "" {
		return nil, decodeError("neither user_audio_chunk nor type present")
	}
	return &msg, nil
}

// EncodeConversationInitiation 编码会话建立事件
func EncodeConversationInitiation(conversationID, outputFormat, inputFormat string) []byte {
	return marshalFrame(AgentEvent{
		Type: TypeConversationInitiation,
		ConversationInitiation: &ConversationInitiation{
			ConversationID:         conversationID,
			AgentOutputAudioFormat: outputFormat,
			UserInputAudioFormat:   inputFormat,
		},
	})
}

// EncodeAgentAudio 编码智能体音频事件
func EncodeAgentAudio(payload string) []byte {
	return marshalFrame(AgentEvent{Type: TypeAudio, Audio: &AudioEvent{AudioBase64: payload}})
}

// EncodeAgentPing 编码保活请求
func EncodeAgentPing(eventID int) []byte {
	id, _ := json.Marshal(eventID)
	return marshalFrame(AgentEvent{Type: TypePing, Ping: &PingEvent{EventID: id}})
}

// EncodeInterruption 编码打断事件
func EncodeInterruption() []byte {
	return marshalFrame(AgentEvent{Type: TypeInterruption, Interruption: &InterruptionEvent{Reason: "user"}})
}
