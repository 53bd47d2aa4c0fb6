package protocol

import "strconv"

// 电话侧媒体流事件
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// TelephonyEvent 电话侧媒体流的一帧，按 event 字段区分
type TelephonyEvent struct {
	Event          string        `json:"event"`
	StreamSid      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload start 事件内容
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat 电话侧音频格式
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload 一帧音频，Payload 为 base64 文本，原样转发
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload stop 事件内容
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MarkPayload mark 事件内容
type MarkPayload struct {
	Name string `json:"name"`
}

// StreamID 返回流标识，start 事件内的优先
func (e *TelephonyEvent) StreamID() string {
	if e.Start != nil && e.Start.StreamSid != "" {
		return e.Start.StreamSid
	}
	return e.StreamSid
}

// CustomParameter 返回 start 事件携带的自定义参数
func (e *TelephonyEvent) CustomParameter(name string) string {
	if e.Start == nil {
		return ""
	}
	return e.Start.CustomParameters[name]
}

// DecodeTelephony 解码电话侧的一帧
func DecodeTelephony(data []byte) (*TelephonyEvent, error) {
	var ev TelephonyEvent
	if err := unmarshalFrame(data, &ev); err != nil {
		return nil, err
	}

	switch ev.Event {
	case "":
		return nil, decodeError("missing event field")
	case EventStart:
		if ev.Start == nil {
			return nil, decodeError("start event without start object")
		}
	case EventMedia:
		if ev.Media == nil {
			return nil, decodeError("media event without media object")
		}
	}
	return &ev, nil
}

type mediaOut struct {
	Payload string `json:"payload"`
}

type outboundMedia struct {
	Event     string   `json:"event"`
	StreamSid string   `json:"streamSid"`
	Media     mediaOut `json:"media"`
}

type outboundControl struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// EncodeTelephonyMedia 把一帧智能体音频包装成发往电话侧的 media 事件
func EncodeTelephonyMedia(streamSid, payload string) []byte {
	return marshalFrame(outboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     mediaOut{Payload: payload},
	})
}

// EncodeClear 通知电话侧丢弃尚未播放的音频
func EncodeClear(streamSid string) []byte {
	return marshalFrame(outboundControl{Event: EventClear, StreamSid: streamSid})
}

// 以下编码器模拟服务商一侧，供模拟器和测试使用

// EncodeStart 编码 start 事件
func EncodeStart(streamSid string, customParameters map[string]string) []byte {
	return marshalFrame(TelephonyEvent{
		Event:          EventStart,
		StreamSid:      streamSid,
		SequenceNumber: "1",
		Start: &StartPayload{
			StreamSid:        streamSid,
			Tracks:           []string{"inbound"},
			CustomParameters: customParameters,
			MediaFormat:      &MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	})
}

// EncodeMedia 编码 media 事件
func EncodeMedia(streamSid string, chunk int, payload string) []byte {
	return marshalFrame(TelephonyEvent{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media: &MediaPayload{
			Track:   "inbound",
			Chunk:   strconv.Itoa(chunk),
			Payload: payload,
		},
	})
}

// EncodeStop 编码 stop 事件
func EncodeStop(streamSid string) []byte {
	return marshalFrame(TelephonyEvent{
		Event:     EventStop,
		StreamSid: streamSid,
		Stop:      &StopPayload{},
	})
}
