package telephony

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// 回调路径
const (
	CallInstructionsPath = "/call-instructions"
	CallStatusPath       = "/call-status"
	MediaStreamPath      = "/media-stream"
	SessionIDParam       = "sessionId"
)

// NormalizeBaseAddress 补全缺失的协议（默认 https）并去掉末尾斜杠
func NormalizeBaseAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "://") {
		addr = "https://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// InstructionsURL 服务商获取通话指令的地址
func InstructionsURL(base, sessionID string) string {
	return base + CallInstructionsPath + "?" + SessionIDParam + "=" + url.QueryEscape(sessionID)
}

// StatusCallbackURL 服务商推送通话状态的地址
func StatusCallbackURL(base string) string {
	return base + CallStatusPath
}

// MediaStreamURL 把回调地址的协议升级为 WebSocket 协议，指向媒体流路径
func MediaStreamURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse callback base address: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported callback scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + MediaStreamPath
	u.RawQuery = url.Values{SessionIDParam: []string{sessionID}}.Encode()
	return u.String(), nil
}

// BuildStreamInstructions 生成指令文档：让服务商建立双向媒体流连接。
// 会话ID同时放在查询参数和 <Parameter> 中，后者会出现在媒体流的 start 事件里。
func BuildStreamInstructions(base, sessionID string) (string, error) {
	streamURL, err := MediaStreamURL(base, sessionID)
	if err != nil {
		return "", err
	}

	stream := &twiml.VoiceStream{
		Url: streamURL,
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: SessionIDParam, Value: sessionID},
		},
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("render call instructions: %w", err)
	}
	return doc, nil
}
