package telephony

import "strings"

const (
	// dtmfPause 每个 w 在服务商的 SendDigits 中表示半秒停顿
	dtmfPause = "wwww"
	// dtmfTerminator 会议系统的输入结束键
	dtmfTerminator = "#"
)

// BuildDTMFSequence 生成进入会议所需的按键序列：
// 先停顿等待语音菜单，然后输入会议号和 #，再停顿，最后输入密码和 #（没有密码时只按 #）。
// 没有会议号时不发送任何按键，只保留起始停顿。
func BuildDTMFSequence(meetingJoinID, passcode string) string {
	var b strings.Builder
	b.WriteString(dtmfPause)

	if meetingJoinID == "" {
		return b.String()
	}

	b.WriteString(meetingJoinID)
	b.WriteString(dtmfTerminator)
	b.WriteString(dtmfPause)
	if passcode != "" {
		b.WriteString(passcode)
	}
	b.WriteString(dtmfTerminator)

	return b.String()
}
