// Package protocol 定义媒体桥两侧 WebSocket 的 JSON 文本帧
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode 帧无法解码。调用方记录日志后丢弃该帧，连接保持打开。
var ErrDecode = errors.New("protocol decode error")

func decodeError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

func unmarshalFrame(data []byte, v any) error {
	if len(data) == 0 {
		return decodeError("empty frame")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return decodeError("%v", err)
	}
	return nil
}

func marshalFrame(v any) []byte {
	// 帧结构只包含字符串和 RawMessage，不会编码失败
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
