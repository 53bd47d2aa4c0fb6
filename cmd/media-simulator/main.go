// media-simulator 扮演电话服务商的媒体流，用于在没有真实通话时联调媒体桥
package main

import (
	"bytes"
	"encoding/base64"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"GoVoiceBridge/internal/config"
	"GoVoiceBridge/internal/logger"
	"GoVoiceBridge/internal/protocol"
)

// 20ms 的 8kHz μ-law 静音
var silenceFrame = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xFF}, 160))

func main() {
	var (
		server    = flag.String("url", "ws://localhost:8080/media-stream", "媒体流地址")
		sessionID = flag.String("session", "", "会话ID（由 /initiate-call 返回）")
		inStart   = flag.Bool("start-param", false, "通过 start 事件的自定义参数而不是查询串传递会话ID")
		frames    = flag.Int("frames", 250, "发送的音频帧数")
		interval  = flag.Duration("interval", 20*time.Millisecond, "帧间隔")
		listen    = flag.Duration("listen", 3*time.Second, "发送完毕后继续接收的时长")
		level     = flag.String("log-level", "info", "日志级别")
	)
	flag.Parse()

	if err := logger.Init(config.LogConfig{Level: *level, Format: "text"}); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithModule("simulator")

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		flag.Usage()
		os.Exit(1)
	}

	target, err := url.Parse(*server)
	if err != nil {
		log.WithError(err).Fatal("Invalid media stream url")
	}
	var params map[string]string
	if *inStart {
		params = map[string]string{"sessionId": *sessionID}
	} else {
		q := target.Query()
		q.Set("sessionId", *sessionID)
		target.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect media stream")
	}
	defer conn.Close()

	streamSid := "MZ" + uuid.NewString()[:8]
	log.WithField("stream", streamSid).Info("Media stream connected")

	var received, clears atomic.Int64
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					log.WithField("code", ce.Code).WithField("reason", ce.Text).Info("Bridge closed the stream")
				}
				return
			}
			ev, err := protocol.DecodeTelephony(data)
			if err != nil {
				log.WithError(err).Warn("Undecodable frame from bridge")
				continue
			}
			switch ev.Event {
			case protocol.EventMedia:
				received.Add(1)
				log.WithField("bytes", len(ev.Media.Payload)).Debug("Agent audio")
			case protocol.EventClear:
				clears.Add(1)
				log.Info("Bridge asked to clear buffered audio")
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	send := func(frame []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.WithError(err).Warn("Write failed")
			return false
		}
		return true
	}

	if !send(protocol.EncodeStart(streamSid, params)) {
		os.Exit(1)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
loop:
	for sent < *frames {
		select {
		case <-ticker.C:
			if !send(protocol.EncodeMedia(streamSid, sent+1, silenceFrame)) {
				break loop
			}
			sent++
		case <-closed:
			break loop
		case <-sig:
			break loop
		}
	}

	select {
	case <-time.After(*listen):
	case <-closed:
	case <-sig:
	}

	send(protocol.EncodeStop(streamSid))
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulation done"),
		time.Now().Add(time.Second))

	fmt.Println()
	fmt.Println("📊 模拟结果")
	fmt.Printf("   发送音频帧: %d\n", sent)
	fmt.Printf("   收到智能体音频帧: %d\n", received.Load())
	fmt.Printf("   清空指令: %d\n", clears.Load())
}
