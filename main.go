package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"GoVoiceBridge/internal/agentclient"
	"GoVoiceBridge/internal/bridge"
	"GoVoiceBridge/internal/callflow"
	"GoVoiceBridge/internal/config"
	"GoVoiceBridge/internal/httpserver"
	"GoVoiceBridge/internal/logger"
	"GoVoiceBridge/internal/session"
	"GoVoiceBridge/internal/store"
	"GoVoiceBridge/internal/telephony"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, call, hangup")
		configPath = flag.String("config", "", "配置文件路径，默认搜索 configs/voicebridge.yaml")
		watch      = flag.Bool("watch", true, "监控配置文件变化（日志级别、逐帧日志）")
		apiURL     = flag.String("api", "", "call/hangup 模式下的服务地址，默认取 cli.api_url")

		to         = flag.String("to", "", "被叫号码")
		from       = flag.String("from", "", "主叫号码")
		accountID  = flag.String("account", os.Getenv("VOICEBRIDGE_TELEPHONY_ACCOUNT_ID"), "电话服务商账号")
		secret     = flag.String("secret", os.Getenv("VOICEBRIDGE_TELEPHONY_SECRET"), "电话服务商密钥")
		agentID    = flag.String("agent", "", "智能体ID")
		agentKey   = flag.String("agent-key", os.Getenv("VOICEBRIDGE_AGENT_API_KEY"), "智能体平台密钥")
		callback   = flag.String("callback", "", "本服务的公网地址")
		joinID     = flag.String("join-id", "", "会议号（可选）")
		passcode   = flag.String("passcode", "", "会议密码（可选）")
		callHandle = flag.String("call", "", "hangup 模式下要挂断的通话句柄")
	)
	flag.Parse()

	// 服务端配置只在 server 模式加载和校验
	if *mode != "server" && *apiURL == "" {
		cli, err := config.LoadCLI(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
		*apiURL = cli.APIURL
	}

	var err error
	switch *mode {
	case "server":
		err = runServer(*configPath, *watch)
	case "call":
		err = runCall(*apiURL, callflow.InitiateCallRequest{
			TelephonyAccountID:    *accountID,
			TelephonySecret:       *secret,
			TelephonySourceNumber: *from,
			AgentAPIKey:           *agentKey,
			AgentID:               *agentID,
			DestinationDialString: *to,
			CallbackBaseAddress:   *callback,
			MeetingJoinID:         *joinID,
			Passcode:              *passcode,
		})
	case "hangup":
		err = runHangup(*apiURL, *callHandle)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// runServer 启动服务，收到 SIGINT/SIGTERM 后优雅关闭
func runServer(configPath string, watch bool) error {
	mgr := config.NewManager(config.WithConfigPath(configPath), config.WithWatchEnabled(watch))
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()
	log := logger.WithModule("main")

	hub := logger.NewHub()
	go hub.Run()
	hub.Attach()
	defer hub.Stop()

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout+5*time.Second)
	events, err := store.Open(startCtx, cfg.Database, store.WithRetention(cfg.Session.TTL))
	cancel()
	if err != nil {
		return fmt.Errorf("open call event store: %w", err)
	}
	defer events.Close()

	registry := session.NewRegistry(session.WithTTL(cfg.Session.TTL))
	defer registry.Close()

	svc := callflow.NewService(registry, telephony.NewTwilioProvider(telephony.WithRequestTimeout(cfg.Telephony.RequestTimeout)),
		callflow.WithStatusCallback(cfg.Telephony.StatusCallback),
		callflow.WithEventStore(events),
	)

	opts, err := bridge.OptionsFromConfig(cfg.Bridge)
	if err != nil {
		return err
	}
	media := bridge.NewHandler(registry, agentclient.NewDialer(cfg.Agent), opts)
	media.SetLogFrames(cfg.Log.Frames)

	mgr.OnChange(func(c *config.Config) {
		logger.SetLevel(c.Log.Level)
		media.SetLogFrames(c.Log.Frames)
		log.WithField("level", c.Log.Level).WithField("frames", c.Log.Frames).Info("Configuration reloaded")
	})

	api := httpserver.NewAPIServer(cfg.Server, cfg.RateLimit, svc,
		httpserver.WithMediaBridge(media),
		httpserver.WithLogStream(http.HandlerFunc(hub.HandleWebSocket)),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Start()
	}()

	log.WithFields(map[string]any{
		"addr":   cfg.Server.Addr,
		"config": mgr.ConfigFileUsed(),
		"ttl":    registry.TTL(),
	}).Info("Voice bridge started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := api.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := media.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Some bridges did not close in time")
	}

	log.Info("Voice bridge stopped")
	return nil
}

// runCall 通过运行中的服务发起外呼
func runCall(apiURL string, req callflow.InitiateCallRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	var res struct {
		CallHandle string `json:"callHandle"`
		SessionID  string `json:"sessionId"`
	}
	if err := postJSON(apiURL+"/initiate-call", req, &res); err != nil {
		return err
	}

	fmt.Printf("✅ 外呼已发起\n")
	fmt.Printf("   通话句柄: %s\n", res.CallHandle)
	fmt.Printf("   会话ID:   %s\n", res.SessionID)
	return nil
}

// runHangup 通过运行中的服务挂断通话
func runHangup(apiURL, callHandle string) error {
	if callHandle == "" {
		return errors.New("-call is required in hangup mode")
	}
	if err := postJSON(apiURL+"/hangup-call", map[string]string{"callHandle": callHandle}, nil); err != nil {
		return err
	}
	fmt.Printf("✅ 通话 %s 已挂断\n", callHandle)
	return nil
}

func postJSON(url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(strings.TrimRight(url, "/"), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error            string `json:"error"`
			Details          string `json:"details"`
			ProviderCode     int    `json:"providerCode"`
			ProviderInfoLink string `json:"providerInfoLink"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg := fmt.Sprintf("%s (HTTP %d): %s", apiErr.Error, resp.StatusCode, apiErr.Details)
			if apiErr.ProviderCode != 0 {
				msg += fmt.Sprintf(" [code %d, %s]", apiErr.ProviderCode, apiErr.ProviderInfoLink)
			}
			return errors.New(msg)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
