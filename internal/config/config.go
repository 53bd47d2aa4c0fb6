package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 VOICEBRIDGE_AGENT_URL
const EnvPrefix = "VOICEBRIDGE"

// Config 服务整体配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	Telephony TelephonyConfig `mapstructure:"telephony"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	CLI       CLIConfig       `mapstructure:"cli"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SessionConfig 会话注册表配置
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// TelephonyConfig 电话服务商配置
type TelephonyConfig struct {
	StatusCallback bool          `mapstructure:"status_callback"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AgentConfig 对话智能体平台配置
type AgentConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	APIKeyHeader     string        `mapstructure:"api_key_header"`
}

// BridgeConfig 媒体桥配置
type BridgeConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	OverflowPolicy string        `mapstructure:"overflow_policy"`
}

// RateLimitConfig 外呼接口限流配置
type RateLimitConfig struct {
	InitiatePerSecond float64 `mapstructure:"initiate_per_second"`
	InitiateBurst     int     `mapstructure:"initiate_burst"`
}

// DatabaseConfig 通话状态存储配置，DSN为空时使用内存存储
type DatabaseConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
	Frames bool   `mapstructure:"frames"`
}

// CLIConfig 命令行模式配置
type CLIConfig struct {
	APIURL string `mapstructure:"api_url"`
}

// Load 从文件和环境变量加载配置；path为空时按默认路径搜索 voicebridge.yaml
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// LoadCLI 只加载 cli 段，供 call/hangup 模式使用，不校验服务端配置
func LoadCLI(path string) (CLIConfig, error) {
	v, err := readViper(path)
	if err != nil {
		return CLIConfig{}, err
	}
	var cli CLIConfig
	if err := v.UnmarshalKey("cli", &cli); err != nil {
		return CLIConfig{}, fmt.Errorf("failed to unmarshal cli config: %w", err)
	}
	return cli, nil
}

func readViper(path string) (*viper.Viper, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值和环境变量
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func load(path string) (*Config, *viper.Viper, error) {
	v, err := readViper(path)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voicebridge")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("session.ttl", "1h")

	v.SetDefault("telephony.status_callback", true)
	v.SetDefault("telephony.request_timeout", "15s")

	v.SetDefault("agent.url", "wss://api.elevenlabs.io/v1/convai/conversation")
	v.SetDefault("agent.handshake_timeout", "10s")
	v.SetDefault("agent.api_key_header", "xi-api-key")

	v.SetDefault("bridge.queue_size", 256)
	v.SetDefault("bridge.write_timeout", "5s")
	v.SetDefault("bridge.read_limit", 1<<20)
	v.SetDefault("bridge.overflow_policy", "drop_oldest")

	v.SetDefault("ratelimit.initiate_per_second", 1.0)
	v.SetDefault("ratelimit.initiate_burst", 5)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.frames", false)

	v.SetDefault("cli.api_url", "http://localhost:8080")
}

// Default 返回仅由默认值构成的配置（测试和工具使用）
func Default() *Config {
	v := viper.New()
	setDefaultValues(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Agent.URL == "" {
		return errors.New("agent.url is required")
	}
	if c.Bridge.QueueSize <= 0 {
		return errors.New("bridge.queue_size must be positive")
	}
	switch c.Bridge.OverflowPolicy {
	case "drop_oldest", "close":
	default:
		return fmt.Errorf("bridge.overflow_policy %q is not one of drop_oldest, close", c.Bridge.OverflowPolicy)
	}
	if c.RateLimit.InitiatePerSecond < 0 || c.RateLimit.InitiateBurst < 0 {
		return errors.New("ratelimit values must not be negative")
	}
	return nil
}
