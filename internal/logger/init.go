package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"GoVoiceBridge/internal/config"
)

var (
	base    = logrus.New()
	logFile *lumberjack.Logger
)

// Init 初始化日志器
func Init(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	base.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, logFile)
	}
	base.SetOutput(out)

	base.WithField("level", level.String()).Info("Logger initialized")
	return nil
}

// SetLevel 热更新日志级别，非法级别被忽略
func SetLevel(name string) {
	if level, err := logrus.ParseLevel(name); err == nil {
		base.SetLevel(level)
	}
}

// Close 关闭日志文件
func Close() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// Base 返回根日志器
func Base() *logrus.Logger {
	return base
}

// WithModule 返回带模块字段的日志条目
func WithModule(module string) *logrus.Entry {
	return base.WithField("module", module)
}

// ShortID 截断会话ID，避免在日志里泄露完整的能力令牌
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
