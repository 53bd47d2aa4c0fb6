package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeHandler 配置热更新回调
type ChangeHandler func(cfg *Config)

// Manager 统一配置管理器
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	handlers     []ChangeHandler
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置，重复调用返回已加载的配置
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	cfg, v, err := load(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	m.config = cfg
	m.viper = v

	// 只有找到配置文件时才有可监控的对象
	if m.watchEnabled && v.ConfigFileUsed() != "" {
		m.watch()
	}

	return cfg, nil
}

// Get 获取当前配置（如果未加载则自动加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// OnChange 注册热更新回调
func (m *Manager) OnChange(handler ChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

// Reload 重新解析配置并通知回调；解析失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		return fmt.Errorf("config not loaded")
	}

	cfg, err := decode(m.viper)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("reload config: %w", err)
	}
	m.config = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	return nil
}

// ConfigFileUsed 返回实际使用的配置文件路径
func (m *Manager) ConfigFileUsed() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}

// watch 监控配置文件变化
func (m *Manager) watch() {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		// 错误只能在回调里吞掉，旧配置继续生效
		_ = m.Reload()
	})
	m.viper.WatchConfig()
}
