package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, "wss://api.elevenlabs.io/v1/convai/conversation", cfg.Agent.URL)
	assert.Equal(t, "xi-api-key", cfg.Agent.APIKeyHeader)
	assert.Equal(t, 256, cfg.Bridge.QueueSize)
	assert.Equal(t, "drop_oldest", cfg.Bridge.OverflowPolicy)
	assert.True(t, cfg.Telephony.StatusCallback)
	assert.Equal(t, 15*time.Second, cfg.Telephony.RequestTimeout)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicebridge.yaml")
	content := `
server:
  addr: ":9090"
session:
  ttl: 30m
bridge:
  queue_size: 16
  overflow_policy: close
log:
  level: debug
  frames: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 16, cfg.Bridge.QueueSize)
	assert.Equal(t, "close", cfg.Bridge.OverflowPolicy)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Frames)
	// 未指定的键保留默认值
	assert.Equal(t, "xi-api-key", cfg.Agent.APIKeyHeader)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AGENT_URL", "ws://127.0.0.1:9999/agent")
	t.Setenv("VOICEBRIDGE_SESSION_TTL", "5m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9999/agent", cfg.Agent.URL)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadCLIIgnoresServerSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicebridge.yaml")
	content := `
bridge:
  overflow_policy: block
cli:
  api_url: http://bridge.internal:8080
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err, "server mode rejects the bridge setting")

	cli, err := LoadCLI(path)
	require.NoError(t, err)
	assert.Equal(t, "http://bridge.internal:8080", cli.APIURL)
}

func TestLoadCLIDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cli, err := LoadCLI("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cli.APIURL)

	_, err = LoadCLI(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Bridge.OverflowPolicy = "block"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Session.TTL = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Bridge.QueueSize = 0
	assert.Error(t, cfg.Validate())
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicebridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	m := NewManager(WithConfigPath(path))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, path, m.ConfigFileUsed())

	var notified *Config
	m.OnChange(func(c *Config) { notified = c })

	require.NoError(t, m.Reload())
	require.NotNil(t, notified)

	again, err := m.Get()
	require.NoError(t, err)
	assert.Same(t, notified, again)
}

func TestManagerReloadBeforeLoad(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Reload())
}
