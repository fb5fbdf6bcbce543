package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 18789, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.StorePath)

	assert.Equal(t, time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, 5*time.Minute, cfg.Session.InactiveThreshold)

	assert.Equal(t, 8, cfg.Auth.MinPasswordLength)
	assert.Equal(t, 168*time.Hour, cfg.Auth.TokenTTL)

	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "xsg-chat", cfg.Discovery.ServiceName)
	assert.Equal(t, []string{"zeroconf", "ssdp"}, cfg.Discovery.Backends)
	assert.Equal(t, 2*time.Minute, cfg.Discovery.PeerTTL)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := []byte(`
port: 9000
log_level: debug
max_connections: 5
auth:
  min_password_length: 12
discovery:
  enabled: false
  backends: [ssdp]
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, 12, cfg.Auth.MinPasswordLength)
	assert.False(t, cfg.Discovery.Enabled)
	assert.Equal(t, []string{"ssdp"}, cfg.Discovery.Backends)

	// Unset keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 168*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("CHATGW_PORT", "7777")
	t.Setenv("CHATGW_SESSION_MAX_AGE", "2h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.Session.MaxAge)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := valid()
	cfg.Port = -1
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.MaxMessageSize = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Session.MaxAge = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Auth.TokenTTL = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Auth.MinPasswordLength = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, valid().Validate())
}
