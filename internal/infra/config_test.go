package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Webhook.ValidationEnabled)
	assert.Equal(t, 30*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Approval.Expiry)
	assert.Equal(t, time.Minute, cfg.Approval.SweepInterval)
	assert.True(t, cfg.Approval.AutoResume)
	assert.Equal(t, 30*time.Second, cfg.Engine.HandlerTimeout)
	assert.Equal(t, uint32(5), cfg.Engine.CBConsecutiveFails)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
approval:
  expiry: 1h
webhook:
  sources:
    - id: make.com
      secret: from-file
      action: process_webhook_data
      endpoint: https://hook.make.com/abc
`)
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("WEBHOOK_VALIDATION_ENABLED", "false")
	t.Setenv("MAKE_COM_WEBHOOK_SECRET", "from-env")
	t.Setenv("ZAPIER_WEBHOOK_SECRET", "zap")
	t.Setenv("WEBHOOK_TIMEOUT_SECONDS", "5")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.False(t, cfg.Webhook.ValidationEnabled)
	assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, time.Hour, cfg.Approval.Expiry)

	mk := cfg.Webhook.Source("make.com")
	assert.Equal(t, "from-env", mk.Secret)
	assert.Equal(t, "https://hook.make.com/abc", mk.Endpoint)
	assert.Equal(t, "zap", cfg.Webhook.Source("zapier").Secret)
	assert.Len(t, cfg.Webhook.Sources, 2)
}

func TestLoadConfigRejectsDuplicateSource(t *testing.T) {
	path := writeConfig(t, `
webhook:
  sources:
    - id: zapier
      secret: a
    - id: zapier
      secret: b
`)
	_, err := LoadConfigFile(path)
	assert.ErrorContains(t, err, "duplicate webhook source")
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
