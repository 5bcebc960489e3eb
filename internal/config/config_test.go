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

	assert.Equal(t, defaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
	assert.Equal(t, defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, defaultAuthTimeout, cfg.Auth.Timeout)
	assert.Equal(t, defaultSendQueueSize, cfg.Gateway.SendQueueSize)
	assert.Equal(t, defaultPongWait, cfg.Gateway.PongWait)
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
listen_address: "127.0.0.1:7001"
log_level: "debug"
shutdown_grace_period: "5s"
store:
  driver: "mongo"
  database: "collab"
auth:
  timeout: "2s"
  issuer: "treehub-test"
gateway:
  send_queue_size: 16
`), 0o644))

	t.Setenv("TREEHUB_LISTEN_ADDRESS", ":6000")
	t.Setenv("TREEHUB_REDIS_ENABLED", "true")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.ListenAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGracePeriod)
	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, "collab", cfg.Store.Database)
	assert.Equal(t, 2*time.Second, cfg.Auth.Timeout)
	assert.Equal(t, "treehub-test", cfg.Auth.Issuer)
	assert.Equal(t, 16, cfg.Gateway.SendQueueSize)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("TREEHUB_STORE_DRIVER", "postgres")
	_, err := Load("")
	assert.Error(t, err)
}

func TestSecret(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })

	getenv = func(string) string { return "  s3cret \n" }
	secret, err := Config{}.Secret()
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), secret)

	getenv = func(string) string { return "" }
	_, err = Config{}.Secret()
	assert.Error(t, err)
}
