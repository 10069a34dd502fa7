package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:27746", cfg.ControlEndpoint)
	assert.Equal(t, "persistent", cfg.ControlMode)
	assert.Equal(t, "Field", cfg.SetupTemplate)
	assert.Empty(t, cfg.SyncEndpoint)
	assert.False(t, cfg.Stepping)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "simlink.toml")
	content := `
[control]
endpoint = "ws://127.0.0.1:9000/control"
mode = "stateless"

[sync]
endpoint = "tcp://127.0.0.1:9001"

[run]
stepping = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("SIMLINK_LOG_LEVEL", "debug")
	t.Setenv("SIMLINK_SYNC_ENDPOINT", "tcp://127.0.0.1:9002")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/control", cfg.ControlEndpoint)
	assert.Equal(t, "stateless", cfg.ControlMode)
	assert.True(t, cfg.Stepping)
	assert.Equal(t, "tcp://127.0.0.1:9002", cfg.SyncEndpoint)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SIMLINK_CONTROL_MODE", "chatty")

	_, err := Load(viper.New(), "")
	assert.ErrorContains(t, err, "unknown control mode")
}
