package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, "backend:\n  host: 192.168.1.20:8080\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.20:8080", cfg.Backend.Host)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout.Duration())
	assert.Equal(t, 4*time.Second, cfg.Polling.Interval.Min.Duration())
	assert.Equal(t, 5500*time.Millisecond, cfg.Polling.Interval.Max.Duration())
	assert.Equal(t, time.Duration(0), cfg.Polling.ShowDelay.Min.Duration())
	assert.Equal(t, 1500*time.Millisecond, cfg.Polling.ShowDelay.Max.Duration())
	assert.Equal(t, 5*time.Second, cfg.Polling.Confirm.Timeout.Duration())
	assert.False(t, cfg.Polling.Confirm.ExtendOnMismatch)
	assert.Equal(t, 5*time.Minute, cfg.Names.Visible.Min.Duration())
	assert.Equal(t, 17*time.Minute, cfg.Names.Hidden.Max.Duration())
	assert.Equal(t, "*", cfg.Schema.GetAutoShow())
	assert.Equal(t, "0.0.0.0:9090", cfg.Status.Addr())
	assert.Equal(t, 4, cfg.Layout.Width)
	assert.Equal(t, 5*time.Second, cfg.GetShutdownTimeout())
	assert.Equal(t, zerolog.InfoLevel, cfg.Log.GetLevel())
}

func TestLoad_FileValues(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
backend:
  host: http://backend.local
  token: secret
polling:
  interval: {min: 2s, max: 3s}
  confirm:
    timeout: 8s
    extend_on_mismatch: true
schema:
  auto_show: ""
log:
  level: debug
layout:
  width: 6
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Backend.Token)
	assert.Equal(t, 2*time.Second, cfg.Polling.Interval.Min.Duration())
	assert.Equal(t, 8*time.Second, cfg.Polling.Confirm.Timeout.Duration())
	assert.True(t, cfg.Polling.Confirm.ExtendOnMismatch)
	assert.Equal(t, "", cfg.Schema.GetAutoShow(), "an explicit empty pattern shows nothing")
	assert.Equal(t, zerolog.DebugLevel, cfg.Log.GetLevel())
	assert.Equal(t, 6, cfg.Layout.Width)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ROOMD_BACKEND_TOKEN", "from-env")
	t.Setenv("ROOMD_POLLING_CONFIRM_TIMEOUT", "12s")
	t.Setenv("ROOMD_STATUS_PORT", "8088")
	path := writeConfig(t, "backend:\n  host: backend.local\n  token: from-file\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Backend.Token)
	assert.Equal(t, 12*time.Second, cfg.Polling.Confirm.Timeout.Duration())
	assert.Equal(t, 8088, cfg.Status.Port)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ROOMD_BACKEND_HOST=dotenv.local\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ROOMD_BACKEND_HOST") })

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "dotenv.local", cfg.Backend.Host)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		body string
	}{
		{"missing host", "log:\n  level: info\n"},
		{"inverted window", "backend:\n  host: x\npolling:\n  interval: {min: 5s, max: 1s}\n"},
		{"bad duration", "backend:\n  host: x\nshutdown_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("ROOMD_TEST_HOST", "10.0.0.5")

	assert.Equal(t, "host: 10.0.0.5", expandEnvVars("host: ${ROOMD_TEST_HOST}"))
	assert.Equal(t, "port: 8080", expandEnvVars("port: ${ROOMD_TEST_UNSET:8080}"))
	assert.Equal(t, "token: ", expandEnvVars("token: ${ROOMD_TEST_UNSET}"))
}
