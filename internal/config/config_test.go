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

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "/etc/dcmon", cfg.Server.AuthDir)
	assert.True(t, cfg.Server.UseTLS)
	assert.False(t, cfg.Server.TestMode)
	assert.Equal(t, 7, cfg.Server.MetricsRetentionDays)
	assert.Equal(t, 300, cfg.Server.CleanupIntervalSec)
	assert.Equal(t, "/var/lib/dcmon/dcmon.db", cfg.Storage.Path)
	assert.Equal(t, 5*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, 30, cfg.Agent.CollectIntervalSec)
	assert.Equal(t, []string{"kernel", "journal", "syslog"}, cfg.Agent.LogSources)

	// TLS material defaults under auth_dir.
	assert.Equal(t, filepath.Join("/etc/dcmon", "server.crt"), cfg.Server.TLSCertPath)
	assert.Equal(t, filepath.Join("/etc/dcmon", "server.key"), cfg.Server.TLSKeyPath)
}

func TestLoadConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	content := []byte(`
log_level: "DEBUG"
server:
  port: 9000
  auth_dir: "/opt/dcmon/auth"
  use_tls: false
  test_mode: true
  metrics_retention_days: 30
storage:
  path: "test.db"
  busy_timeout: "10s"
agent:
  server_url: "https://monitor.example:9000"
  collect_interval_sec: 15
`)
	require.NoError(t, os.WriteFile(configFile, content, 0o644))

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/opt/dcmon/auth", cfg.Server.AuthDir)
	assert.False(t, cfg.Server.UseTLS)
	assert.True(t, cfg.Server.TestMode)
	assert.Equal(t, 30, cfg.Server.MetricsRetentionDays)
	assert.Equal(t, "test.db", cfg.Storage.Path)
	assert.Equal(t, 10*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, 15, cfg.Agent.CollectIntervalSec)

	// Unset fields keep their defaults.
	assert.Equal(t, 7, cfg.Server.LogsRetentionDays)
	// And derived paths follow the overridden auth_dir.
	assert.Equal(t, filepath.Join("/opt/dcmon/auth", "server.crt"), cfg.Server.TLSCertPath)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DCMON_LOG_LEVEL", "DEBUG")
	t.Setenv("DCMON_SERVER_PORT", "9443")
	t.Setenv("DCMON_STORAGE_PATH", "env.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "env.db", cfg.Storage.Path)
}

func TestValidateRejectsBadPort(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: 99999\n"), 0o644))

	_, err := Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Server.MetricsRetentionDays)
}
