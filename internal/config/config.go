package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alkorolyov/dcmon/internal/agent"
	"github.com/alkorolyov/dcmon/internal/server"
	"github.com/alkorolyov/dcmon/internal/storage"
)

type Config struct {
	Server   server.Config  `mapstructure:"server"`
	Storage  storage.Config `mapstructure:"storage"`
	Agent    agent.Config   `mapstructure:"agent"`
	LogLevel string         `mapstructure:"log_level"`
}

// Load reads defaults, then the YAML file (explicit path or the
// search locations), then DCMON_* environment overrides, and
// validates the result. Absent values never clobber earlier layers.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dcmon")
		v.AddConfigPath("$HOME/.dcmon")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DCMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDerived(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.AuthDir == "" {
		return fmt.Errorf("server.auth_dir is required")
	}
	if c.Storage.Path == "" && !c.Storage.InMemory {
		return fmt.Errorf("storage.path is required")
	}
	return nil
}

// applyDerived fills values that default relative to others: TLS
// material lives under auth_dir unless overridden.
func applyDerived(cfg *Config) {
	if cfg.Server.TLSCertPath == "" {
		cfg.Server.TLSCertPath = filepath.Join(cfg.Server.AuthDir, "server.crt")
	}
	if cfg.Server.TLSKeyPath == "" {
		cfg.Server.TLSKeyPath = filepath.Join(cfg.Server.AuthDir, "server.key")
	}
	if cfg.Agent.AuthDir == "" {
		cfg.Agent.AuthDir = cfg.Server.AuthDir
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.auth_dir", "/etc/dcmon")
	v.SetDefault("server.audit_log_path", "/var/log/dcmon-audit.log")
	v.SetDefault("server.use_tls", true)
	v.SetDefault("server.test_mode", false)
	v.SetDefault("server.metrics_retention_days", 7)
	v.SetDefault("server.logs_retention_days", 7)
	v.SetDefault("server.cleanup_interval_sec", 300)
	v.SetDefault("server.command_ttl_sec", 300)
	v.SetDefault("server.ingest_rate_per_sec", 200)
	v.SetDefault("server.shutdown_grace_sec", 10)

	v.SetDefault("storage.path", "/var/lib/dcmon/dcmon.db")
	v.SetDefault("storage.enable_wal", true)
	v.SetDefault("storage.busy_timeout", 5*time.Second)

	v.SetDefault("agent.server_url", "https://127.0.0.1:8443")
	v.SetDefault("agent.auth_dir", "/etc/dcmon")
	v.SetDefault("agent.collect_interval_sec", 30)
	v.SetDefault("agent.command_poll_sec", 60)
	v.SetDefault("agent.log_ship_interval_sec", 60)
	v.SetDefault("agent.log_severity_max", 6)
	v.SetDefault("agent.log_sources", []string{"kernel", "journal", "syslog"})
	v.SetDefault("agent.syslog_path", "/var/log/syslog")
	v.SetDefault("agent.use_command_stream", false)
	v.SetDefault("agent.insecure_skip_verify", true)
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "INFO",
		Server: server.Config{
			Host:                 "0.0.0.0",
			Port:                 8443,
			AuthDir:              "/etc/dcmon",
			AuditLogPath:         "/var/log/dcmon-audit.log",
			UseTLS:               true,
			MetricsRetentionDays: 7,
			LogsRetentionDays:    7,
			CleanupIntervalSec:   300,
			CommandTTLSec:        300,
			IngestRatePerSec:     200,
			ShutdownGraceSec:     10,
		},
		Storage: storage.Config{
			Path:        "/var/lib/dcmon/dcmon.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
	}
}
