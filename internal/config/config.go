// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only the store settings are strictly required for the proxy to start — the
// file store is the default and needs a backends file plus a users file.
// Set STORE_MODE=redis to read both from Redis instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the proxy listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// AccessLogPath is the CSV access log file. Default: access_log.csv.
	AccessLogPath string

	// SecurityDisabled skips bearer authentication. Default: false.
	SecurityDisabled bool

	// RetryAttempts is the total number of forward tries per backend
	// (including the first). Must be ≥ 1. Default: 3.
	RetryAttempts int

	// RefreshInterval is how often the store snapshot is reloaded.
	// Default: 10s.
	RefreshInterval time.Duration

	// ProbeTimeout is the liveness probe deadline. Default: 2s.
	ProbeTimeout time.Duration

	// DefaultTimeout is the per-attempt upstream deadline for backends that
	// do not specify one. Default: 300s.
	DefaultTimeout time.Duration

	// Store selects and configures the external configuration store.
	Store StoreConfig

	// MetricsPort is the management listener serving /metrics.
	// 0 disables the management listener. Default: 0.
	MetricsPort int

	// ClickHouse optionally mirrors the access log into ClickHouse.
	ClickHouse ClickHouseConfig
}

// StoreConfig selects the external store backend.
type StoreConfig struct {
	// Mode is "file" or "redis". Default: "file".
	Mode string

	// BackendsFile is the YAML backend list (file mode).
	// Default: backends.yaml.
	BackendsFile string

	// UsersFile holds one "user:key" entry per line (file mode).
	// Default: authorized_users.txt.
	UsersFile string

	// RedisURL is a redis:// URL (redis mode).
	RedisURL string
}

// ClickHouseConfig holds the optional access-log mirror settings.
// Leave Addr empty to disable.
type ClickHouseConfig struct {
	// Addr is the native-protocol host:port, e.g. "localhost:9000".
	Addr string

	// Database defaults to "default".
	Database string

	Username string
	Password string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ACCESS_LOG_PATH", "access_log.csv")
	v.SetDefault("SECURITY_DISABLED", false)
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("REFRESH_INTERVAL", "10s")
	v.SetDefault("PROBE_TIMEOUT", "2s")
	v.SetDefault("DEFAULT_TIMEOUT", "300s")

	v.SetDefault("STORE_MODE", "file")
	v.SetDefault("BACKENDS_FILE", "backends.yaml")
	v.SetDefault("USERS_FILE", "authorized_users.txt")

	v.SetDefault("METRICS_PORT", 0)

	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:             v.GetInt("PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		AccessLogPath:    v.GetString("ACCESS_LOG_PATH"),
		SecurityDisabled: v.GetBool("SECURITY_DISABLED"),
		RetryAttempts:    v.GetInt("RETRY_ATTEMPTS"),
		RefreshInterval:  v.GetDuration("REFRESH_INTERVAL"),
		ProbeTimeout:     v.GetDuration("PROBE_TIMEOUT"),
		DefaultTimeout:   v.GetDuration("DEFAULT_TIMEOUT"),

		Store: StoreConfig{
			Mode:         strings.ToLower(v.GetString("STORE_MODE")),
			BackendsFile: v.GetString("BACKENDS_FILE"),
			UsersFile:    v.GetString("USERS_FILE"),
			RedisURL:     v.GetString("REDIS_URL"),
		},

		MetricsPort: v.GetInt("METRICS_PORT"),

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Store.Mode {
	case "file":
		if c.Store.BackendsFile == "" || c.Store.UsersFile == "" {
			return fmt.Errorf("config: BACKENDS_FILE and USERS_FILE are required when STORE_MODE=file")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=file to read backends and users from local files")
		}
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: file, redis", c.Store.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: RETRY_ATTEMPTS must be ≥ 1, got %d", c.RetryAttempts)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("config: REFRESH_INTERVAL must be a positive duration")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("config: PROBE_TIMEOUT must be a positive duration")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("config: DEFAULT_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
