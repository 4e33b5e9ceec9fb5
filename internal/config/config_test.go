package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.AccessLogPath != "access_log.csv" {
		t.Errorf("AccessLogPath = %q", cfg.AccessLogPath)
	}
	if cfg.SecurityDisabled {
		t.Error("SecurityDisabled should default to false")
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", cfg.RetryAttempts)
	}
	if cfg.RefreshInterval != 10*time.Second {
		t.Errorf("RefreshInterval = %v, want 10s", cfg.RefreshInterval)
	}
	if cfg.ProbeTimeout != 2*time.Second {
		t.Errorf("ProbeTimeout = %v, want 2s", cfg.ProbeTimeout)
	}
	if cfg.DefaultTimeout != 300*time.Second {
		t.Errorf("DefaultTimeout = %v, want 300s", cfg.DefaultTimeout)
	}
	if cfg.Store.Mode != "file" {
		t.Errorf("Store.Mode = %q, want file", cfg.Store.Mode)
	}
	if cfg.Store.BackendsFile != "backends.yaml" || cfg.Store.UsersFile != "authorized_users.txt" {
		t.Errorf("store files = %q %q", cfg.Store.BackendsFile, cfg.Store.UsersFile)
	}
	if cfg.MetricsPort != 0 {
		t.Errorf("MetricsPort = %d, want 0 (disabled)", cfg.MetricsPort)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("SECURITY_DISABLED", "true")
	t.Setenv("RETRY_ATTEMPTS", "5")
	t.Setenv("PROBE_TIMEOUT", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowercased debug", cfg.LogLevel)
	}
	if !cfg.SecurityDisabled {
		t.Error("SecurityDisabled should be true")
	}
	if cfg.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", cfg.RetryAttempts)
	}
	if cfg.ProbeTimeout != 500*time.Millisecond {
		t.Errorf("ProbeTimeout = %v", cfg.ProbeTimeout)
	}
}

func TestLoad_RedisModeRequiresURL(t *testing.T) {
	t.Setenv("STORE_MODE", "redis")

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error without REDIS_URL")
	}
	if !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("error = %v, should name REDIS_URL", err)
	}
}

func TestLoad_RedisModeWithURL(t *testing.T) {
	t.Setenv("STORE_MODE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Mode != "redis" || cfg.Store.RedisURL == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad store mode", "STORE_MODE", "etcd"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"zero retries", "RETRY_ATTEMPTS", "0"},
		{"negative probe timeout", "PROBE_TIMEOUT", "-1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected an error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
