package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envDBPath, envLogLevel,
		envMaxConcurrentJobs, envJobRetention,
		envMarketDataURL, envMarketDataRPS,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.MaxConcurrentJobs != defaultMaxConcurrentJobs {
		t.Errorf("MaxConcurrentJobs = %d, want %d", cfg.MaxConcurrentJobs, defaultMaxConcurrentJobs)
	}
	if cfg.JobRetention != defaultJobRetention {
		t.Errorf("JobRetention = %d, want %d", cfg.JobRetention, defaultJobRetention)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envMaxConcurrentJobs, "8")
	t.Setenv(envJobRetention, "50")
	t.Setenv(envMarketDataURL, "http://localhost:9999")
	t.Setenv(envMarketDataRPS, "2.5")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.MaxConcurrentJobs != 8 {
		t.Errorf("MaxConcurrentJobs = %d, want 8", cfg.MaxConcurrentJobs)
	}
	if cfg.JobRetention != 50 {
		t.Errorf("JobRetention = %d, want 50", cfg.JobRetention)
	}
	if cfg.MarketDataURL != "http://localhost:9999" {
		t.Errorf("MarketDataURL = %q", cfg.MarketDataURL)
	}
	if cfg.MarketDataRPS != 2.5 {
		t.Errorf("MarketDataRPS = %f, want 2.5", cfg.MarketDataRPS)
	}
}

func TestInvalidIntsFallBack(t *testing.T) {
	clearEnv(t)
	tests := []string{"abc", "0", "-3", "4.5"}
	for _, v := range tests {
		t.Setenv(envMaxConcurrentJobs, v)
		t.Setenv(envJobRetention, v)
		cfg := Load()
		if cfg.MaxConcurrentJobs != defaultMaxConcurrentJobs {
			t.Errorf("MaxConcurrentJobs(%q) = %d, want default %d", v, cfg.MaxConcurrentJobs, defaultMaxConcurrentJobs)
		}
		if cfg.JobRetention != defaultJobRetention {
			t.Errorf("JobRetention(%q) = %d, want default %d", v, cfg.JobRetention, defaultJobRetention)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Info("hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["msg"] != "hello" || entry["key"] != "value" {
		t.Errorf("log entry = %v", entry)
	}
}
