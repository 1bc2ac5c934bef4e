package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "quantd.db"
	defaultMaxConcurrentJobs = 4
	defaultJobRetention      = 200
	defaultMarketDataURL     = "https://data.example.com"
	defaultMarketDataRPS     = 5

	envListenAddr        = "QUANTD_LISTEN_ADDR"
	envDBPath            = "QUANTD_DB_PATH"
	envLogLevel          = "QUANTD_LOG_LEVEL"
	envMaxConcurrentJobs = "QUANTD_MAX_CONCURRENT_JOBS"
	envJobRetention      = "QUANTD_JOB_RETENTION"
	envMarketDataURL     = "QUANTD_MARKETDATA_URL"
	envMarketDataRPS     = "QUANTD_MARKETDATA_RPS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	// MaxConcurrentJobs is the per-class concurrency limit. Invalid or
	// non-positive values fall back to the default.
	MaxConcurrentJobs int
	// JobRetention is how many terminal jobs the in-memory registry keeps
	// before the retention sweep evicts the oldest.
	JobRetention  int
	MarketDataURL string
	MarketDataRPS float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		MaxConcurrentJobs: defaultMaxConcurrentJobs,
		JobRetention:      defaultJobRetention,
		MarketDataURL:     defaultMarketDataURL,
		MarketDataRPS:     defaultMarketDataRPS,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxConcurrentJobs); v != "" {
		cfg.MaxConcurrentJobs = parsePositiveInt(v, defaultMaxConcurrentJobs)
	}
	if v := os.Getenv(envJobRetention); v != "" {
		cfg.JobRetention = parsePositiveInt(v, defaultJobRetention)
	}
	if v := os.Getenv(envMarketDataURL); v != "" {
		cfg.MarketDataURL = v
	}
	if v := os.Getenv(envMarketDataRPS); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.MarketDataRPS = f
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parsePositiveInt parses s as a positive integer, falling back to def on
// anything invalid or non-positive.
func parsePositiveInt(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
