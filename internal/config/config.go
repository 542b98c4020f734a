package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort  string
	MetricsPort string

	// Fetch
	FetchTimeout  time.Duration
	FetchMaxSize  int64
	FetchMaxPages int
	FetchPageRate float64

	// Sync
	FleetInterval   time.Duration
	MinPollInterval time.Duration

	// Retention
	SnapshotRetentionDays int

	// Notify
	RedisURL      string
	NotifyChannel string

	// Sources
	SourcesFile string

	// Rate Limit（req/min/client）
	RateLimitGeneral int
	RateLimitSync    int

	// CORS
	CORSAllowedOrigins []string

	// Logging
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxPages = getEnvInt("FETCH_MAX_PAGES", 200)
	cfg.FetchPageRate = getEnvFloat("FETCH_PAGE_RATE", 2)
	cfg.FleetInterval = getEnvDuration("FLEET_INTERVAL", 15*time.Minute)
	cfg.MinPollInterval = getEnvDuration("MIN_POLL_INTERVAL", 60*time.Second)
	cfg.SnapshotRetentionDays = getEnvInt("SNAPSHOT_RETENTION_DAYS", 90)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.NotifyChannel = getEnvString("NOTIFY_CHANNEL", "catalogwatch:events")
	cfg.SourcesFile = getEnvString("SOURCES_FILE", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 10)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS")
	cfg.LogLevel = ParseLogLevel(getEnvString("LOG_LEVEL", "info"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値の範囲を検証する。
func (c *Config) validate() error {
	var invalid []string
	if c.FleetInterval <= 0 {
		invalid = append(invalid, "FLEET_INTERVAL")
	}
	if c.MinPollInterval <= 0 {
		invalid = append(invalid, "MIN_POLL_INTERVAL")
	}
	if c.SnapshotRetentionDays < 1 {
		invalid = append(invalid, "SNAPSHOT_RETENTION_DAYS")
	}
	if c.RateLimitGeneral < 1 {
		invalid = append(invalid, "RATE_LIMIT_GENERAL")
	}
	if c.RateLimitSync < 1 {
		invalid = append(invalid, "RATE_LIMIT_SYNC")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("environment variables have invalid values: %v", invalid)
	}
	return nil
}

// ParseLogLevel はログレベル名をslog.Levelに変換する。
// 不明な値はINFOとして扱う。
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
