package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultUploadMaxBytes is the upload ceiling (50 MiB).
const DefaultUploadMaxBytes int64 = 50 << 20

// Config holds all configuration for the neuroscan server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Analyzer  AnalyzerConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel slog.Level
	// CORSOrigins enables cross-origin requests from these origins. Empty disables CORS.
	CORSOrigins []string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Root           string
	UploadMaxBytes int64
}

// AnalyzerConfig describes how the external analyzer is launched.
// Args is a fixed prefix placed before the input path and output directory,
// e.g. Path "python3" with Args ["scanner/main.py"].
type AnalyzerConfig struct {
	Path           string
	Args           []string
	Timeout        time.Duration
	MaxConcurrent  int
	LaunchAttempts int
	PolicyFile     string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	level, ok := validLogLevels[strings.ToLower(envString("LOG_LEVEL", "info"))]
	if !ok {
		return nil, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", os.Getenv("LOG_LEVEL"))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("NEUROSCAN_PORT", 8080),
			Env:      envString("NEUROSCAN_ENV", "development"),
			LogLevel: level,

			CORSOrigins: envList("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Root:           envString("STORAGE_ROOT", "uploads"),
			UploadMaxBytes: envInt64("UPLOAD_MAX_BYTES", DefaultUploadMaxBytes),
		},
		Analyzer: AnalyzerConfig{
			Path:           os.Getenv("ANALYZER_PATH"),
			Args:           strings.Fields(os.Getenv("ANALYZER_ARGS")),
			Timeout:        envDurationSecs("ANALYZER_TIMEOUT_SECS", 5*time.Minute),
			MaxConcurrent:  envInt("ANALYZER_MAX_CONCURRENT", 2),
			LaunchAttempts: envInt("ANALYZER_LAUNCH_ATTEMPTS", 1),
			PolicyFile:     os.Getenv("RISK_POLICY_FILE"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("STORAGE_ROOT must not be empty")
	}
	if c.Storage.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.Storage.UploadMaxBytes)
	}

	if c.Analyzer.Path == "" {
		return fmt.Errorf("ANALYZER_PATH is required")
	}
	if c.Analyzer.Timeout <= 0 {
		return fmt.Errorf("ANALYZER_TIMEOUT_SECS must be positive")
	}
	if c.Analyzer.MaxConcurrent < 1 {
		return fmt.Errorf("ANALYZER_MAX_CONCURRENT must be at least 1, got %d", c.Analyzer.MaxConcurrent)
	}
	if c.Analyzer.LaunchAttempts < 1 {
		return fmt.Errorf("ANALYZER_LAUNCH_ATTEMPTS must be at least 1, got %d", c.Analyzer.LaunchAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(key string, defaultVal int) int {
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

func envInt64(key string, defaultVal int64) int64 {
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
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

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
