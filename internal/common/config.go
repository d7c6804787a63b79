package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development", "staging" or "production"
	Server      ServerConfig  `toml:"server"`
	Queue       QueueConfig   `toml:"queue"`
	Storage     StorageConfig `toml:"storage"`
	Uploads     UploadsConfig `toml:"uploads"`
	Ingest      IngestConfig  `toml:"ingest"`
	Webhooks    WebhookConfig `toml:"webhooks"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port      int    `toml:"port"`
	Host      string `toml:"host"`
	APIPrefix string `toml:"api_prefix"` // URL prefix for all API routes (default: "/api")
}

type QueueConfig struct {
	PollInterval string `toml:"poll_interval"` // e.g., "250ms" - how often workers poll for messages
	Concurrency  int    `toml:"concurrency"`   // Number of concurrent workers
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
	Badger BadgerConfig `toml:"badger"`
}

// SQLiteConfig represents the relational store configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	WALMode       bool   `toml:"wal_mode"`        // Enable write-ahead logging
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // SQLITE_BUSY wait before failing
}

// BadgerConfig represents the progress/queue store configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path ("" = in-memory)
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// UploadsConfig controls the upload boundary
type UploadsConfig struct {
	TmpDir        string  `toml:"tmp_dir"`         // Directory for uploaded files (default: platform temp)
	MaxSizeMB     int64   `toml:"max_size_mb"`     // Request-level size cap in MB
	RatePerMinute float64 `toml:"rate_per_minute"` // Upload rate limit per minute
	StaleAfter    string  `toml:"stale_after"`     // Age after which orphaned temp files are swept
	SweepSchedule string  `toml:"sweep_schedule"`  // Cron schedule for the maintenance sweep
}

// IngestConfig controls worker batching and progress cadence
type IngestConfig struct {
	BatchSize        int    `toml:"batch_size"`        // Rows per upsert/delete batch
	ProgressInterval string `toml:"progress_interval"` // Minimum gap between non-forced progress publishes
	ProgressTTL      string `toml:"progress_ttl"`      // Snapshot retention after last write
}

// WebhookConfig controls outbound delivery
type WebhookConfig struct {
	Timeout         string `toml:"timeout"`           // Hard timeout for delivery POSTs
	MaxResponseBody int    `toml:"max_response_body"` // Stored response body truncation length
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in catalogd.toml; batch sizes and
// timeouts here match the queue contract and should rarely change.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:      8080,
			Host:      "localhost",
			APIPrefix: "/api",
		},
		Queue: QueueConfig{
			PollInterval: "250ms",
			Concurrency:  4,
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/catalogd.db",
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
			Badger: BadgerConfig{
				Path: "./data/progress",
			},
		},
		Uploads: UploadsConfig{
			TmpDir:        os.TempDir(),
			MaxSizeMB:     512,
			RatePerMinute: 10,
			StaleAfter:    "24h",
			SweepSchedule: "0 */15 * * * *", // Every 15 minutes
		},
		Ingest: IngestConfig{
			BatchSize:        10000,
			ProgressInterval: "2s",
			ProgressTTL:      "1h",
		},
		Webhooks: WebhookConfig{
			Timeout:         "10s",
			MaxResponseBody: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadConfig loads configuration in priority order:
// defaults -> TOML file(s) -> environment overrides.
// Later files override earlier ones.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CATALOGD_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("CATALOGD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CATALOGD_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if prefix := os.Getenv("CATALOGD_API_PREFIX"); prefix != "" {
		config.Server.APIPrefix = prefix
	}

	if dbPath := os.Getenv("CATALOGD_DATABASE_PATH"); dbPath != "" {
		config.Storage.SQLite.Path = dbPath
	}
	if badgerPath := os.Getenv("CATALOGD_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if tmpDir := os.Getenv("CATALOGD_UPLOAD_TMP_DIR"); tmpDir != "" {
		config.Uploads.TmpDir = tmpDir
	}
	if maxSize := os.Getenv("CATALOGD_MAX_UPLOAD_SIZE_MB"); maxSize != "" {
		if mb, err := strconv.ParseInt(maxSize, 10, 64); err == nil {
			config.Uploads.MaxSizeMB = mb
		}
	}

	if concurrency := os.Getenv("CATALOGD_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if pollInterval := os.Getenv("CATALOGD_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}

	if level := os.Getenv("CATALOGD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("CATALOGD_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitAndTrim(output, ",")
	}
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("invalid environment %q: expected development, staging or production", c.Environment)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return fmt.Errorf("api_prefix must start with '/': %q", c.Server.APIPrefix)
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive: %d", c.Queue.Concurrency)
	}
	if _, err := time.ParseDuration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("invalid queue poll_interval: %w", err)
	}

	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest batch_size must be positive: %d", c.Ingest.BatchSize)
	}
	for name, value := range map[string]string{
		"ingest progress_interval": c.Ingest.ProgressInterval,
		"ingest progress_ttl":      c.Ingest.ProgressTTL,
		"webhook timeout":          c.Webhooks.Timeout,
		"uploads stale_after":      c.Uploads.StaleAfter,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Uploads.MaxSizeMB <= 0 {
		return fmt.Errorf("uploads max_size_mb must be positive: %d", c.Uploads.MaxSizeMB)
	}

	return nil
}

// PollInterval returns the parsed queue poll interval
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Queue.PollInterval)
	return d
}

// ProgressInterval returns the parsed minimum progress publish gap
func (c *Config) ProgressInterval() time.Duration {
	d, _ := time.ParseDuration(c.Ingest.ProgressInterval)
	return d
}

// ProgressTTL returns the parsed snapshot retention duration
func (c *Config) ProgressTTL() time.Duration {
	d, _ := time.ParseDuration(c.Ingest.ProgressTTL)
	return d
}

// WebhookTimeout returns the parsed delivery POST timeout
func (c *Config) WebhookTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Webhooks.Timeout)
	return d
}

// StaleUploadAge returns the parsed stale upload threshold
func (c *Config) StaleUploadAge() time.Duration {
	d, _ := time.ParseDuration(c.Uploads.StaleAfter)
	return d
}

// MaxUploadBytes returns the request-level upload cap in bytes
func (c *Config) MaxUploadBytes() int64 {
	return c.Uploads.MaxSizeMB * 1024 * 1024
}

// DiscoverConfigFile looks for catalogd.toml next to the executable or in
// the working directory. Returns "" when none is found.
func DiscoverConfigFile() string {
	if _, err := os.Stat("catalogd.toml"); err == nil {
		return "catalogd.toml"
	}

	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(execPath), "catalogd.toml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}

	return ""
}

// splitAndTrim splits a string by delimiter and trims whitespace from each part
func splitAndTrim(s string, delimiter string) []string {
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
