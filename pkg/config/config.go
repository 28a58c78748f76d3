// Package config handles application configuration loading.
//
// Configuration follows the same patterns as other Open Cloud Ops modules,
// using REMEDY_* prefixed environment variables with sensible defaults for
// local development. Database and Redis configuration uses the shared
// POSTGRES_* and REDIS_* prefixes. An optional YAML file named by
// REMEDY_CONFIG is read before the environment is applied.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the Remedy orchestration engine.
type Config struct {
	// Port is the HTTP port the API server listens on.
	Port string

	// LogLevel controls the verbosity of log output (debug, info, warn, error).
	LogLevel string

	// DatabaseURL is the PostgreSQL connection string. Persistence is
	// disabled when the database cannot be reached.
	DatabaseURL string

	// RedisURL is the Redis address. Empty disables Redis.
	RedisURL string

	// BackupStorage selects the backup backend: "local" or "s3".
	BackupStorage     string
	BackupStoragePath string
	S3Bucket          string
	S3Region          string
	S3Prefix          string
	S3Endpoint        string

	// BackupEncryptionKey enables encrypted backups when set.
	BackupEncryptionKey string

	MaxConcurrentBackups int
	DefaultRetentionDays int

	// ActionConcurrency is the width of the action execution queue.
	ActionConcurrency       int
	DefaultMaxExecutionTime time.Duration
	CancelCheckInterval     time.Duration
	MonitorInterval         time.Duration
	LongRunningThreshold    time.Duration
	HistoryLimit            int

	// AttemptLimit bounds the remediation attempts kept in memory.
	AttemptLimit int

	// DependencyGraphFile optionally overrides the built-in resource graph.
	DependencyGraphFile string

	// AllowedOrigins defines the CORS allowed origins for the API.
	AllowedOrigins []string

	// APIKey, when set, is the only key accepted on /api/v1. Without it any
	// well-formed key is accepted.
	APIKey string
	// RateLimitRequests per RateLimitWindow per API key. Needs Redis.
	RateLimitRequests int64
	RateLimitWindow   time.Duration

	// ApprovalTTL is how long a grant without an explicit expiry lives.
	ApprovalTTL time.Duration

	// NotificationChannel is the Redis pub/sub channel for notifications.
	NotificationChannel string
	// NotificationRate caps notifications per second.
	NotificationRate float64
}

// Load reads configuration from the optional config file and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REMEDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("REMEDY_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	cfg := &Config{
		Port:                    v.GetString("port"),
		LogLevel:                v.GetString("log_level"),
		BackupStorage:           strings.ToLower(v.GetString("backup_storage")),
		BackupStoragePath:       v.GetString("backup_storage_path"),
		S3Bucket:                v.GetString("s3_bucket"),
		S3Region:                v.GetString("s3_region"),
		S3Prefix:                v.GetString("s3_prefix"),
		S3Endpoint:              v.GetString("s3_endpoint"),
		BackupEncryptionKey:     v.GetString("backup_encryption_key"),
		MaxConcurrentBackups:    v.GetInt("max_concurrent_backups"),
		DefaultRetentionDays:    v.GetInt("default_retention_days"),
		ActionConcurrency:       v.GetInt("action_concurrency"),
		DefaultMaxExecutionTime: v.GetDuration("default_max_execution_time"),
		CancelCheckInterval:     v.GetDuration("cancel_check_interval"),
		MonitorInterval:         v.GetDuration("monitor_interval"),
		LongRunningThreshold:    v.GetDuration("long_running_threshold"),
		HistoryLimit:            v.GetInt("history_limit"),
		AttemptLimit:            v.GetInt("attempt_limit"),
		DependencyGraphFile:     v.GetString("dependency_graph_file"),
		NotificationChannel:     v.GetString("notification_channel"),
		NotificationRate:        v.GetFloat64("notification_rate"),
		APIKey:                  v.GetString("api_key"),
		RateLimitRequests:       v.GetInt64("rate_limit_requests"),
		RateLimitWindow:         v.GetDuration("rate_limit_window"),
		ApprovalTTL:             v.GetDuration("approval_ttl"),
	}

	// Build PostgreSQL connection URL from individual components
	pgHost := getEnvOrDefault("POSTGRES_HOST", "localhost")
	pgPort := getEnvOrDefault("POSTGRES_PORT", "5432")
	pgDB := getEnvOrDefault("POSTGRES_DB", "remedy")
	pgUser := getEnvOrDefault("POSTGRES_USER", "remedy")
	pgPassword := os.Getenv("POSTGRES_PASSWORD")
	pgSSLMode := getEnvOrDefault("POSTGRES_SSLMODE", "require")

	// Use url.UserPassword to properly percent-encode credentials that may
	// contain reserved URI characters (@, :, /, etc.).
	dsn := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%s", pgHost, pgPort),
		Path:     pgDB,
		RawQuery: fmt.Sprintf("sslmode=%s", pgSSLMode),
	}
	if pgPassword == "" {
		dsn.User = url.User(pgUser)
	} else {
		dsn.User = url.UserPassword(pgUser, pgPassword)
	}
	cfg.DatabaseURL = dsn.String()
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	// Redis stays disabled unless REDIS_HOST or REDIS_URL is set.
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.RedisURL = fmt.Sprintf("%s:%s", redisHost, getEnvOrDefault("REDIS_PORT", "6379"))
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	cfg.AllowedOrigins = splitList(v.GetString("allowed_origins"))

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8083")
	v.SetDefault("log_level", "info")
	v.SetDefault("backup_storage", "local")
	v.SetDefault("backup_storage_path", "/var/remedy/backups")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_prefix", "remedy/backups")
	v.SetDefault("max_concurrent_backups", 3)
	v.SetDefault("default_retention_days", 30)
	v.SetDefault("action_concurrency", 1)
	v.SetDefault("default_max_execution_time", "5m")
	v.SetDefault("cancel_check_interval", "1s")
	v.SetDefault("monitor_interval", "30s")
	v.SetDefault("long_running_threshold", "10m")
	v.SetDefault("history_limit", 100)
	v.SetDefault("attempt_limit", 10000)
	v.SetDefault("allowed_origins", "http://localhost:3000")
	v.SetDefault("notification_channel", "remedy:notifications")
	v.SetDefault("notification_rate", 5.0)
	v.SetDefault("rate_limit_requests", 120)
	v.SetDefault("rate_limit_window", "1m")
	v.SetDefault("approval_ttl", "24h")
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: REMEDY_PORT is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database URL could not be constructed")
	}
	switch c.BackupStorage {
	case "local":
		if c.BackupStoragePath == "" {
			return fmt.Errorf("config: REMEDY_BACKUP_STORAGE_PATH is required for local storage")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("config: REMEDY_S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("config: unknown backup storage %q", c.BackupStorage)
	}
	if c.MaxConcurrentBackups <= 0 {
		return fmt.Errorf("config: REMEDY_MAX_CONCURRENT_BACKUPS must be positive")
	}
	if c.DefaultRetentionDays <= 0 {
		return fmt.Errorf("config: REMEDY_DEFAULT_RETENTION_DAYS must be positive")
	}
	if c.ActionConcurrency <= 0 {
		return fmt.Errorf("config: REMEDY_ACTION_CONCURRENCY must be positive")
	}
	if c.DefaultMaxExecutionTime <= 0 || c.CancelCheckInterval <= 0 || c.MonitorInterval <= 0 {
		return fmt.Errorf("config: execution time limits and intervals must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: REMEDY_HISTORY_LIMIT must be positive")
	}
	if c.AttemptLimit <= 0 {
		return fmt.Errorf("config: REMEDY_ATTEMPT_LIMIT must be positive")
	}
	if c.APIKey != "" && len(c.APIKey) < 16 {
		return fmt.Errorf("config: REMEDY_API_KEY must be at least 16 characters")
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("config: REMEDY_RATE_LIMIT_REQUESTS must not be negative")
	}
	if c.NotificationRate <= 0 {
		return fmt.Errorf("config: REMEDY_NOTIFICATION_RATE must be positive")
	}
	return nil
}

// getEnvOrDefault returns the value of the environment variable named by key,
// or the defaultValue if the variable is not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
