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
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("REDIS_HOST", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "local", cfg.BackupStorage)
	assert.Equal(t, 3, cfg.MaxConcurrentBackups)
	assert.Equal(t, 30, cfg.DefaultRetentionDays)
	assert.Equal(t, 1, cfg.ActionConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.DefaultMaxExecutionTime)
	assert.Equal(t, time.Second, cfg.CancelCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 10*time.Minute, cfg.LongRunningThreshold)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, 10000, cfg.AttemptLimit)
	assert.Empty(t, cfg.RedisURL)
	assert.Contains(t, cfg.DatabaseURL, "postgres://remedy@localhost:5432/remedy")
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, int64(120), cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REMEDY_PORT", "9000")
	t.Setenv("REMEDY_ACTION_CONCURRENCY", "4")
	t.Setenv("REMEDY_DEFAULT_MAX_EXECUTION_TIME", "90s")
	t.Setenv("REMEDY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("POSTGRES_PASSWORD", "p@ss:word")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 4, cfg.ActionConcurrency)
	assert.Equal(t, 90*time.Second, cfg.DefaultMaxExecutionTime)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Contains(t, cfg.DatabaseURL, "p%40ss%3Aword")
	assert.Equal(t, "cache.internal:6379", cfg.RedisURL)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remedy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backup_storage: s3\ns3_bucket: remedy-backups\nhistory_limit: 50\n"), 0o600))
	t.Setenv("REMEDY_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.BackupStorage)
	assert.Equal(t, "remedy-backups", cfg.S3Bucket)
	assert.Equal(t, 50, cfg.HistoryLimit)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:                    "8083",
			DatabaseURL:             "postgres://localhost/remedy",
			BackupStorage:           "local",
			BackupStoragePath:       "/tmp/remedy",
			MaxConcurrentBackups:    3,
			DefaultRetentionDays:    30,
			ActionConcurrency:       1,
			DefaultMaxExecutionTime: time.Minute,
			CancelCheckInterval:     time.Second,
			MonitorInterval:         time.Second,
			HistoryLimit:            100,
			AttemptLimit:            100,
			NotificationRate:        1,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing port", func(c *Config) { c.Port = "" }},
		{"unknown storage", func(c *Config) { c.BackupStorage = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.BackupStorage = "s3" }},
		{"zero backups", func(c *Config) { c.MaxConcurrentBackups = 0 }},
		{"zero retention", func(c *Config) { c.DefaultRetentionDays = 0 }},
		{"zero concurrency", func(c *Config) { c.ActionConcurrency = 0 }},
		{"zero history", func(c *Config) { c.HistoryLimit = 0 }},
		{"zero attempt limit", func(c *Config) { c.AttemptLimit = 0 }},
		{"short api key", func(c *Config) { c.APIKey = "short" }},
		{"negative rate limit", func(c *Config) { c.RateLimitRequests = -1 }},
	}

	require.NoError(t, base().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
