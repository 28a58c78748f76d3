// Package database provides PostgreSQL connection management and schema
// initialization for Remedy. It uses pgx for database access.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPool creates a new PostgreSQL connection pool for databaseURL.
// It configures pool sizing, timeouts, and verifies connectivity with a ping.
func NewPool(ctx context.Context, databaseURL string, logger *zap.Logger) (*DB, error) {
	logger = logging.OrNop(logger).Named("database")

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: failed to parse connection URL: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database: failed to create connection pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: failed to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger}

	if err := db.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: failed to initialize schema: %w", err)
	}

	logger.Info("connected and schema initialized")
	return db, nil
}

// Close gracefully shuts down the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("connection pool closed")
	}
}

// Schema is the DDL applied at startup. Documents are stored as JSONB with a
// few indexed columns for listing.
const Schema = `
	CREATE TABLE IF NOT EXISTS scheduled_remediations (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		state       TEXT NOT NULL,
		priority    TEXT NOT NULL,
		document    JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS execution_history (
		execution_id TEXT PRIMARY KEY,
		schedule_id  TEXT NOT NULL REFERENCES scheduled_remediations(id) ON DELETE CASCADE,
		success      BOOLEAN NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		document     JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_history_schedule
		ON execution_history (schedule_id, started_at);

	CREATE TABLE IF NOT EXISTS backup_metadata (
		id             TEXT PRIMARY KEY,
		remediation_id TEXT NOT NULL,
		backup_type    TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		document       JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_backup_metadata_remediation
		ON backup_metadata (remediation_id);
`

func (db *DB) initSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, Schema)
	return err
}
