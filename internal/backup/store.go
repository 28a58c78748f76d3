package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// MetadataStore persists the backup index.
// Implementations must be safe for concurrent use.
type MetadataStore interface {
	SaveBackup(ctx context.Context, meta *models.BackupMetadata) error
	GetBackup(ctx context.Context, id string) (*models.BackupMetadata, error)
	ListBackups(ctx context.Context) ([]*models.BackupMetadata, error)
	DeleteBackup(ctx context.Context, id string) error
}

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// PgStore implements MetadataStore using PostgreSQL via pgxpool.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL-backed metadata store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// SaveBackup inserts or updates backup metadata.
func (s *PgStore) SaveBackup(ctx context.Context, meta *models.BackupMetadata) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("pgstore: marshal backup: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO backup_metadata (id, remediation_id, backup_type, created_at, document)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			remediation_id=$2, backup_type=$3, document=$5`,
		meta.ID, meta.RemediationID, string(meta.Type), meta.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("pgstore: save backup: %w", err)
	}
	return nil
}

// GetBackup retrieves backup metadata by ID.
func (s *PgStore) GetBackup(ctx context.Context, id string) (*models.BackupMetadata, error) {
	row := s.pool.QueryRow(ctx, `SELECT document FROM backup_metadata WHERE id = $1`, id)
	meta, err := scanBackup(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	return meta, err
}

// ListBackups returns all backup metadata, newest first.
func (s *PgStore) ListBackups(ctx context.Context) ([]*models.BackupMetadata, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM backup_metadata ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list backups: %w", err)
	}
	defer rows.Close()

	var out []*models.BackupMetadata
	for rows.Next() {
		meta, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list backups: %w", err)
	}
	return out, nil
}

// DeleteBackup removes backup metadata.
func (s *PgStore) DeleteBackup(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM backup_metadata WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgstore: delete backup: %w", err)
	}
	return nil
}

func scanBackup(row scannable) (*models.BackupMetadata, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("pgstore: scan backup: %w", err)
	}
	var meta models.BackupMetadata
	if err := json.Unmarshal(doc, &meta); err != nil {
		return nil, fmt.Errorf("pgstore: decode backup: %w", err)
	}
	return &meta, nil
}
