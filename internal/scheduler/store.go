package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// Store persists schedules and their execution history.
// Implementations must be safe for concurrent use.
type Store interface {
	SaveSchedule(ctx context.Context, sched *models.ScheduledRemediation) error
	ListSchedules(ctx context.Context) ([]*models.ScheduledRemediation, error)
	DeleteSchedule(ctx context.Context, id string) error
	SaveExecution(ctx context.Context, res models.ExecutionResult) error
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]models.ExecutionResult, error)
}

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// PgStore implements Store using PostgreSQL via pgxpool.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL-backed schedule store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// SaveSchedule inserts or updates a schedule document.
func (s *PgStore) SaveSchedule(ctx context.Context, sched *models.ScheduledRemediation) error {
	doc, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("pgstore: marshal schedule: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_remediations (id, name, state, priority, document, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name=$2, state=$3, priority=$4, document=$5, updated_at=$7`,
		sched.ID, sched.Name, string(sched.Status.State), string(sched.Options.Priority), doc,
		sched.Metadata.CreatedAt, sched.Metadata.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save schedule: %w", err)
	}
	return nil
}

// ListSchedules returns every stored schedule, oldest first.
func (s *PgStore) ListSchedules(ctx context.Context) ([]*models.ScheduledRemediation, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM scheduled_remediations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list schedules: %w", err)
	}
	defer rows.Close()

	var out []*models.ScheduledRemediation
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list schedules: %w", err)
	}
	return out, nil
}

// DeleteSchedule removes a schedule and, by cascade, its history.
func (s *PgStore) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scheduled_remediations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgstore: delete schedule: %w", err)
	}
	return nil
}

// SaveExecution appends one execution result.
func (s *PgStore) SaveExecution(ctx context.Context, res models.ExecutionResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("pgstore: marshal execution: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_history (execution_id, schedule_id, success, started_at, document)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (execution_id) DO UPDATE SET success=$3, document=$5`,
		res.ExecutionID, res.ScheduleID, res.Success, res.StartTime, doc)
	if err != nil {
		return fmt.Errorf("pgstore: save execution: %w", err)
	}
	return nil
}

// ListExecutions returns up to limit results for scheduleID, newest first.
func (s *PgStore) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT document FROM execution_history
		WHERE schedule_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("pgstore: scan execution: %w", err)
		}
		var res models.ExecutionResult
		if err := json.Unmarshal(doc, &res); err != nil {
			return nil, fmt.Errorf("pgstore: decode execution: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list executions: %w", err)
	}
	return out, nil
}

func scanSchedule(row scannable) (*models.ScheduledRemediation, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("pgstore: scan schedule: %w", err)
	}
	var sched models.ScheduledRemediation
	if err := json.Unmarshal(doc, &sched); err != nil {
		return nil, fmt.Errorf("pgstore: decode schedule: %w", err)
	}
	return &sched, nil
}
