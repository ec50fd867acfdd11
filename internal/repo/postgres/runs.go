package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/repo"
)

const runColumns = `id, name, state_id, state_type, start_time, end_time,
		expected_start_time, next_scheduled_start_time, run_count, total_run_time_ms,
		created_at, updated_at`

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := normalizeTime(run.UpdatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO `+runsTable(run.Kind)+` (
			id,
			name,
			state_id,
			state_type,
			start_time,
			end_time,
			expected_start_time,
			next_scheduled_start_time,
			run_count,
			total_run_time_ms,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		run.ID,
		run.Name,
		nullUUID(run.StateID),
		nullIfEmptyState(run.StateType),
		nullTime(run.StartTime),
		nullTime(run.EndTime),
		nullTime(run.ExpectedStartTime),
		nullTime(run.NextScheduledStartTime),
		run.RunCount,
		run.TotalRunTime.Milliseconds(),
		createdAt,
		updatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s already exists: %w", run.ID, err)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, kind domain.RunKind, id uuid.UUID) (domain.Run, error) {
	return s.getRun(ctx, kind, id, false)
}

// GetRunForUpdate locks the run row for the duration of the surrounding
// transaction. NOWAIT turns lock contention into an immediate error, which
// is mapped to repo.ErrLocked.
func (s *RunStore) GetRunForUpdate(ctx context.Context, kind domain.RunKind, id uuid.UUID) (domain.Run, error) {
	return s.getRun(ctx, kind, id, true)
}

func (s *RunStore) getRun(ctx context.Context, kind domain.RunKind, id uuid.UUID, forUpdate bool) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if !kind.Valid() {
		return domain.Run{}, fmt.Errorf("invalid run kind: %q", kind)
	}
	if id == uuid.Nil {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	query := `SELECT ` + runColumns + ` FROM ` + runsTable(kind) + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE NOWAIT`
	}
	row := s.db.QueryRowContext(ctx, query, id)
	run, err := scanRun(row, kind)
	if err != nil {
		if forUpdate {
			return domain.Run{}, handleLocked(err)
		}
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE `+runsTable(run.Kind)+` SET
			state_id = $2,
			state_type = $3,
			start_time = $4,
			end_time = $5,
			expected_start_time = $6,
			next_scheduled_start_time = $7,
			run_count = $8,
			total_run_time_ms = $9,
			updated_at = $10
		 WHERE id = $1`,
		run.ID,
		nullUUID(run.StateID),
		nullIfEmptyState(run.StateType),
		nullTime(run.StartTime),
		nullTime(run.EndTime),
		nullTime(run.ExpectedStartTime),
		nullTime(run.NextScheduledStartTime),
		run.RunCount,
		run.TotalRunTime.Milliseconds(),
		normalizeTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if !filter.Kind.Valid() {
		return nil, fmt.Errorf("invalid run kind: %q", filter.Kind)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM ` + runsTable(filter.Kind)
	args := []any{}
	if filter.StateType != "" {
		query += ` WHERE state_type = $1`
		args = append(args, string(filter.StateType))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows, filter.Kind)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, kind domain.RunKind) (domain.Run, error) {
	var run domain.Run
	var stateID sql.NullString
	var stateType sql.NullString
	var startTime, endTime, expectedStart, nextScheduled sql.NullTime
	var totalRunTimeMS int64

	err := row.Scan(
		&run.ID,
		&run.Name,
		&stateID,
		&stateType,
		&startTime,
		&endTime,
		&expectedStart,
		&nextScheduled,
		&run.RunCount,
		&totalRunTimeMS,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return domain.Run{}, err
	}
	run.Kind = kind
	run.TotalRunTime = time.Duration(totalRunTimeMS) * time.Millisecond
	if stateID.Valid {
		parsed, err := uuid.Parse(stateID.String)
		if err != nil {
			return domain.Run{}, fmt.Errorf("parse state id: %w", err)
		}
		run.StateID = &parsed
	}
	if stateType.Valid {
		run.StateType = domain.StateType(stateType.String)
	}
	run.StartTime = timePtr(startTime)
	run.EndTime = timePtr(endTime)
	run.ExpectedStartTime = timePtr(expectedStart)
	run.NextScheduledStartTime = timePtr(nextScheduled)
	return run, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullIfEmptyState(t domain.StateType) any {
	if t == "" {
		return nil
	}
	return string(t)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
