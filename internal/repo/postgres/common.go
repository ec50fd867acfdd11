package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
	pgFKViolation      = "23503"
)

func runsTable(kind domain.RunKind) string {
	if kind == domain.KindFlowRun {
		return "flow_runs"
	}
	return "task_runs"
}

func statesTable(kind domain.RunKind) string {
	if kind == domain.KindFlowRun {
		return "flow_run_states"
	}
	return "task_run_states"
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeDetails(details domain.Details) ([]byte, error) {
	if details == nil {
		details = domain.Details{}
	}
	return json.Marshal(details)
}

func decodeDetails(raw []byte) (domain.Details, error) {
	if len(raw) == 0 {
		return domain.Details{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return domain.Details(out), nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func handleLocked(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return repo.ErrLocked
	}
	return handleNotFound(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgFKViolation
}
