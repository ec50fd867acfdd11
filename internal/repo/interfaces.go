package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

// ErrNotFound reports a run or state that does not exist.
var ErrNotFound = errors.New("not found")

// ErrLocked reports a run row held by a concurrent transition. Callers
// surface it as a conflict rather than waiting out the lock.
var ErrLocked = errors.New("run locked by concurrent transition")

type RunFilter struct {
	Kind      domain.RunKind
	StateType domain.StateType
	Limit     int
}

// RunRepository manages run records for both run kinds.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, kind domain.RunKind, id uuid.UUID) (domain.Run, error)
	// GetRunForUpdate acquires the row lock for one transition attempt.
	// It must run inside a transaction; a row already locked by another
	// transaction fails fast with ErrLocked.
	GetRunForUpdate(ctx context.Context, kind domain.RunKind, id uuid.UUID) (domain.Run, error)
	UpdateRun(ctx context.Context, run domain.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
}

// StateRepository manages the append-only state history of runs.
type StateRepository interface {
	InsertState(ctx context.Context, kind domain.RunKind, runID uuid.UUID, state domain.State) error
	GetState(ctx context.Context, kind domain.RunKind, runID, stateID uuid.UUID) (domain.State, error)
	ListStates(ctx context.Context, kind domain.RunKind, runID uuid.UUID, limit int) ([]domain.State, error)
}
