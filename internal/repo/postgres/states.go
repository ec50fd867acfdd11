package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/repo"
)

const stateColumns = `id, run_id, state_type, created_at, message, details`

// StateStore persists the append-only state history. Rows are never updated
// or deleted; the run row carries the pointer to the latest one.
type StateStore struct {
	db DB
}

func NewStateStore(db DB) *StateStore {
	if db == nil {
		return nil
	}
	return &StateStore{db: db}
}

func (s *StateStore) InsertState(ctx context.Context, kind domain.RunKind, runID uuid.UUID, state domain.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	if !kind.Valid() {
		return fmt.Errorf("invalid run kind: %q", kind)
	}
	if runID == uuid.Nil {
		return fmt.Errorf("run id is required")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	detailsJSON, err := encodeDetails(state.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO `+statesTable(kind)+` (
			id,
			run_id,
			state_type,
			created_at,
			message,
			details
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		state.ID,
		runID,
		string(state.Type),
		state.Timestamp.UTC(),
		state.Message,
		detailsJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("state %s already exists: %w", state.ID, err)
		}
		if isFKViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

func (s *StateStore) GetState(ctx context.Context, kind domain.RunKind, runID, stateID uuid.UUID) (domain.State, error) {
	if s == nil || s.db == nil {
		return domain.State{}, fmt.Errorf("state store not initialized")
	}
	if !kind.Valid() {
		return domain.State{}, fmt.Errorf("invalid run kind: %q", kind)
	}
	if runID == uuid.Nil || stateID == uuid.Nil {
		return domain.State{}, fmt.Errorf("run id and state id are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+stateColumns+` FROM `+statesTable(kind)+` WHERE run_id = $1 AND id = $2`,
		runID,
		stateID,
	)
	state, _, err := scanState(row)
	if err != nil {
		return domain.State{}, handleNotFound(err)
	}
	return state, nil
}

func (s *StateStore) ListStates(ctx context.Context, kind domain.RunKind, runID uuid.UUID, limit int) ([]domain.State, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid run kind: %q", kind)
	}
	if runID == uuid.Nil {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stateColumns+` FROM `+statesTable(kind)+`
		 WHERE run_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT `+fmt.Sprintf("%d", limit),
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var states []domain.State
	for rows.Next() {
		state, _, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return states, nil
}

func scanState(row rowScanner) (domain.State, uuid.UUID, error) {
	var state domain.State
	var runID uuid.UUID
	var detailsJSON []byte
	if err := row.Scan(&state.ID, &runID, &state.Type, &state.Timestamp, &state.Message, &detailsJSON); err != nil {
		return domain.State{}, uuid.Nil, err
	}
	details, err := decodeDetails(detailsJSON)
	if err != nil {
		return domain.State{}, uuid.Nil, fmt.Errorf("decode details: %w", err)
	}
	state.Details = details
	state.Timestamp = state.Timestamp.UTC()
	return state, runID, nil
}
