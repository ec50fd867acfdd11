// Package transitions drives run state transitions through the
// orchestration policy: one locked read, one rule pipeline, one commit.
package transitions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/orchestration"
	"github.com/orchon-labs/orchon-go/internal/repo"
)

// Service executes transition attempts against tx-scoped repositories. The
// caller owns the transaction: both repositories must be bound to the same
// one so the FOR UPDATE lock covers the state insert and the run update.
type Service struct {
	runs   repo.RunRepository
	states repo.StateRepository
	rules  []orchestration.Rule
}

func New(runRepo repo.RunRepository, stateRepo repo.StateRepository, rules []orchestration.Rule) *Service {
	if runRepo == nil || stateRepo == nil {
		return nil
	}
	if rules == nil {
		rules = orchestration.GlobalPolicy()
	}
	return &Service{
		runs:   runRepo,
		states: stateRepo,
		rules:  rules,
	}
}

// Proposal is one requested state transition.
type Proposal struct {
	Kind      domain.RunKind
	RunID     uuid.UUID
	Type      domain.StateType
	Timestamp time.Time
	Message   string
	Details   domain.Details
}

// Result reports how a transition attempt ended. State is nil when the
// transition was aborted; Run then reflects the untouched record.
type Result struct {
	Run    domain.Run
	State  *domain.State
	Status orchestration.Status
	Reason string
}

type statePersister struct {
	states repo.StateRepository
}

func (p statePersister) AppendState(ctx context.Context, run *domain.Run, state domain.State) error {
	return p.states.InsertState(ctx, run.Kind, run.ID, state)
}

// CreateRun inserts a new run and, when an initial proposal is given, drives
// its first transition with no initial state.
func (s *Service) CreateRun(ctx context.Context, kind domain.RunKind, name string, initial *Proposal) (Result, error) {
	if s == nil {
		return Result{}, errors.New("transitions service not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, errors.New("run name is required")
	}
	run := domain.NewRun(kind, name, time.Now().UTC())
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("create run: %w", err)
	}
	if initial == nil {
		return Result{Run: run, Status: orchestration.StatusAccept}, nil
	}
	proposed := buildState(*initial)
	return s.execute(ctx, &run, nil, &proposed)
}

// ProposeTransition locks the run, replays the policy around the proposed
// state and persists the outcome. Lock contention surfaces as
// repo.ErrLocked without waiting.
func (s *Service) ProposeTransition(ctx context.Context, p Proposal) (Result, error) {
	if s == nil {
		return Result{}, errors.New("transitions service not initialized")
	}
	if p.RunID == uuid.Nil {
		return Result{}, errors.New("run id is required")
	}
	run, err := s.runs.GetRunForUpdate(ctx, p.Kind, p.RunID)
	if err != nil {
		return Result{}, err
	}

	var initial *domain.State
	if run.StateID != nil {
		current, err := s.states.GetState(ctx, run.Kind, run.ID, *run.StateID)
		if err != nil {
			return Result{}, fmt.Errorf("load current state: %w", err)
		}
		initial = &current
	}

	proposed := buildState(p)
	return s.execute(ctx, &run, initial, &proposed)
}

func (s *Service) execute(ctx context.Context, run *domain.Run, initial, proposed *domain.State) (Result, error) {
	octx, err := orchestration.NewContext(run, initial, proposed, statePersister{states: s.states})
	if err != nil {
		return Result{}, err
	}

	err = orchestration.NewPolicy(s.rules...).Execute(ctx, octx)
	if err != nil && !errors.Is(err, orchestration.ErrInvalidTransition) {
		return Result{}, err
	}
	if errors.Is(err, orchestration.ErrInvalidTransition) {
		return Result{
			Run:    *run,
			Status: orchestration.StatusAbort,
			Reason: octx.Reason(),
		}, nil
	}

	if err := s.runs.UpdateRun(ctx, *run); err != nil {
		return Result{}, fmt.Errorf("persist run: %w", err)
	}
	return Result{
		Run:    *run,
		State:  octx.ValidatedState(),
		Status: octx.Status(),
		Reason: octx.Reason(),
	}, nil
}

func buildState(p Proposal) domain.State {
	state := domain.NewState(p.Type, p.Timestamp)
	if p.Message != "" {
		state = state.WithMessage(p.Message)
	}
	if p.Details != nil {
		state = state.WithDetails(p.Details)
	}
	return state
}
