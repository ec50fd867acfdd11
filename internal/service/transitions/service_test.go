package transitions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/orchestration"
	"github.com/orchon-labs/orchon-go/internal/repo"
)

type fakeRunRepo struct {
	runs    map[uuid.UUID]domain.Run
	locked  map[uuid.UUID]bool
	updates int
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs:   map[uuid.UUID]domain.Run{},
		locked: map[uuid.UUID]bool{},
	}
}

func (f *fakeRunRepo) CreateRun(_ context.Context, run domain.Run) error {
	if _, ok := f.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepo) GetRun(_ context.Context, _ domain.RunKind, id uuid.UUID) (domain.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) GetRunForUpdate(_ context.Context, _ domain.RunKind, id uuid.UUID) (domain.Run, error) {
	if f.locked[id] {
		return domain.Run{}, repo.ErrLocked
	}
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) UpdateRun(_ context.Context, run domain.Run) error {
	if _, ok := f.runs[run.ID]; !ok {
		return repo.ErrNotFound
	}
	f.runs[run.ID] = run
	f.updates++
	return nil
}

func (f *fakeRunRepo) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	var out []domain.Run
	for _, run := range f.runs {
		if filter.StateType != "" && run.StateType != filter.StateType {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

type fakeStateRepo struct {
	states map[uuid.UUID]domain.State
	byRun  map[uuid.UUID][]uuid.UUID
	err    error
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{
		states: map[uuid.UUID]domain.State{},
		byRun:  map[uuid.UUID][]uuid.UUID{},
	}
}

func (f *fakeStateRepo) InsertState(_ context.Context, _ domain.RunKind, runID uuid.UUID, state domain.State) error {
	if f.err != nil {
		return f.err
	}
	f.states[state.ID] = state
	f.byRun[runID] = append(f.byRun[runID], state.ID)
	return nil
}

func (f *fakeStateRepo) GetState(_ context.Context, _ domain.RunKind, _ uuid.UUID, stateID uuid.UUID) (domain.State, error) {
	state, ok := f.states[stateID]
	if !ok {
		return domain.State{}, repo.ErrNotFound
	}
	return state, nil
}

func (f *fakeStateRepo) ListStates(_ context.Context, _ domain.RunKind, runID uuid.UUID, _ int) ([]domain.State, error) {
	var out []domain.State
	for _, id := range f.byRun[runID] {
		out = append(out, f.states[id])
	}
	return out, nil
}

func TestCreateRunWithInitialState(t *testing.T) {
	runRepo := newFakeRunRepo()
	stateRepo := newFakeStateRepo()
	service := New(runRepo, stateRepo, nil)
	if service == nil {
		t.Fatalf("expected service")
	}

	result, err := service.CreateRun(context.Background(), domain.KindTaskRun, "extract", &Proposal{
		Kind: domain.KindTaskRun,
		Type: domain.StatePending,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if result.Status != orchestration.StatusAccept {
		t.Fatalf("status = %s, want ACCEPT", result.Status)
	}
	if result.State == nil || result.State.Type != domain.StatePending {
		t.Fatalf("expected a committed PENDING state")
	}
	stored := runRepo.runs[result.Run.ID]
	if stored.StateType != domain.StatePending {
		t.Fatalf("persisted run state = %s, want PENDING", stored.StateType)
	}
	if stored.ExpectedStartTime == nil {
		t.Fatalf("expected start time not set on first transition")
	}
	if len(stateRepo.byRun[result.Run.ID]) != 1 {
		t.Fatalf("expected one state in history")
	}
}

func TestCreateRunWithoutInitialState(t *testing.T) {
	runRepo := newFakeRunRepo()
	service := New(runRepo, newFakeStateRepo(), nil)

	result, err := service.CreateRun(context.Background(), domain.KindFlowRun, "nightly", nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if result.State != nil {
		t.Fatalf("expected no committed state")
	}
	stored := runRepo.runs[result.Run.ID]
	if stored.StateID != nil {
		t.Fatalf("run without initial proposal must hold no state")
	}
}

func TestCreateRunRequiresName(t *testing.T) {
	service := New(newFakeRunRepo(), newFakeStateRepo(), nil)
	if _, err := service.CreateRun(context.Background(), domain.KindTaskRun, "  ", nil); err == nil {
		t.Fatalf("expected missing name to be refused")
	}
}

func seedRun(t *testing.T, runRepo *fakeRunRepo, stateRepo *fakeStateRepo, kind domain.RunKind, stateType domain.StateType) domain.Run {
	t.Helper()
	run := domain.NewRun(kind, "seeded", time.Now().UTC())
	state := domain.NewState(stateType, time.Now().UTC().Add(-time.Minute))
	run.StateType = state.Type
	id := state.ID
	run.StateID = &id
	runRepo.runs[run.ID] = run
	stateRepo.states[state.ID] = state
	stateRepo.byRun[run.ID] = append(stateRepo.byRun[run.ID], state.ID)
	return run
}

func TestProposeTransitionAccepted(t *testing.T) {
	runRepo := newFakeRunRepo()
	stateRepo := newFakeStateRepo()
	service := New(runRepo, stateRepo, nil)
	run := seedRun(t, runRepo, stateRepo, domain.KindTaskRun, domain.StateScheduled)

	result, err := service.ProposeTransition(context.Background(), Proposal{
		Kind:  domain.KindTaskRun,
		RunID: run.ID,
		Type:  domain.StateRunning,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if result.Status != orchestration.StatusAccept {
		t.Fatalf("status = %s, want ACCEPT", result.Status)
	}
	stored := runRepo.runs[run.ID]
	if stored.StateType != domain.StateRunning {
		t.Fatalf("persisted run state = %s, want RUNNING", stored.StateType)
	}
	if stored.RunCount != 1 {
		t.Fatalf("run count = %d, want 1", stored.RunCount)
	}
	if stored.StartTime == nil {
		t.Fatalf("start time not set on entering RUNNING")
	}
	if len(stateRepo.byRun[run.ID]) != 2 {
		t.Fatalf("expected the new state appended to history")
	}
}

func TestProposeTransitionLockedRun(t *testing.T) {
	runRepo := newFakeRunRepo()
	stateRepo := newFakeStateRepo()
	service := New(runRepo, stateRepo, nil)
	run := seedRun(t, runRepo, stateRepo, domain.KindFlowRun, domain.StateRunning)
	runRepo.locked[run.ID] = true

	_, err := service.ProposeTransition(context.Background(), Proposal{
		Kind:  domain.KindFlowRun,
		RunID: run.ID,
		Type:  domain.StateCompleted,
	})
	if !errors.Is(err, repo.ErrLocked) {
		t.Fatalf("propose = %v, want ErrLocked", err)
	}
	if runRepo.updates != 0 {
		t.Fatalf("locked run must not be updated")
	}
}

func TestProposeTransitionUnknownRun(t *testing.T) {
	service := New(newFakeRunRepo(), newFakeStateRepo(), nil)
	_, err := service.ProposeTransition(context.Background(), Proposal{
		Kind:  domain.KindTaskRun,
		RunID: uuid.New(),
		Type:  domain.StateRunning,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("propose = %v, want ErrNotFound", err)
	}
}

type abortRule struct {
	orchestration.BaseRule
	reason string
}

func (abortRule) Name() string                       { return "abort_everything" }
func (abortRule) FromStates() orchestration.StateSet { return orchestration.AnyState() }
func (abortRule) ToStates() orchestration.StateSet   { return orchestration.AnyState() }

func (r abortRule) BeforeTransition(_ context.Context, octx *orchestration.Context) error {
	return octx.AbortTransition(r.reason)
}

func TestProposeTransitionAborted(t *testing.T) {
	runRepo := newFakeRunRepo()
	stateRepo := newFakeStateRepo()
	rules := append([]orchestration.Rule{abortRule{reason: "no capacity"}}, orchestration.GlobalPolicy()...)
	service := New(runRepo, stateRepo, rules)
	run := seedRun(t, runRepo, stateRepo, domain.KindTaskRun, domain.StateScheduled)

	result, err := service.ProposeTransition(context.Background(), Proposal{
		Kind:  domain.KindTaskRun,
		RunID: run.ID,
		Type:  domain.StateRunning,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if result.Status != orchestration.StatusAbort {
		t.Fatalf("status = %s, want ABORT", result.Status)
	}
	if result.Reason != "no capacity" {
		t.Fatalf("reason = %q", result.Reason)
	}
	if result.State != nil {
		t.Fatalf("aborted transition must not commit a state")
	}
	if runRepo.updates != 0 {
		t.Fatalf("aborted transition must not update the run")
	}
	if stored := runRepo.runs[run.ID]; stored.StateType != domain.StateScheduled {
		t.Fatalf("aborted transition mutated the stored run")
	}
	if len(stateRepo.byRun[run.ID]) != 1 {
		t.Fatalf("aborted transition appended a state")
	}
}

type brokenRule struct {
	orchestration.BaseRule
	err error
}

func (brokenRule) Name() string                       { return "broken" }
func (brokenRule) FromStates() orchestration.StateSet { return orchestration.AnyState() }
func (brokenRule) ToStates() orchestration.StateSet   { return orchestration.AnyState() }

func (r brokenRule) BeforeTransition(context.Context, *orchestration.Context) error {
	return r.err
}

func TestRuleFailureSurfaces(t *testing.T) {
	runRepo := newFakeRunRepo()
	stateRepo := newFakeStateRepo()
	boom := fmt.Errorf("boom")
	service := New(runRepo, stateRepo, []orchestration.Rule{brokenRule{err: boom}})
	run := seedRun(t, runRepo, stateRepo, domain.KindTaskRun, domain.StateScheduled)

	_, err := service.ProposeTransition(context.Background(), Proposal{
		Kind:  domain.KindTaskRun,
		RunID: run.ID,
		Type:  domain.StateRunning,
	})
	var ruleErr *orchestration.RuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("propose = %v, want RuleError", err)
	}
	if runRepo.updates != 0 {
		t.Fatalf("failed pipeline must not update the run")
	}
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	runRepo := newFakeRunRepo()
	stateRepo := newFakeStateRepo()
	stateRepo.err = fmt.Errorf("insert failed")
	service := New(runRepo, stateRepo, nil)
	run := seedRun(t, runRepo, stateRepo, domain.KindTaskRun, domain.StateScheduled)

	_, err := service.ProposeTransition(context.Background(), Proposal{
		Kind:  domain.KindTaskRun,
		RunID: run.ID,
		Type:  domain.StateRunning,
	})
	if err == nil {
		t.Fatalf("expected persistence failure to surface")
	}
	if errors.Is(err, orchestration.ErrInvalidTransition) {
		t.Fatalf("persistence failure must not masquerade as an invalid transition")
	}
	if runRepo.updates != 0 {
		t.Fatalf("failed commit must not update the run")
	}
}
