package orchestration

import (
	"context"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

// GlobalPolicy returns the always-applied rule set enforcing the core
// bookkeeping invariants of every run, in canonical order. The same rules
// govern task runs and flow runs.
func GlobalPolicy() []Rule {
	return []Rule{
		SetRunStateType{},
		SetNextScheduledStartTime{},
		SetExpectedStartTime{},
		SetStartTime{},
		IncrementRunCount{},
		IncrementRunTime{},
		SetEndTime{},
	}
}

// GlobalPolicyFor builds the executable policy for one transition. All
// global rules declare wildcard applicability; the policy evaluates each
// rule's predicate at entry, so the set stays correct even when a rule
// substitutes the proposed state mid-pipeline.
func GlobalPolicyFor() *Policy {
	return NewPolicy(GlobalPolicy()...)
}

// SetRunStateType anchors the canonical order. The commit itself writes the
// run's state type, so the rule carries no hooks of its own.
type SetRunStateType struct{ BaseRule }

func (SetRunStateType) Name() string         { return "set_run_state_type" }
func (SetRunStateType) FromStates() StateSet { return AnyState() }
func (SetRunStateType) ToStates() StateSet   { return AnyState() }

// SetNextScheduledStartTime records the intended start while a run is
// SCHEDULED and clears it unconditionally on the way out.
type SetNextScheduledStartTime struct{ BaseRule }

func (SetNextScheduledStartTime) Name() string         { return "set_next_scheduled_start_time" }
func (SetNextScheduledStartTime) FromStates() StateSet { return AnyState() }
func (SetNextScheduledStartTime) ToStates() StateSet   { return AnyState() }

func (SetNextScheduledStartTime) AfterTransition(_ context.Context, octx *Context) error {
	run := octx.Run
	proposed := octx.ProposedState
	if proposed != nil && proposed.Type == domain.StateScheduled {
		if scheduled, ok := proposed.Details.ScheduledTime(); ok {
			run.NextScheduledStartTime = &scheduled
		} else {
			run.NextScheduledStartTime = nil
		}
		return nil
	}
	initial := octx.InitialStateType()
	if initial != nil && *initial == domain.StateScheduled {
		run.NextScheduledStartTime = nil
	}
	return nil
}

// SetExpectedStartTime fixes the expected start exactly once, at the run's
// first transition: the scheduled time when the first proposal is SCHEDULED,
// the proposal's own timestamp otherwise.
type SetExpectedStartTime struct{ BaseRule }

func (SetExpectedStartTime) Name() string         { return "set_expected_start_time" }
func (SetExpectedStartTime) FromStates() StateSet { return AnyState() }
func (SetExpectedStartTime) ToStates() StateSet   { return AnyState() }

func (SetExpectedStartTime) AfterTransition(_ context.Context, octx *Context) error {
	run := octx.Run
	proposed := octx.ProposedState
	if run.ExpectedStartTime != nil || proposed == nil {
		return nil
	}
	if proposed.Type == domain.StateScheduled {
		if scheduled, ok := proposed.Details.ScheduledTime(); ok {
			run.ExpectedStartTime = &scheduled
			return nil
		}
	}
	ts := proposed.Timestamp
	run.ExpectedStartTime = &ts
	return nil
}

// SetStartTime marks the first entry into RUNNING.
type SetStartTime struct{ BaseRule }

func (SetStartTime) Name() string         { return "set_start_time" }
func (SetStartTime) FromStates() StateSet { return AnyState() }
func (SetStartTime) ToStates() StateSet   { return AnyState() }

func (SetStartTime) AfterTransition(_ context.Context, octx *Context) error {
	run := octx.Run
	proposed := octx.ProposedState
	if proposed == nil || proposed.Type != domain.StateRunning {
		return nil
	}
	if run.StartTime != nil {
		return nil
	}
	ts := proposed.Timestamp
	run.StartTime = &ts
	return nil
}

// IncrementRunCount counts every entry into RUNNING, retries included.
type IncrementRunCount struct{ BaseRule }

func (IncrementRunCount) Name() string         { return "increment_run_count" }
func (IncrementRunCount) FromStates() StateSet { return AnyState() }
func (IncrementRunCount) ToStates() StateSet   { return AnyState() }

func (IncrementRunCount) AfterTransition(_ context.Context, octx *Context) error {
	proposed := octx.ProposedState
	if proposed == nil || proposed.Type != domain.StateRunning {
		return nil
	}
	octx.Run.RunCount++
	return nil
}

// IncrementRunTime accumulates wall time spent RUNNING: the delta between
// the initial and proposed timestamps, only for transitions out of RUNNING.
type IncrementRunTime struct{ BaseRule }

func (IncrementRunTime) Name() string         { return "increment_run_time" }
func (IncrementRunTime) FromStates() StateSet { return AnyState() }
func (IncrementRunTime) ToStates() StateSet   { return AnyState() }

func (IncrementRunTime) AfterTransition(_ context.Context, octx *Context) error {
	initial := octx.InitialState
	proposed := octx.ProposedState
	if initial == nil || proposed == nil || initial.Type != domain.StateRunning {
		return nil
	}
	octx.Run.TotalRunTime += proposed.Timestamp.Sub(initial.Timestamp)
	return nil
}

// SetEndTime stamps the end of a run entering a terminal state (once a start
// has occurred) and clears it whenever a run is forced back out of one.
type SetEndTime struct{ BaseRule }

func (SetEndTime) Name() string         { return "set_end_time" }
func (SetEndTime) FromStates() StateSet { return AnyState() }
func (SetEndTime) ToStates() StateSet   { return AnyState() }

func (SetEndTime) AfterTransition(_ context.Context, octx *Context) error {
	run := octx.Run
	proposed := octx.ProposedState
	initial := octx.InitialStateType()

	if proposed != nil && proposed.Type.IsTerminal() {
		if run.StartTime != nil {
			ts := proposed.Timestamp
			run.EndTime = &ts
		}
		return nil
	}
	if initial != nil && initial.IsTerminal() {
		run.EndTime = nil
	}
	return nil
}
