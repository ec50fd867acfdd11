package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

func runGlobalPolicy(t *testing.T, run *domain.Run, initial *domain.State, proposed *domain.State) *Context {
	t.Helper()
	octx, err := NewContext(run, initial, proposed, &recordingPersister{})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if err := GlobalPolicyFor().Execute(context.Background(), octx); err != nil {
		t.Fatalf("execute global policy: %v", err)
	}
	return octx
}

func eachKind(t *testing.T, fn func(t *testing.T, kind domain.RunKind)) {
	for _, kind := range []domain.RunKind{domain.KindTaskRun, domain.KindFlowRun} {
		t.Run(string(kind), func(t *testing.T) { fn(t, kind) })
	}
}

func TestGlobalPolicyOrder(t *testing.T) {
	want := []string{
		"set_run_state_type",
		"set_next_scheduled_start_time",
		"set_expected_start_time",
		"set_start_time",
		"increment_run_count",
		"increment_run_time",
		"set_end_time",
	}
	rules := GlobalPolicy()
	if len(rules) != len(want) {
		t.Fatalf("got %d rules, want %d", len(rules), len(want))
	}
	for i, rule := range rules {
		if rule.Name() != want[i] {
			t.Fatalf("rule %d = %s, want %s", i, rule.Name(), want[i])
		}
	}
}

func TestCommitUpdatesRunStateType(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		proposed := domain.NewState(domain.StateScheduled, time.Now().UTC())
		octx, _, run := newTestContext(t, kind, nil, &proposed)
		if err := GlobalPolicyFor().Execute(context.Background(), octx); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if run.StateType != domain.StateScheduled {
			t.Fatalf("run state type = %s, want SCHEDULED", run.StateType)
		}
		if run.StateID == nil || *run.StateID != proposed.ID {
			t.Fatalf("run state id not updated")
		}
	})
}

func TestSetsNextScheduledStartTime(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		scheduled := time.Now().UTC().Add(10 * time.Minute).Truncate(time.Second)
		proposed := domain.NewState(domain.StateScheduled, time.Now().UTC()).
			WithDetails(domain.Details{domain.DetailScheduledTime: scheduled})
		octx, _, run := newTestContext(t, kind, nil, &proposed)
		if err := GlobalPolicyFor().Execute(context.Background(), octx); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if run.NextScheduledStartTime == nil || !run.NextScheduledStartTime.Equal(scheduled) {
			t.Fatalf("next scheduled start time = %v, want %v", run.NextScheduledStartTime, scheduled)
		}
		if run.ExpectedStartTime == nil || !run.ExpectedStartTime.Equal(scheduled) {
			t.Fatalf("expected start time = %v, want the scheduled time", run.ExpectedStartTime)
		}
	})
}

func TestClearsNextScheduledStartTimeOnLeavingScheduled(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		scheduled := time.Now().UTC().Add(-time.Minute)
		initial := domain.NewState(domain.StateScheduled, time.Now().UTC().Add(-2*time.Minute))
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type
		run.NextScheduledStartTime = &scheduled

		proposed := domain.NewState(domain.StateRunning, time.Now().UTC())
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.NextScheduledStartTime != nil {
			t.Fatalf("next scheduled start time not cleared on leaving SCHEDULED")
		}
	})
}

func TestExpectedStartTimeFallsBackToProposalTimestamp(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		ts := time.Now().UTC().Truncate(time.Second)
		proposed := domain.NewState(domain.StatePending, ts)
		octx, _, run := newTestContext(t, kind, nil, &proposed)
		if err := GlobalPolicyFor().Execute(context.Background(), octx); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if run.ExpectedStartTime == nil || !run.ExpectedStartTime.Equal(ts) {
			t.Fatalf("expected start time = %v, want %v", run.ExpectedStartTime, ts)
		}
	})
}

func TestExpectedStartTimeIsSetOnce(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		already := time.Now().UTC().Add(-time.Hour)
		initial := domain.NewState(domain.StatePending, time.Now().UTC().Add(-time.Minute))
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type
		run.ExpectedStartTime = &already

		proposed := domain.NewState(domain.StateRunning, time.Now().UTC())
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.ExpectedStartTime == nil || !run.ExpectedStartTime.Equal(already) {
			t.Fatalf("expected start time overwritten: %v", run.ExpectedStartTime)
		}
	})
}

func TestSetsStartTimeOnFirstRunning(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		ts := time.Now().UTC().Truncate(time.Second)
		initial := domain.NewState(domain.StatePending, ts.Add(-time.Minute))
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type

		proposed := domain.NewState(domain.StateRunning, ts)
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.StartTime == nil || !run.StartTime.Equal(ts) {
			t.Fatalf("start time = %v, want %v", run.StartTime, ts)
		}
		if run.RunCount != 1 {
			t.Fatalf("run count = %d, want 1", run.RunCount)
		}
	})
}

func TestStartTimeUnchangedOnRetry(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		firstStart := time.Now().UTC().Add(-time.Hour)
		initial := domain.NewState(domain.StateScheduled, time.Now().UTC().Add(-time.Minute))
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type
		run.StartTime = &firstStart
		run.RunCount = 1

		proposed := domain.NewState(domain.StateRunning, time.Now().UTC())
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.StartTime == nil || !run.StartTime.Equal(firstStart) {
			t.Fatalf("start time overwritten on retry: %v", run.StartTime)
		}
		if run.RunCount != 2 {
			t.Fatalf("run count = %d, want 2", run.RunCount)
		}
	})
}

func TestIncrementsRunTimeOnlyWhenLeavingRunning(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		started := time.Now().UTC().Add(-90 * time.Second)
		initial := domain.NewState(domain.StateRunning, started)
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type
		run.StartTime = &started
		run.RunCount = 1

		finished := started.Add(42 * time.Second)
		proposed := domain.NewState(domain.StateCompleted, finished)
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.TotalRunTime != 42*time.Second {
			t.Fatalf("total run time = %v, want 42s", run.TotalRunTime)
		}
	})
}

func TestRunTimeUnchangedWhenEnteringRunning(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		initial := domain.NewState(domain.StateScheduled, time.Now().UTC().Add(-time.Minute))
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type

		proposed := domain.NewState(domain.StateRunning, time.Now().UTC())
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.TotalRunTime != 0 {
			t.Fatalf("total run time = %v, want 0", run.TotalRunTime)
		}
	})
}

func TestSetsEndTimeOnTerminalState(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		started := time.Now().UTC().Add(-time.Minute)
		initial := domain.NewState(domain.StateRunning, started)
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type
		run.StartTime = &started

		finished := time.Now().UTC().Truncate(time.Second)
		proposed := domain.NewState(domain.StateFailed, finished)
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.EndTime == nil || !run.EndTime.Equal(finished) {
			t.Fatalf("end time = %v, want %v", run.EndTime, finished)
		}
	})
}

func TestNoEndTimeWithoutStart(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		initial := domain.NewState(domain.StateScheduled, time.Now().UTC().Add(-time.Minute))
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type

		proposed := domain.NewState(domain.StateCancelled, time.Now().UTC())
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.EndTime != nil {
			t.Fatalf("end time set without a start: %v", run.EndTime)
		}
	})
}

func TestClearsEndTimeOnLeavingTerminalState(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		started := time.Now().UTC().Add(-time.Hour)
		ended := time.Now().UTC().Add(-time.Minute)
		initial := domain.NewState(domain.StateFailed, ended)
		run := domain.NewRun(kind, "unit-run", time.Now().UTC())
		run.StateType = initial.Type
		run.StartTime = &started
		run.EndTime = &ended
		run.RunCount = 1

		proposed := domain.NewState(domain.StateScheduled, time.Now().UTC())
		runGlobalPolicy(t, &run, &initial, &proposed)

		if run.EndTime != nil {
			t.Fatalf("end time not cleared on leaving terminal state: %v", run.EndTime)
		}
	})
}

func TestFullLifecycleBookkeeping(t *testing.T) {
	eachKind(t, func(t *testing.T, kind domain.RunKind) {
		base := time.Now().UTC().Truncate(time.Second)
		run := domain.NewRun(kind, "lifecycle-run", base)
		persister := &recordingPersister{}

		transition := func(initial *domain.State, proposed domain.State) *domain.State {
			octx, err := NewContext(&run, initial, &proposed, persister)
			if err != nil {
				t.Fatalf("new context: %v", err)
			}
			if err := GlobalPolicyFor().Execute(context.Background(), octx); err != nil {
				t.Fatalf("execute: %v", err)
			}
			return octx.ValidatedState()
		}

		scheduledFor := base.Add(5 * time.Minute)
		scheduled := transition(nil, domain.NewState(domain.StateScheduled, base).
			WithDetails(domain.Details{domain.DetailScheduledTime: scheduledFor}))

		running := transition(scheduled, domain.NewState(domain.StateRunning, scheduledFor))
		completed := transition(running, domain.NewState(domain.StateCompleted, scheduledFor.Add(30*time.Second)))

		if run.StateType != domain.StateCompleted {
			t.Fatalf("final state = %s, want COMPLETED", run.StateType)
		}
		if run.ExpectedStartTime == nil || !run.ExpectedStartTime.Equal(scheduledFor) {
			t.Fatalf("expected start time = %v, want %v", run.ExpectedStartTime, scheduledFor)
		}
		if run.NextScheduledStartTime != nil {
			t.Fatalf("next scheduled start time should be cleared at the end")
		}
		if run.StartTime == nil || !run.StartTime.Equal(scheduledFor) {
			t.Fatalf("start time = %v, want %v", run.StartTime, scheduledFor)
		}
		if run.RunCount != 1 {
			t.Fatalf("run count = %d, want 1", run.RunCount)
		}
		if run.TotalRunTime != 30*time.Second {
			t.Fatalf("total run time = %v, want 30s", run.TotalRunTime)
		}
		if run.EndTime == nil || !run.EndTime.Equal(completed.Timestamp) {
			t.Fatalf("end time = %v, want %v", run.EndTime, completed.Timestamp)
		}
		if len(persister.appended) != 3 {
			t.Fatalf("expected three persisted states, got %d", len(persister.appended))
		}
	})
}
