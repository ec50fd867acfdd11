package policyspec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/orchestration"
)

const policyYAML = `
schema: orchon.transitions.v1
default_effect: allow
rules:
  - id: no-restart-after-completion
    effect: deny
    from: [COMPLETED]
    to: [RUNNING, SCHEDULED]
    message: completed runs cannot be restarted
  - id: only-pending-starts
    effect: deny
    from: [none]
    to: [RUNNING]
`

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec([]byte(policyYAML))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	if len(spec.Rules) != 2 {
		t.Fatalf("rules=%d, want 2", len(spec.Rules))
	}
	if spec.Rules[0].Message != "completed runs cannot be restarted" {
		t.Fatalf("message=%q", spec.Rules[0].Message)
	}
}

func TestSpecValidate(t *testing.T) {
	valid := Spec{
		Schema: SpecSchemaV1,
		Rules: []Rule{
			{ID: "r1", Effect: EffectDeny, From: []string{"any"}, To: []string{"CRASHED"}},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"bad schema", func(s *Spec) { s.Schema = "bad" }},
		{"no rules", func(s *Spec) { s.Rules = nil }},
		{"missing id", func(s *Spec) { s.Rules[0].ID = "" }},
		{"duplicate id", func(s *Spec) { s.Rules = append(s.Rules, s.Rules[0]) }},
		{"bad effect", func(s *Spec) { s.Rules[0].Effect = "maybe" }},
		{"empty from", func(s *Spec) { s.Rules[0].From = nil }},
		{"unknown state", func(s *Spec) { s.Rules[0].To = []string{"PAUSED"} }},
		{"none on target side", func(s *Spec) { s.Rules[0].To = []string{"none"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := Spec{
				Schema: valid.Schema,
				Rules:  []Rule{valid.Rules[0]},
			}
			tc.mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

type nopPersister struct{}

func (nopPersister) AppendState(_ context.Context, _ *domain.Run, _ domain.State) error { return nil }

func runGuard(t *testing.T, spec Spec, initial *domain.State, proposed domain.State) *orchestration.Context {
	t.Helper()
	run := domain.NewRun(domain.KindTaskRun, "guarded", time.Now().UTC())
	if initial != nil {
		run.StateType = initial.Type
		run.StateID = &initial.ID
	}
	octx, err := orchestration.NewContext(&run, initial, &proposed, nopPersister{})
	if err != nil {
		t.Fatalf("NewContext() err=%v", err)
	}
	err = orchestration.NewPolicy(spec.Compile()).Execute(context.Background(), octx)
	if err != nil && !errors.Is(err, orchestration.ErrInvalidTransition) {
		t.Fatalf("Execute() err=%v", err)
	}
	return octx
}

func TestGuardDeniesMatchedTransition(t *testing.T) {
	spec, err := ParseSpec([]byte(policyYAML))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	initial := domain.NewState(domain.StateCompleted, time.Now().UTC())
	proposed := domain.NewState(domain.StateRunning, time.Now().UTC())

	octx := runGuard(t, spec, &initial, proposed)
	if octx.Status() != orchestration.StatusAbort {
		t.Fatalf("Status=%s, want %s", octx.Status(), orchestration.StatusAbort)
	}
	if octx.Reason() != "completed runs cannot be restarted" {
		t.Fatalf("Reason=%q", octx.Reason())
	}
	if octx.Validated() {
		t.Fatal("denied transition must not commit")
	}
}

func TestGuardDeniesCreationRule(t *testing.T) {
	spec, err := ParseSpec([]byte(policyYAML))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	proposed := domain.NewState(domain.StateRunning, time.Now().UTC())

	octx := runGuard(t, spec, nil, proposed)
	if octx.Status() != orchestration.StatusAbort {
		t.Fatalf("Status=%s, want %s", octx.Status(), orchestration.StatusAbort)
	}
}

func TestGuardAllowsUnmatchedTransition(t *testing.T) {
	spec, err := ParseSpec([]byte(policyYAML))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	initial := domain.NewState(domain.StateRunning, time.Now().UTC())
	proposed := domain.NewState(domain.StateCompleted, time.Now().UTC())

	octx := runGuard(t, spec, &initial, proposed)
	if octx.Status() != orchestration.StatusAccept {
		t.Fatalf("Status=%s, want %s", octx.Status(), orchestration.StatusAccept)
	}
	if !octx.Validated() {
		t.Fatal("allowed transition must commit")
	}
}

func TestGuardDefaultDeny(t *testing.T) {
	spec := Spec{
		Schema:        SpecSchemaV1,
		DefaultEffect: EffectDeny,
		Rules: []Rule{
			{ID: "allow-finish", Effect: EffectAllow, From: []string{"RUNNING"}, To: []string{"COMPLETED", "FAILED"}},
		},
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	initial := domain.NewState(domain.StateRunning, time.Now().UTC())
	allowed := runGuard(t, spec, &initial, domain.NewState(domain.StateCompleted, time.Now().UTC()))
	if allowed.Status() != orchestration.StatusAccept {
		t.Fatalf("Status=%s, want %s", allowed.Status(), orchestration.StatusAccept)
	}

	pending := domain.NewState(domain.StatePending, time.Now().UTC())
	denied := runGuard(t, spec, &pending, domain.NewState(domain.StateRunning, time.Now().UTC()))
	if denied.Status() != orchestration.StatusAbort {
		t.Fatalf("Status=%s, want %s", denied.Status(), orchestration.StatusAbort)
	}
}
