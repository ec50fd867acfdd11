package policyspec

import (
	"context"
	"strings"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/orchestration"
)

// Compile turns a validated spec into the guard rule that enforces it. The
// guard runs as an ordinary orchestration rule: a denied transition is
// aborted before anything commits.
func (s Spec) Compile() orchestration.Rule {
	guard := &guardRule{
		defaultDeny: strings.EqualFold(strings.TrimSpace(s.DefaultEffect), EffectDeny),
	}
	for _, rule := range s.Rules {
		guard.entries = append(guard.entries, guardEntry{
			id:      strings.TrimSpace(rule.ID),
			message: strings.TrimSpace(rule.Message),
			deny:    strings.EqualFold(strings.TrimSpace(rule.Effect), EffectDeny),
			from:    compileStates(rule.From),
			to:      compileStates(rule.To),
		})
	}
	return guard
}

func compileStates(names []string) orchestration.StateSet {
	var (
		types       []domain.StateType
		includeNone bool
	)
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case StateAny:
			return orchestration.AnyState()
		case StateNone:
			includeNone = true
		default:
			stateType, err := domain.ParseStateType(name)
			if err != nil {
				continue
			}
			types = append(types, stateType)
		}
	}
	set := orchestration.States(types...)
	if includeNone {
		set = set.IncludingNone()
	}
	return set
}

type guardEntry struct {
	id      string
	message string
	deny    bool
	from    orchestration.StateSet
	to      orchestration.StateSet
}

type guardRule struct {
	orchestration.BaseRule
	entries     []guardEntry
	defaultDeny bool
}

func (r *guardRule) Name() string { return "transition_guard" }

func (r *guardRule) FromStates() orchestration.StateSet { return orchestration.AnyState() }

func (r *guardRule) ToStates() orchestration.StateSet { return orchestration.AnyState() }

// BeforeTransition aborts the transition when the first matching policy
// entry denies it, or when no entry matches and the default effect is deny.
func (r *guardRule) BeforeTransition(_ context.Context, octx *orchestration.Context) error {
	initial := octx.InitialStateType()
	proposed := octx.ProposedStateType()
	if proposed == nil {
		return nil
	}
	for _, entry := range r.entries {
		if !entry.from.Matches(initial) || !entry.to.Matches(proposed) {
			continue
		}
		if entry.deny {
			octx.AbortTransition(entry.reason())
		}
		return nil
	}
	if r.defaultDeny {
		octx.AbortTransition("transition not allowed by policy")
	}
	return nil
}

func (e guardEntry) reason() string {
	if e.message != "" {
		return e.message
	}
	return "transition denied by policy rule " + e.id
}
