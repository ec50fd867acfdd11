package orchestration

import (
	"context"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

// StateSet is a predicate over state types used to declare rule
// applicability. The zero value matches nothing. Absent initial states (run
// creation) match only sets built with IncludingNone or AnyState.
type StateSet struct {
	all   bool
	none  bool
	types map[domain.StateType]struct{}
}

// States builds a set matching exactly the given types.
func States(types ...domain.StateType) StateSet {
	set := StateSet{types: make(map[domain.StateType]struct{}, len(types))}
	for _, t := range types {
		set.types[t] = struct{}{}
	}
	return set
}

// AnyState matches every state type and the absence of one.
func AnyState() StateSet {
	return StateSet{all: true}
}

// IncludingNone returns a copy of the set that also matches an absent state.
func (s StateSet) IncludingNone() StateSet {
	s.none = true
	return s
}

func (s StateSet) Matches(t *domain.StateType) bool {
	if s.all {
		return true
	}
	if t == nil {
		return s.none
	}
	_, ok := s.types[*t]
	return ok
}

// Rule is one composable unit of the orchestration pipeline. A rule declares
// the transitions it applies to and up to three hooks around the single
// commit point: BeforeTransition may amend or veto the proposed state,
// AfterTransition amends the run once the transition has committed, and
// Compensate undoes the rule's own BeforeTransition side effects when a
// later rule invalidated the transition the rule was entered with.
//
// Hooks must confine themselves to the context's run and states; unrelated
// I/O would extend the per-run lock hold time.
type Rule interface {
	Name() string
	FromStates() StateSet
	ToStates() StateSet
	BeforeTransition(ctx context.Context, octx *Context) error
	AfterTransition(ctx context.Context, octx *Context) error
	Compensate(ctx context.Context, octx *Context) error
}

// BaseRule provides no-op hooks so concrete rules override only the phases
// they use. Compensation is part of every rule's contract: a rule that
// mutates state in BeforeTransition must override Compensate with a narrow
// undo of exactly that mutation.
type BaseRule struct{}

func (BaseRule) BeforeTransition(context.Context, *Context) error { return nil }
func (BaseRule) AfterTransition(context.Context, *Context) error  { return nil }
func (BaseRule) Compensate(context.Context, *Context) error       { return nil }

// Applies reports whether the rule matches the given transition pair.
func Applies(rule Rule, initial *domain.StateType, proposed *domain.StateType) bool {
	if !rule.FromStates().Matches(initial) {
		return false
	}
	return rule.ToStates().Matches(proposed)
}
