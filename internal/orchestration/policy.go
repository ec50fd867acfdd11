package orchestration

import (
	"context"
	"errors"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

// Policy is an ordered rule list executed around exactly one commit.
// Rules compose like nested scopes: before-hooks run outer to inner, the
// commit happens once, and after-hooks run inner to outer. A rule whose
// entry-time transition no longer holds on exit is compensated instead of
// amended, so a later rule's substitution cleanly unwinds earlier rules.
type Policy struct {
	rules []Rule
}

func NewPolicy(rules ...Rule) *Policy {
	return &Policy{rules: rules}
}

// Rules returns the policy's rule order.
func (p *Policy) Rules() []Rule {
	if p == nil {
		return nil
	}
	return p.rules
}

type enteredRule struct {
	rule     Rule
	initial  *domain.StateType
	proposed *domain.StateType
}

// Execute runs the full pipeline for one transition attempt. Applicability
// is evaluated per rule at entry against the pair active at that moment, so
// rules entered after a substitution see the substituted type. A hook error
// aborts the pipeline wrapped in a RuleError; an aborted transition surfaces
// as ErrInvalidTransition after every entered rule has compensated.
func (p *Policy) Execute(ctx context.Context, octx *Context) error {
	if octx == nil {
		return errors.New("orchestration context is required")
	}

	entered := make([]enteredRule, 0, len(p.rules))
	for _, rule := range p.rules {
		if !Applies(rule, octx.InitialStateType(), octx.ProposedStateType()) {
			continue
		}
		if err := rule.BeforeTransition(ctx, octx); err != nil {
			return &RuleError{Rule: rule.Name(), Phase: "before", Err: err}
		}
		// The entry pair is snapshotted after the before-hook so a rule
		// that substitutes the proposed state does not invalidate itself.
		entered = append(entered, enteredRule{
			rule:     rule,
			initial:  octx.InitialStateType(),
			proposed: octx.ProposedStateType(),
		})
	}

	commitErr := octx.ValidateProposedState(ctx)
	if commitErr != nil && !errors.Is(commitErr, ErrInvalidTransition) {
		return commitErr
	}

	for i := len(entered) - 1; i >= 0; i-- {
		e := entered[i]
		if octx.TransitionChanged(e.initial, e.proposed) {
			if err := e.rule.Compensate(ctx, octx); err != nil {
				return &RuleError{Rule: e.rule.Name(), Phase: "compensate", Err: err}
			}
			continue
		}
		if err := e.rule.AfterTransition(ctx, octx); err != nil {
			return &RuleError{Rule: e.rule.Name(), Phase: "after", Err: err}
		}
	}

	return commitErr
}
