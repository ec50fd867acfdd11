package orchestration

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition reports a commit attempted with no proposed state,
// either because none was ever supplied or because a rule aborted the
// transition. The run is left untouched.
var ErrInvalidTransition = errors.New("invalid transition")

// RuleError wraps an unexpected failure inside a rule hook. It aborts the
// whole pipeline for the context; the surrounding transactional boundary is
// expected to roll back any partial mutation.
type RuleError struct {
	Rule  string
	Phase string
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %s hook: %v", e.Rule, e.Phase, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
