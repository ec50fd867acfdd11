package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

// Status is the terminal outcome of one transition attempt.
type Status string

const (
	// StatusAccept means the proposed state was committed as requested.
	StatusAccept Status = "ACCEPT"
	// StatusReject means a rule substituted a different state, which was
	// committed in place of the requested one.
	StatusReject Status = "REJECT"
	// StatusAbort means a rule stopped the transition; no state was
	// committed and the run is unchanged.
	StatusAbort Status = "ABORT"
)

// StatePersister is the narrow slice of the persistence collaborator the
// commit needs: appending the new state to the run's history. The run row
// itself is re-persisted by the surrounding transactional boundary.
type StatePersister interface {
	AppendState(ctx context.Context, run *domain.Run, state domain.State) error
}

// Context carries the unit of work for a single transition attempt: the run
// being transitioned, the initial state snapshot (nil for a brand-new run),
// the proposed state, and the commit lifecycle. Rules may overwrite
// ProposedState wholesale before commit; after commit the context is sealed.
type Context struct {
	Run           *domain.Run
	InitialState  *domain.State
	ProposedState *domain.State

	persister StatePersister

	status         Status
	reason         string
	validated      bool
	validatedState *domain.State
}

// NewContext builds the context for one transition attempt. The proposed
// state may be nil only when a caller intends to abort before commit.
func NewContext(run *domain.Run, initial *domain.State, proposed *domain.State, persister StatePersister) (*Context, error) {
	if run == nil {
		return nil, errors.New("run is required")
	}
	if initial != nil {
		if err := initial.Validate(); err != nil {
			return nil, fmt.Errorf("initial state: %w", err)
		}
	}
	if proposed != nil {
		if err := proposed.Validate(); err != nil {
			return nil, fmt.Errorf("proposed state: %w", err)
		}
	}
	return &Context{
		Run:           run,
		InitialState:  initial,
		ProposedState: proposed,
		persister:     persister,
	}, nil
}

// InitialStateType returns the type of the initial state, or nil for run
// creation.
func (c *Context) InitialStateType() *domain.StateType {
	if c.InitialState == nil {
		return nil
	}
	t := c.InitialState.Type
	return &t
}

// ProposedStateType returns the type of the currently proposed state, or nil
// when the transition has been aborted.
func (c *Context) ProposedStateType() *domain.StateType {
	if c.ProposedState == nil {
		return nil
	}
	t := c.ProposedState.Type
	return &t
}

// TransitionChanged reports whether the transition pair active now differs
// from the pair a rule was entered with. Rules use this on exit to detect
// that a later rule invalidated their work.
func (c *Context) TransitionChanged(enteredInitial, enteredProposed *domain.StateType) bool {
	return !typesEqual(c.InitialStateType(), enteredInitial) ||
		!typesEqual(c.ProposedStateType(), enteredProposed)
}

// RejectTransition substitutes the proposed state before commit. The
// substituted state is what the commit will persist; the attempt is reported
// as REJECT to the caller.
func (c *Context) RejectTransition(state domain.State, reason string) error {
	if c.validated {
		return errors.New("transition already validated")
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("substitute state: %w", err)
	}
	c.ProposedState = &state
	c.status = StatusReject
	c.reason = reason
	return nil
}

// AbortTransition stops the transition entirely: no state is committed and
// the run is left untouched.
func (c *Context) AbortTransition(reason string) error {
	if c.validated {
		return errors.New("transition already validated")
	}
	c.ProposedState = nil
	c.status = StatusAbort
	c.reason = reason
	return nil
}

// ValidateProposedState commits the transition. The first call writes the
// run's current state fields and appends the state to the run's history;
// subsequent calls on the same context are no-ops. Committing with no
// proposed state fails with ErrInvalidTransition and leaves the run
// unmodified.
func (c *Context) ValidateProposedState(ctx context.Context) error {
	if c.validated {
		return nil
	}
	if c.ProposedState == nil {
		reason := c.reason
		if reason == "" {
			reason = "no proposed state"
		}
		return fmt.Errorf("%w: %s", ErrInvalidTransition, reason)
	}

	if c.persister != nil {
		if err := c.persister.AppendState(ctx, c.Run, *c.ProposedState); err != nil {
			return fmt.Errorf("append state: %w", err)
		}
	}

	stateID := c.ProposedState.ID
	c.Run.StateType = c.ProposedState.Type
	c.Run.StateID = &stateID
	c.Run.UpdatedAt = time.Now().UTC()

	committed := *c.ProposedState
	c.validatedState = &committed
	c.validated = true
	if c.status == "" {
		c.status = StatusAccept
	}
	return nil
}

// Validated reports whether the commit has run for this context.
func (c *Context) Validated() bool {
	return c.validated
}

// ValidatedState returns the state the commit persisted, or nil if no commit
// happened.
func (c *Context) ValidatedState() *domain.State {
	return c.validatedState
}

// Status returns the outcome of the attempt so far. Before commit it
// reflects any veto already applied.
func (c *Context) Status() Status {
	if c.status == "" {
		return StatusAccept
	}
	return c.status
}

// Reason returns the explanation attached to a REJECT or ABORT outcome.
func (c *Context) Reason() string {
	return c.reason
}

// ProposedStateID returns the identity the committed state will carry. Nil
// before a proposed state exists.
func (c *Context) ProposedStateID() *uuid.UUID {
	if c.ProposedState == nil {
		return nil
	}
	id := c.ProposedState.ID
	return &id
}

func typesEqual(a, b *domain.StateType) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
