package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunKind distinguishes the two run entities the engine governs. The
// orchestration rules are identical for both; only storage differs.
type RunKind string

const (
	KindTaskRun RunKind = "task"
	KindFlowRun RunKind = "flow"
)

func (k RunKind) Valid() bool {
	return k == KindTaskRun || k == KindFlowRun
}

func ParseRunKind(value string) (RunKind, error) {
	k := RunKind(strings.ToLower(strings.TrimSpace(value)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown run kind: %q", value)
	}
	return k, nil
}

// Run is the mutable record whose lifecycle the orchestration engine governs.
// It is owned by the persistence layer; the engine mutates it only inside a
// locked transactional boundary.
type Run struct {
	ID   uuid.UUID
	Kind RunKind
	Name string

	// Current state, duplicated inline from the latest history row.
	StateID   *uuid.UUID
	StateType StateType

	StartTime              *time.Time
	EndTime                *time.Time
	ExpectedStartTime      *time.Time
	NextScheduledStartTime *time.Time

	// RunCount and TotalRunTime are monotonically non-decreasing.
	RunCount     int
	TotalRunTime time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRun builds an unstarted run record. The run holds no state until its
// first transition commits.
func NewRun(kind RunKind, name string, now time.Time) Run {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Run{
		ID:        uuid.New(),
		Kind:      kind,
		Name:      strings.TrimSpace(name),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (r Run) Validate() error {
	if r.ID == uuid.Nil {
		return errors.New("run id is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid run kind: %q", r.Kind)
	}
	if r.RunCount < 0 {
		return errors.New("run count must be non-negative")
	}
	if r.TotalRunTime < 0 {
		return errors.New("total run time must be non-negative")
	}
	return nil
}

// Transition is a requested move between state types. A nil Initial denotes
// run creation.
type Transition struct {
	Initial  *StateType
	Proposed StateType
}

func (t Transition) Equal(other Transition) bool {
	if t.Proposed != other.Proposed {
		return false
	}
	if t.Initial == nil || other.Initial == nil {
		return t.Initial == other.Initial
	}
	return *t.Initial == *other.Initial
}

func (t Transition) String() string {
	initial := "none"
	if t.Initial != nil {
		initial = string(*t.Initial)
	}
	return initial + " -> " + string(t.Proposed)
}
