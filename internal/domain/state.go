package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StateType is the lifecycle state of a run.
type StateType string

const (
	StatePending   StateType = "PENDING"
	StateScheduled StateType = "SCHEDULED"
	StateRunning   StateType = "RUNNING"
	StateCompleted StateType = "COMPLETED"
	StateFailed    StateType = "FAILED"
	StateCancelled StateType = "CANCELLED"
	StateCrashed   StateType = "CRASHED"
)

// StateTypes lists every lifecycle state in declaration order.
var StateTypes = []StateType{
	StatePending,
	StateScheduled,
	StateRunning,
	StateCompleted,
	StateFailed,
	StateCancelled,
	StateCrashed,
}

// TerminalStates are the states after which end_time is defined.
var TerminalStates = []StateType{
	StateCompleted,
	StateFailed,
	StateCancelled,
	StateCrashed,
}

func (t StateType) Valid() bool {
	switch t {
	case StatePending, StateScheduled, StateRunning,
		StateCompleted, StateFailed, StateCancelled, StateCrashed:
		return true
	default:
		return false
	}
}

func (t StateType) IsTerminal() bool {
	switch t {
	case StateCompleted, StateFailed, StateCancelled, StateCrashed:
		return true
	default:
		return false
	}
}

// ParseStateType maps free-form input to a canonical state type.
func ParseStateType(value string) (StateType, error) {
	t := StateType(strings.ToUpper(strings.TrimSpace(value)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown state type: %q", value)
	}
	return t, nil
}

// DetailScheduledTime is the details key carrying the intended start for
// SCHEDULED proposals.
const DetailScheduledTime = "scheduled_time"

// DetailData is the details key carrying an opaque result payload that the
// state-data archive offloads after commit.
const DetailData = "data"

// Details is the open payload attached to a state snapshot.
type Details map[string]any

func (d Details) Clone() Details {
	if d == nil {
		return Details{}
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ScheduledTime extracts the scheduled_time detail, tolerating both native
// time values and RFC 3339 strings from JSON round-trips.
func (d Details) ScheduledTime() (time.Time, bool) {
	v, ok := d[DetailScheduledTime]
	if !ok {
		return time.Time{}, false
	}
	switch typed := v.(type) {
	case time.Time:
		if typed.IsZero() {
			return time.Time{}, false
		}
		return typed.UTC(), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(typed))
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	default:
		return time.Time{}, false
	}
}

// State is an immutable snapshot of a run's lifecycle at one point in time.
// A transition always produces a new State; no State is ever mutated after
// construction.
type State struct {
	ID        uuid.UUID
	Type      StateType
	Timestamp time.Time
	Message   string
	Details   Details
}

// NewState builds a state snapshot with a fresh identity and a UTC timestamp.
// A zero timestamp defaults to now.
func NewState(stateType StateType, timestamp time.Time) State {
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return State{
		ID:        uuid.New(),
		Type:      stateType,
		Timestamp: timestamp.UTC(),
		Details:   Details{},
	}
}

func (s State) Validate() error {
	if s.ID == uuid.Nil {
		return errors.New("state id is required")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("invalid state type: %q", s.Type)
	}
	if s.Timestamp.IsZero() {
		return errors.New("state timestamp is required")
	}
	return nil
}

// WithDetails returns a copy of the state carrying the given details. The
// receiver is left untouched.
func (s State) WithDetails(details Details) State {
	s.Details = details.Clone()
	return s
}

// WithMessage returns a copy of the state carrying the given message.
func (s State) WithMessage(message string) State {
	s.Message = strings.TrimSpace(message)
	return s
}
