package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a control call does not match the
	// session's current state. Never fatal; surfaced to the caller.
	ErrInvalidState = errors.New("invalid session state")

	// ErrNotFound is returned for an unknown or evicted session id.
	ErrNotFound = errors.New("session not found")

	// ErrCapacity is returned by Create when the registry already holds
	// the configured maximum of active sessions.
	ErrCapacity = errors.New("session capacity reached")

	// ErrPipelineActive is returned when a second pipeline task attempts
	// to claim a session that already has one.
	ErrPipelineActive = errors.New("pipeline already active for session")
)

// Error kinds recorded on failed sessions. Status responses carry the kind
// plus a human-readable message, never a raw internal error payload.
const (
	KindDriverUnavailable = "driver_unavailable"
	KindDriverError       = "driver_error"
	KindExtractionError   = "extraction_error"
	KindPlanningError     = "planning_error"
	KindInvalidInput      = "invalid_input"
	KindStoreError        = "store_error"
)

// InvalidTransitionError reports a failed compare-and-swap on state.
type InvalidTransitionError struct {
	ID       string
	Expected State
	Actual   State
	Next     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition %s -> %s (state is %s)",
		e.ID, e.Expected, e.Next, e.Actual)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidState }
