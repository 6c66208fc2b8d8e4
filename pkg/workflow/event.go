package workflow

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind identifies the type of a session stream event.
type EventKind string

const (
	EventAction     EventKind = "action"
	EventScreenshot EventKind = "screenshot"
	EventState      EventKind = "state"
	EventError      EventKind = "error"

	// EventClosed is the terminal sentinel: the last event a subscriber
	// receives before the stream closes.
	EventClosed EventKind = "closed"
)

// Event is one entry on a session's live stream.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      EventKind       `json:"kind"`
	Action    *ObservedAction `json:"action,omitempty"`
	// Screenshot is an opaque handle to a captured frame, not the bytes.
	Screenshot string    `json:"screenshot,omitempty"`
	State      string    `json:"state,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent builds an event with a fresh ULID and timestamp.
func NewEvent(sessionID string, kind EventKind) Event {
	return Event{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// ActionEvent wraps an observed action for publishing.
func ActionEvent(sessionID string, act ObservedAction) Event {
	ev := NewEvent(sessionID, EventAction)
	ev.Action = &act
	return ev
}

// ScreenshotEvent publishes a screenshot handle.
func ScreenshotEvent(sessionID, handle string) Event {
	ev := NewEvent(sessionID, EventScreenshot)
	ev.Screenshot = handle
	return ev
}

// StateEvent announces a session state transition.
func StateEvent(sessionID, state string) Event {
	ev := NewEvent(sessionID, EventState)
	ev.State = state
	return ev
}

// ClosedEvent is the terminal sentinel for a session stream.
func ClosedEvent(sessionID, finalState string) Event {
	ev := NewEvent(sessionID, EventClosed)
	ev.State = finalState
	return ev
}
