// Package session owns the registry of live capture and replay sessions.
// All mutation of a session's state or action log goes through the registry's
// atomic operations; at most one pipeline task is active per session id.
package session

import (
	"context"
	"time"

	"github.com/sissississi-013/parrot/pkg/workflow"
)

// Kind distinguishes capture sessions from replay sessions.
type Kind string

const (
	KindCapture Kind = "capture"
	KindReplay  Kind = "replay"
)

// State is a session lifecycle state. Transitions are one-directional and
// no state is re-entered.
type State string

const (
	// Shared initial state.
	StateIdle State = "idle"

	// Capture lifecycle: idle -> capturing -> stopping -> processed|failed.
	StateCapturing State = "capturing"
	StateStopping  State = "stopping"
	StateProcessed State = "processed"

	// Replay lifecycle: idle -> running -> completed|failed|cancelled.
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"

	// Shared terminal failure state.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateProcessed, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Active reports whether the session counts against the registry's capacity.
func (s State) Active() bool { return !s.Terminal() }

// session is the registry-owned record. Pipelines hold only the session id
// and go through the registry for every mutation.
type session struct {
	id             string
	kind           Kind
	state          State
	createdAt      time.Time
	lastTouched    time.Time
	actionLog      []workflow.ObservedAction
	lastScreenshot string
	workflowID     string
	errKind        string
	errMsg         string

	// cancel stops the owning pipeline task, when one is attached.
	cancel context.CancelFunc
}

// Snapshot is a read-only copy of a session returned to callers.
type Snapshot struct {
	ID             string                    `json:"id"`
	Kind           Kind                      `json:"kind"`
	State          State                     `json:"state"`
	CreatedAt      time.Time                 `json:"created_at"`
	ActionLog      []workflow.ObservedAction `json:"action_log"`
	LastScreenshot string                    `json:"last_screenshot,omitempty"`
	WorkflowID     string                    `json:"workflow_id,omitempty"`
	ErrorKind      string                    `json:"error_kind,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

func (s *session) snapshot() Snapshot {
	log := make([]workflow.ObservedAction, len(s.actionLog))
	copy(log, s.actionLog)
	return Snapshot{
		ID:             s.id,
		Kind:           s.kind,
		State:          s.state,
		CreatedAt:      s.createdAt,
		ActionLog:      log,
		LastScreenshot: s.lastScreenshot,
		WorkflowID:     s.workflowID,
		ErrorKind:      s.errKind,
		Error:          s.errMsg,
	}
}
