// Package workflow defines the data model shared by the capture, replay,
// and convergence components: extracted workflows, observed browser actions,
// and the event payloads published on session streams.
package workflow

import (
	"strings"
	"time"
)

// ActionKind classifies a browser action.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionScroll   ActionKind = "scroll"
	ActionNavigate ActionKind = "navigate"
	ActionSubmit   ActionKind = "submit"
	ActionOther    ActionKind = "other"
)

// ParseActionKind maps a raw kind string to an ActionKind, falling back to
// ActionOther for anything unrecognized. DOM listeners report typing as
// "input", so that alias is folded into ActionType.
func ParseActionKind(s string) ActionKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "click":
		return ActionClick
	case "type", "input", "keypress":
		return ActionType
	case "scroll":
		return ActionScroll
	case "navigate", "goto":
		return ActionNavigate
	case "submit":
		return ActionSubmit
	default:
		return ActionOther
	}
}

// ActionSpec describes one action an expert step expects, as extracted by
// the oracle. Target is a selector or human description.
type ActionSpec struct {
	Kind    ActionKind `json:"kind"`
	Target  string     `json:"target"`
	Payload string     `json:"payload,omitempty"`
}

// ObservedAction is one action recorded during a live session.
// SequenceIndex is the sole ordering key within a session; Timestamp is
// advisory only.
type ObservedAction struct {
	Kind          ActionKind `json:"kind"`
	Target        string     `json:"target"`
	Payload       string     `json:"payload,omitempty"`
	URL           string     `json:"url,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	SessionID     string     `json:"session_id"`
	SequenceIndex int        `json:"sequence_index"`
}

// WorkflowStep is one ordered step of an extracted workflow. Immutable once
// extracted.
type WorkflowStep struct {
	Ordinal       int          `json:"ordinal"`
	Name          string       `json:"name"`
	TargetActions []ActionSpec `json:"target_actions"`
	Reasoning     string       `json:"reasoning,omitempty"`
}

// Workflow is an ordered sequence of steps extracted from an expert session.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	TaskType  string         `json:"task_type,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Steps     []WorkflowStep `json:"steps"`
}
