// Package browserd defines the browser driver port and a remote adapter
// speaking JSON over WebSocket to a driver daemon. The driver executes
// primitive commands, captures screenshots, and (for capture sessions)
// pushes DOM events observed in the page.
package browserd

import (
	"context"
	"time"

	"github.com/sissississi-013/parrot/pkg/workflow"
)

// CommandKind enumerates the primitive browser commands the planner emits.
type CommandKind string

const (
	CommandNavigate CommandKind = "navigate"
	CommandClick    CommandKind = "click"
	CommandType     CommandKind = "type"
	CommandScroll   CommandKind = "scroll"
	CommandWait     CommandKind = "wait"
)

// Command is one primitive action dispatched to the driver.
type Command struct {
	Kind     CommandKind `json:"kind"`
	URL      string      `json:"url,omitempty"`
	Selector string      `json:"selector,omitempty"`
	Text     string      `json:"text,omitempty"`
	Amount   int         `json:"amount,omitempty"`
	Seconds  int         `json:"seconds,omitempty"`
}

// ActionKind maps the command to the observed-action vocabulary.
func (c Command) ActionKind() workflow.ActionKind {
	switch c.Kind {
	case CommandNavigate:
		return workflow.ActionNavigate
	case CommandClick:
		return workflow.ActionClick
	case CommandType:
		return workflow.ActionType
	case CommandScroll:
		return workflow.ActionScroll
	default:
		return workflow.ActionOther
	}
}

// Target returns the selector or URL the command addresses.
func (c Command) Target() string {
	if c.Selector != "" {
		return c.Selector
	}
	return c.URL
}

// Result reports the outcome of a command.
type Result struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	URL    string `json:"url,omitempty"`
}

// DOMEvent is a user action observed inside a captured browser page.
type DOMEvent struct {
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	Payload   string    `json:"payload,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Driver is the port implemented by browser automation adapters. A Driver
// instance is owned by exactly one session's pipeline task.
type Driver interface {
	// Execute runs one command, returning a driver error on failure.
	Execute(ctx context.Context, cmd Command) (Result, error)

	// Screenshot captures the current page as opaque bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// URL reports the page's current location.
	URL() string

	// Events is the feed of DOM events for capture sessions. The channel
	// closes when the driver closes.
	Events() <-chan DOMEvent

	// Close releases the browser instance. Idempotent.
	Close() error
}

// Factory opens driver instances, one per session.
type Factory interface {
	Open(ctx context.Context, sessionID string) (Driver, error)
}
