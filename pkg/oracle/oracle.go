// Package oracle defines the extraction and planning oracle contracts and an
// adapter backed by an OpenAI-compatible chat-completions endpoint. The
// prompting and response parsing live here; callers see only the typed
// interfaces and their failure modes.
package oracle

import (
	"context"
	"fmt"

	"github.com/sissississi-013/parrot/pkg/browserd"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

// SessionMeta carries context about the captured session into extraction.
type SessionMeta struct {
	SessionID string
	UserID    string
	Role      string
	TaskType  string
}

// Extractor turns a sanitized action log into a structured workflow.
type Extractor interface {
	Extract(ctx context.Context, actions []workflow.ObservedAction, meta SessionMeta) (*workflow.Workflow, error)
}

// Planner turns one workflow step plus the current page location into an
// ordered list of primitive browser commands. An empty list is a valid
// return and is treated by the caller as a step failure. On retry the prior
// failure reason is passed so the plan can route around it.
type Planner interface {
	Plan(ctx context.Context, step workflow.WorkflowStep, currentURL, priorFailure string) ([]browserd.Command, error)
}

// Guidance is one round of coaching for a trainee walking an expert
// workflow by hand. Score and Feedback are set only when the trainee's
// action was provided for grading.
type Guidance struct {
	StepOrdinal  int      `json:"step_ordinal"`
	Completed    bool     `json:"completed"`
	StepName     string   `json:"step_name,omitempty"`
	Actions      []string `json:"actions,omitempty"`
	Expected     string   `json:"expected_outcome,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
	NextStepHint string   `json:"next_step_hint,omitempty"`
}

// Coach produces step-by-step guidance against an expert workflow. The
// trainee action is optional; when present the guidance grades how well it
// matched the current step. An ordinal past the last step reports the
// workflow as completed without consulting the model.
type Coach interface {
	Guide(ctx context.Context, wf *workflow.Workflow, stepOrdinal int, trainee *workflow.ObservedAction) (*Guidance, error)
}

// ExtractionError marks a failed extraction. The captured action log is
// preserved by the caller so extraction can be retried later.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string { return fmt.Sprintf("extraction failed: %v", e.Err) }
func (e *ExtractionError) Unwrap() error { return e.Err }

// PlanningError marks a failed planning call.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string { return fmt.Sprintf("planning failed: %v", e.Err) }
func (e *PlanningError) Unwrap() error { return e.Err }

// GuidanceError marks a failed coaching call.
type GuidanceError struct {
	Err error
}

func (e *GuidanceError) Error() string { return fmt.Sprintf("guidance failed: %v", e.Err) }
func (e *GuidanceError) Unwrap() error { return e.Err }
