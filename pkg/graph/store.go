// Package graph persists extracted workflows and alignment results.
package graph

import (
	"context"
	"errors"

	"github.com/sissississi-013/parrot/pkg/convergence"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

// ErrNotFound is returned when a workflow id is unknown.
var ErrNotFound = errors.New("workflow not found")

// Store is the graph persistence port consumed by the pipelines. Alignment
// edges are write-once: a re-scored session writes a new batch.
type Store interface {
	// WriteWorkflow persists a workflow and returns its id.
	WriteWorkflow(ctx context.Context, wf *workflow.Workflow) (string, error)

	// ReadWorkflow fetches a stored workflow by id.
	ReadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// WriteAlignment persists one scoring batch for a replay session.
	WriteAlignment(ctx context.Context, sessionID string, edges []convergence.Edge, overall float64) error

	Close() error
}
