package graph

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sissississi-013/parrot/pkg/convergence"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:        "wf-test-1",
		Name:      "Approve purchase order",
		TaskType:  "procurement",
		SessionID: "sess-1",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Steps: []workflow.WorkflowStep{
			{
				Ordinal:   0,
				Name:      "open order",
				Reasoning: "locate the pending order",
				TargetActions: []workflow.ActionSpec{
					{Kind: workflow.ActionClick, Target: "row order-1042"},
				},
			},
			{
				Ordinal:   1,
				Name:      "approve",
				Reasoning: "confirm the amounts are within budget",
				TargetActions: []workflow.ActionSpec{
					{Kind: workflow.ActionClick, Target: "button approve"},
					{Kind: workflow.ActionType, Target: "input comment"},
				},
			},
		},
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := sampleWorkflow()
	id, err := store.WriteWorkflow(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, want.ID, id)

	got, err := store.ReadWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.TaskType, got.TaskType)
	assert.Equal(t, want.SessionID, got.SessionID)

	require.Len(t, got.Steps, 2)
	assert.Equal(t, want.Steps[0].Name, got.Steps[0].Name)
	assert.Equal(t, want.Steps[1].Reasoning, got.Steps[1].Reasoning)
	require.Len(t, got.Steps[1].TargetActions, 2)
	assert.Equal(t, workflow.ActionType, got.Steps[1].TargetActions[1].Kind)
}

func TestReadWorkflowNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ReadWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteAlignmentBatchesAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []convergence.Edge{
		{ActionIndex: 0, StepOrdinal: 0, Relation: convergence.AlignsWith, Score: 0.9},
		{ActionIndex: -1, StepOrdinal: 1, Relation: convergence.DivergesFrom, Score: 0},
	}
	require.NoError(t, store.WriteAlignment(ctx, "sess-1", first, 0.45))

	second := []convergence.Edge{
		{ActionIndex: 0, StepOrdinal: 0, Relation: convergence.AlignsWith, Score: 1},
	}
	require.NoError(t, store.WriteAlignment(ctx, "sess-1", second, 1))

	// Each scoring run lands in its own batch; earlier batches are intact.
	var batches int
	err := store.db.QueryRow(`SELECT COUNT(DISTINCT batch) FROM alignments WHERE session_id = ?`, "sess-1").Scan(&batches)
	require.NoError(t, err)
	assert.Equal(t, 2, batches)

	var rows int
	err = store.db.QueryRow(`SELECT COUNT(*) FROM alignments WHERE session_id = ?`, "sess-1").Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 3, rows)

	var overall float64
	err = store.db.QueryRow(`SELECT overall_score FROM alignments WHERE session_id = ? AND batch = 0`, "sess-1").Scan(&overall)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, overall, 1e-9, "the first batch keeps its original score")
}

func TestWriteWorkflowDuplicateIDFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := sampleWorkflow()
	_, err := store.WriteWorkflow(ctx, wf)
	require.NoError(t, err)

	_, err = store.WriteWorkflow(ctx, wf)
	assert.Error(t, err, "workflow ids are write-once")
}
