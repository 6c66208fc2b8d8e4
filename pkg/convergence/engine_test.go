package convergence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sissississi-013/parrot/pkg/workflow"
)

func step(ordinal int, name string, specs ...workflow.ActionSpec) workflow.WorkflowStep {
	return workflow.WorkflowStep{Ordinal: ordinal, Name: name, TargetActions: specs}
}

func action(seq int, kind workflow.ActionKind, target string) workflow.ObservedAction {
	return workflow.ObservedAction{
		Kind:          kind,
		Target:        target,
		Timestamp:     time.Unix(int64(seq), 0).UTC(),
		SequenceIndex: seq,
	}
}

func TestScorePerfectTrace(t *testing.T) {
	engine := NewEngine(DefaultWeights())

	steps := []workflow.WorkflowStep{
		step(0, "submit the form", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "button submit"}),
		step(1, "enter email", workflow.ActionSpec{Kind: workflow.ActionType, Target: "input email"}),
	}
	trace := []workflow.ObservedAction{
		action(0, workflow.ActionClick, "button submit"),
		action(1, workflow.ActionType, "input email"),
	}

	result := engine.Score(steps, trace)

	require.Equal(t, []float64{1, 1}, result.PerStep)
	require.InDelta(t, 1.0, result.Overall, 1e-9)
	require.Len(t, result.Edges, 2)
	for _, edge := range result.Edges {
		assert.Equal(t, AlignsWith, edge.Relation)
	}
}

func TestScorePartialDivergence(t *testing.T) {
	engine := NewEngine(DefaultWeights())

	steps := []workflow.WorkflowStep{
		step(0, "submit the form", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "button submit"}),
		step(1, "enter email", workflow.ActionSpec{Kind: workflow.ActionType, Target: "input email"}),
	}
	trace := []workflow.ObservedAction{
		action(0, workflow.ActionClick, "button submit"),
		action(1, workflow.ActionType, "div banner"),
	}

	result := engine.Score(steps, trace)

	require.Len(t, result.PerStep, 2)
	assert.InDelta(t, 1.0, result.PerStep[0], 1e-9)
	assert.InDelta(t, 0.4, result.PerStep[1], 1e-9)
	assert.InDelta(t, 0.7, result.Overall, 1e-9)

	require.Len(t, result.Edges, 2)
	assert.Equal(t, AlignsWith, result.Edges[0].Relation)
	assert.Equal(t, DivergesFrom, result.Edges[1].Relation)
	assert.Equal(t, 1, result.Edges[1].StepOrdinal)
}

func TestScoreMissingStepGetsSyntheticEdge(t *testing.T) {
	engine := NewEngine(DefaultWeights())

	steps := []workflow.WorkflowStep{
		step(0, "open settings", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "menu settings"}),
		step(1, "save changes", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "button save"}),
	}
	trace := []workflow.ObservedAction{
		action(0, workflow.ActionClick, "menu settings"),
	}

	result := engine.Score(steps, trace)

	require.Equal(t, []float64{1, 0}, result.PerStep,
		"an unmatched step scores zero and costs a full share of the mean")
	assert.InDelta(t, 0.5, result.Overall, 1e-9)

	var synthetic *Edge
	for i := range result.Edges {
		if result.Edges[i].ActionIndex == -1 {
			synthetic = &result.Edges[i]
		}
	}
	require.NotNil(t, synthetic, "unmatched step should produce an edge")
	assert.Equal(t, 1, synthetic.StepOrdinal)
	assert.Equal(t, DivergesFrom, synthetic.Relation)
	assert.Zero(t, synthetic.Score)
}

func TestScoreEmptyInputs(t *testing.T) {
	engine := NewEngine(DefaultWeights())

	result := engine.Score(nil, nil)
	assert.Zero(t, result.Overall)
	assert.Empty(t, result.Edges)

	steps := []workflow.WorkflowStep{
		step(0, "open settings", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "menu settings"}),
	}
	result = engine.Score(steps, nil)
	assert.Zero(t, result.Overall)
	require.Len(t, result.Edges, 1)
	assert.Equal(t, -1, result.Edges[0].ActionIndex)
}

func TestScoreDeterministic(t *testing.T) {
	engine := NewEngine(DefaultWeights())

	steps := []workflow.WorkflowStep{
		step(0, "search", workflow.ActionSpec{Kind: workflow.ActionType, Target: "input search"}),
		step(1, "open result", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "link result"}),
		step(2, "checkout", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "button checkout"}),
	}
	trace := []workflow.ObservedAction{
		action(0, workflow.ActionType, "input search"),
		action(1, workflow.ActionScroll, "body"),
		action(2, workflow.ActionClick, "link result item"),
		action(3, workflow.ActionClick, "button checkout"),
	}

	first := engine.Score(steps, trace)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, engine.Score(steps, trace))
	}
}

func TestScoreAssignmentIsMonotone(t *testing.T) {
	engine := NewEngine(DefaultWeights())

	steps := []workflow.WorkflowStep{
		step(0, "search", workflow.ActionSpec{Kind: workflow.ActionType, Target: "input search"}),
		step(1, "open result", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "link result"}),
		step(2, "checkout", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "button checkout"}),
	}
	trace := []workflow.ObservedAction{
		action(0, workflow.ActionType, "input search"),
		action(1, workflow.ActionClick, "link result"),
		action(2, workflow.ActionClick, "button checkout"),
		action(3, workflow.ActionClick, "button confirm checkout"),
	}

	result := engine.Score(steps, trace)

	lastOrdinal := -1
	for _, edge := range result.Edges {
		if edge.ActionIndex < 0 {
			continue
		}
		require.GreaterOrEqual(t, edge.StepOrdinal, lastOrdinal,
			"assignment must be non-decreasing in action order")
		lastOrdinal = edge.StepOrdinal
	}
}

func TestSimilarityOrdinalPenalty(t *testing.T) {
	engine := NewEngine(DefaultWeights())

	// Same action content, but the step sits at the far end of the
	// sequence: proximity penalty lowers the score.
	near := engine.similarity(
		action(0, workflow.ActionClick, "button submit"),
		step(0, "submit", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "button submit"}),
		0, 5, 0, 5,
	)
	far := engine.similarity(
		action(0, workflow.ActionClick, "button submit"),
		step(4, "submit", workflow.ActionSpec{Kind: workflow.ActionClick, Target: "button submit"}),
		0, 5, 4, 5,
	)
	assert.Greater(t, near, far)
}

func TestTokenOverlap(t *testing.T) {
	assert.InDelta(t, 1.0, tokenOverlap("Button Submit", "button submit"), 1e-9)
	assert.InDelta(t, 1.0/3.0, tokenOverlap("button submit", "button cancel"), 1e-9)
	assert.Zero(t, tokenOverlap("button", ""))
	assert.Zero(t, tokenOverlap("", ""))
}
