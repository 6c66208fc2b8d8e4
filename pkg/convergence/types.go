// Package convergence scores how closely a novice action trace follows an
// expert workflow. The computation is pure: identical inputs always produce
// identical edges and scores.
package convergence

// Relation classifies an alignment edge.
type Relation string

const (
	AlignsWith   Relation = "ALIGNS_WITH"
	DivergesFrom Relation = "DIVERGES_FROM"
)

// Edge relates one novice action to one workflow step. A step no action was
// assigned to produces a synthetic edge with ActionIndex -1. Edges are never
// mutated after creation; re-scoring produces a new batch.
type Edge struct {
	// ActionIndex is the novice action's sequence index, or -1 for a step
	// the novice never reached.
	ActionIndex int      `json:"action_index"`
	StepOrdinal int      `json:"step_ordinal"`
	Relation    Relation `json:"relation"`
	Score       float64  `json:"score"`
}

// Result is the full output of one scoring run.
type Result struct {
	PerStep []float64 `json:"per_step_scores"`
	Edges   []Edge    `json:"alignment_edges"`
	Overall float64   `json:"overall_score"`
}

// Weights tunes the pairwise similarity between an observed action and a
// step's target actions. Kind and Target are blended and normalized; Ordinal
// is subtracted in proportion to how far out of order the pairing is.
type Weights struct {
	Kind    float64 `yaml:"kind"`
	Target  float64 `yaml:"target"`
	Ordinal float64 `yaml:"ordinal"`

	// Threshold is the minimum similarity for an ALIGNS_WITH edge.
	Threshold float64 `yaml:"threshold"`

	// Gap is the penalty for leaving a novice action unassigned.
	Gap float64 `yaml:"gap"`
}

// DefaultWeights returns the reference tuning.
func DefaultWeights() Weights {
	return Weights{
		Kind:      0.4,
		Target:    0.6,
		Ordinal:   0.2,
		Threshold: 0.6,
		Gap:       0.25,
	}
}
