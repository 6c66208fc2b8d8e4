package convergence

import (
	"strings"
	"unicode"

	"github.com/sissississi-013/parrot/pkg/workflow"
)

// Engine aligns a novice action trace against an expert step sequence.
type Engine struct {
	w Weights
}

// NewEngine creates an engine with the given weights. Zero-valued weights
// fall back to the defaults.
func NewEngine(w Weights) *Engine {
	if w.Kind <= 0 && w.Target <= 0 {
		w = DefaultWeights()
	}
	return &Engine{w: w}
}

type choiceKind uint8

const (
	choiceNone choiceKind = iota
	choiceStepBack
	choiceSkipAction
	choiceAssign
)

// Score computes a monotone alignment of trace against steps, maximizing
// total similarity. The assignment of actions to step ordinals is
// non-decreasing in action order, and ties are resolved by a fixed
// transition preference so the output is reproducible.
func (e *Engine) Score(steps []workflow.WorkflowStep, trace []workflow.ObservedAction) Result {
	n := len(trace)
	m := len(steps)

	if m == 0 {
		return Result{PerStep: []float64{}, Edges: []Edge{}, Overall: 0}
	}

	// Pairwise similarity matrix.
	sim := make([][]float64, n)
	for i := range trace {
		sim[i] = make([]float64, m)
		for j := range steps {
			sim[i][j] = e.similarity(trace[i], steps[j], i, n, j, m)
		}
	}

	// dp[i][j]: best total over the first i actions with steps 0..j-1
	// available. Assignment is the preferred transition on ties, which
	// keeps actions attached to the earliest step that achieves the
	// optimum.
	dp := make([][]float64, n+1)
	choice := make([][]choiceKind, n+1)
	for i := 0; i <= n; i++ {
		dp[i] = make([]float64, m+1)
		choice[i] = make([]choiceKind, m+1)
	}
	for i := 1; i <= n; i++ {
		dp[i][0] = dp[i-1][0] - e.w.Gap
		choice[i][0] = choiceSkipAction
	}
	for j := 1; j <= m; j++ {
		choice[0][j] = choiceStepBack
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			best := dp[i][j-1]
			ck := choiceStepBack
			if cand := dp[i-1][j] - e.w.Gap; cand > best {
				best = cand
				ck = choiceSkipAction
			}
			if cand := dp[i-1][j] + sim[i-1][j-1]; cand >= best {
				best = cand
				ck = choiceAssign
			}
			dp[i][j] = best
			choice[i][j] = ck
		}
	}

	// Backtrack to recover the assignment: action index -> step index.
	assigned := make([]int, n)
	for i := range assigned {
		assigned[i] = -1
	}
	for i, j := n, m; i > 0 || j > 0; {
		switch choice[i][j] {
		case choiceAssign:
			assigned[i-1] = j - 1
			i--
		case choiceSkipAction:
			i--
		default:
			j--
		}
	}

	// A step matched by no action keeps a zero score here and drags the
	// mean down by a full share: that zero is the step's deletion cost. A
	// per-transition skip charge in the trellis above would be a no-op,
	// since every path steps back through all m columns exactly once.
	perStep := make([]float64, m)
	stepMatched := make([]bool, m)
	edges := make([]Edge, 0, n+m)
	for i, j := range assigned {
		if j < 0 {
			continue
		}
		s := sim[i][j]
		rel := DivergesFrom
		if s >= e.w.Threshold {
			rel = AlignsWith
		}
		edges = append(edges, Edge{
			ActionIndex: trace[i].SequenceIndex,
			StepOrdinal: steps[j].Ordinal,
			Relation:    rel,
			Score:       s,
		})
		stepMatched[j] = true
		if s > perStep[j] {
			perStep[j] = s
		}
	}
	for j, matched := range stepMatched {
		if !matched {
			edges = append(edges, Edge{
				ActionIndex: -1,
				StepOrdinal: steps[j].Ordinal,
				Relation:    DivergesFrom,
				Score:       0,
			})
		}
	}

	var total float64
	for _, s := range perStep {
		total += s
	}
	return Result{
		PerStep: perStep,
		Edges:   edges,
		Overall: total / float64(m),
	}
}

// similarity blends kind equality and target token overlap across the step's
// target actions, then subtracts an ordinal proximity penalty so a late
// novice action pairs poorly with an early step.
func (e *Engine) similarity(act workflow.ObservedAction, step workflow.WorkflowStep, i, n, j, m int) float64 {
	denom := e.w.Kind + e.w.Target
	var base float64
	for _, spec := range step.TargetActions {
		var s float64
		if spec.Kind == act.Kind {
			s += e.w.Kind
		}
		s += e.w.Target * tokenOverlap(act.Target, spec.Target)
		if s > base {
			base = s
		}
	}
	base /= denom

	var actPos, stepPos float64
	if n > 1 {
		actPos = float64(i) / float64(n-1)
	}
	if m > 1 {
		stepPos = float64(j) / float64(m-1)
	}
	dist := actPos - stepPos
	if dist < 0 {
		dist = -dist
	}
	s := base - e.w.Ordinal*dist
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// tokenOverlap is the Jaccard overlap of lowercased alphanumeric tokens.
func tokenOverlap(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[tok] = struct{}{}
	}
	return out
}
