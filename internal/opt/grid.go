package opt

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/kasmith/coep/internal/errdefs"
)

// GridSearch evaluates a fixed, ordered list of candidate vectors.
type GridSearch struct {
	candidates [][]float64
}

// NewGridSearch creates a grid search over candidates. All candidates must
// share one dimension.
func NewGridSearch(candidates [][]float64) (*GridSearch, error) {
	if len(candidates) == 0 {
		return nil, errdefs.NewConfigError("candidates", "cannot be empty")
	}
	dim := len(candidates[0])
	if dim == 0 {
		return nil, errdefs.NewConfigError("candidates", "candidate 0 is empty")
	}
	owned := make([][]float64, len(candidates))
	for i, c := range candidates {
		if len(c) != dim {
			return nil, errdefs.NewConfigError("candidates", "candidate %d has %d parameters, expected %d", i, len(c), dim)
		}
		owned[i] = slices.Clone(c)
	}
	return &GridSearch{candidates: owned}, nil
}

// Name returns "grid".
func (g *GridSearch) Name() string { return "grid" }

// Minimize evaluates every candidate in order. x0 is only used to check the
// dimension and may be nil. The first candidate with the lowest value wins;
// NaN values never win.
func (g *GridSearch) Minimize(ctx context.Context, eval EvalFunc, x0 []float64, cb Callback) (*Result, error) {
	if len(x0) > 0 && len(x0) != len(g.candidates[0]) {
		return nil, errdefs.NewConfigError("x0", "has %d parameters, candidates have %d", len(x0), len(g.candidates[0]))
	}

	loss := &counter{eval: eval}
	var (
		best    []float64
		bestVal = math.Inf(1)
	)
	for i, c := range g.candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := loss.call(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		if !math.IsNaN(v) && (best == nil || v < bestVal) {
			best = c
			bestVal = v
		}
		if cb != nil {
			cb(slices.Clone(c), v)
		}
	}

	res := &Result{
		Fun:         bestVal,
		Iterations:  len(g.candidates),
		Evaluations: loss.n,
		Reason:      ReasonGridComplete,
		Message:     "Grid complete",
		Success:     true,
	}
	if best != nil {
		res.X = slices.Clone(best)
	} else {
		res.Fun = math.NaN()
	}
	return res, nil
}
