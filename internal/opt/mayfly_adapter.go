package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/cwbudde/mayfly"

	"github.com/kasmith/coep/internal/errdefs"
)

// MayflyOptions configures the Mayfly swarm optimizer. The library takes
// one scalar range for every dimension.
type MayflyOptions struct {
	MaxIterations int
	Population    int
	Seed          int64
	Lower         float64
	Upper         float64
}

// MayflyAdapter wraps the external Mayfly library to conform to our
// Optimizer interface
type MayflyAdapter struct {
	opts MayflyOptions
}

// NewMayfly creates a new Mayfly optimizer adapter
func NewMayfly(opts MayflyOptions) (*MayflyAdapter, error) {
	if opts.MaxIterations <= 0 {
		return nil, errdefs.NewConfigError("mayfly.max_iterations", "must be positive")
	}
	if opts.Population < 0 {
		return nil, errdefs.NewConfigError("mayfly.population", "cannot be negative")
	}
	if opts.Lower >= opts.Upper {
		return nil, errdefs.NewConfigError("mayfly.bounds", "lower bound %g must be below upper bound %g", opts.Lower, opts.Upper)
	}
	return &MayflyAdapter{opts: opts}, nil
}

// Name returns "mayfly".
func (m *MayflyAdapter) Name() string { return "mayfly" }

// Minimize runs the swarm over len(x0) dimensions. x0 only fixes the
// dimension; the library seeds its own population. The first evaluation
// error aborts the run: later evaluations return +Inf and the error is
// returned once the library finishes.
func (m *MayflyAdapter) Minimize(ctx context.Context, eval EvalFunc, x0 []float64, cb Callback) (*Result, error) {
	dim := len(x0)
	if dim == 0 {
		return nil, errdefs.NewConfigError("x0", "cannot be empty")
	}

	loss := &counter{eval: eval}
	var (
		firstErr error
		bestVal  = math.Inf(1)
	)
	objective := func(x []float64) float64 {
		if firstErr != nil {
			return math.Inf(1)
		}
		if err := ctx.Err(); err != nil {
			firstErr = err
			return math.Inf(1)
		}
		v, err := loss.call(ctx, x)
		if err != nil {
			firstErr = err
			return math.Inf(1)
		}
		if v < bestVal {
			bestVal = v
			if cb != nil {
				cb(slices.Clone(x), v)
			}
		}
		return v
	}

	// Create config for external Mayfly library
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = objective
	config.ProblemSize = dim
	config.MaxIterations = m.opts.MaxIterations
	if m.opts.Population > 0 {
		config.NPop = m.opts.Population
	}
	config.LowerBound = m.opts.Lower
	config.UpperBound = m.opts.Upper
	config.Rand = rand.New(rand.NewSource(m.opts.Seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, fmt.Errorf("mayfly optimization failed: %w", err)
	}
	if firstErr != nil {
		return nil, fmt.Errorf("evaluation %d: %w", loss.n, firstErr)
	}

	return &Result{
		X:           slices.Clone(result.GlobalBest.Position),
		Fun:         result.GlobalBest.Cost,
		Iterations:  m.opts.MaxIterations,
		Evaluations: loss.n,
		Reason:      ReasonMaxIterations,
		Message:     "Maximum number of iterations exceeded",
		Success:     true,
	}, nil
}
