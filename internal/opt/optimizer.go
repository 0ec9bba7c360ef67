// Package opt holds the minimizers that drive objective evaluation: SPSA,
// exhaustive grid search and a Mayfly swarm adapter. All of them share the
// Optimizer contract so the controller can swap them by configuration.
package opt

import (
	"context"
	"slices"
)

// EvalFunc evaluates the objective at x. Each call is one full dispatch
// cycle for the controller, so it may block and may fail.
type EvalFunc func(ctx context.Context, x []float64) (float64, error)

// Callback is invoked once per optimizer-level iteration with the
// parameter vector and the value the optimizer reports for it.
type Callback func(x []float64, value float64)

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Name returns the configuration tag of the optimizer
	Name() string

	// Minimize runs the optimization starting from x0
	Minimize(ctx context.Context, eval EvalFunc, x0 []float64, cb Callback) (*Result, error)
}

// Termination reasons.
const (
	ReasonTolerance     = "tolerance_reached"
	ReasonMaxIterations = "max_iterations_reached"
	ReasonStalled       = "stalled"
	ReasonGridComplete  = "grid_complete"
)

// Result is the outcome of a minimization run.
type Result struct {
	X           []float64 `json:"x"`
	Fun         float64   `json:"fun"`
	Iterations  int       `json:"iterations"`
	Evaluations int       `json:"evaluations"`
	Reason      string    `json:"reason"`
	Message     string    `json:"message"`
	Success     bool      `json:"success"`
	Status      int       `json:"status"`
}

// counter wraps an EvalFunc and counts every call.
type counter struct {
	eval EvalFunc
	n    int
}

func (c *counter) call(ctx context.Context, x []float64) (float64, error) {
	c.n++
	return c.eval(ctx, slices.Clone(x))
}
