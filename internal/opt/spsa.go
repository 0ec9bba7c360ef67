package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/kasmith/coep/internal/errdefs"
)

// State is the SPSA checkpoint record, rewritten after every iteration.
type State struct {
	NFev       int       `json:"n_fev"`
	NIter      int       `json:"n_iter"`
	SavedTheta []float64 `json:"saved_theta"`
	Theta      []float64 `json:"theta"`
}

// Checkpointer persists SPSA state between iterations. Load returns nil
// and no error when there is nothing to resume.
type Checkpointer interface {
	Load() (*State, error)
	Save(State) error
	Delete() error
}

// SPSA defaults, after Spall (2000).
const (
	DefaultGain          = 1e-6
	DefaultPerturbation  = 0.01
	DefaultAlpha         = 0.602
	DefaultGamma         = 0.101
	DefaultMaxIterations = 1000
	DefaultTolerance     = 1e-4
)

// ToleranceDisabled turns the tolerance stop off.
const ToleranceDisabled = -1.0

// SPSAOptions configures the simultaneous perturbation optimizer. Zero
// values select the defaults.
type SPSAOptions struct {
	Gain         float64 // a
	Perturbation float64 // c
	Alpha        float64
	Gamma        float64
	// Stability is the A constant; zero means MaxIterations/10.
	Stability float64

	MaxIterations int
	// Tolerance stops the run once the relative parameter change drops to
	// it. Zero selects DefaultTolerance; a negative value such as
	// ToleranceDisabled runs until MaxIterations or a stall.
	Tolerance float64

	// Bounds holds one (lo, hi) pair per dimension, or nothing.
	Bounds [][2]float64

	// MaxGradient clamps |y+ - y-|; zero disables the clamp.
	MaxGradient float64

	// Seed fixes the perturbation sequence. Iteration k always draws from
	// a generator seeded by (Seed, k), so resumed runs see the same draws.
	Seed uint64

	StartIteration int
	Checkpoint     Checkpointer

	// LogEvery logs progress every n iterations; zero disables it.
	LogEvery int

	Stall StallConfig
}

// SPSA minimizes with simultaneous perturbation stochastic approximation.
type SPSA struct {
	opts   SPSAOptions
	bounds *Bounds
}

// NewSPSA validates the options and applies defaults.
func NewSPSA(opts SPSAOptions) (*SPSA, error) {
	if opts.MaxIterations < 0 {
		return nil, errdefs.NewConfigError("max_iterations", "cannot be negative")
	}
	if opts.MaxGradient < 0 {
		return nil, errdefs.NewConfigError("max_gradient", "must be positive")
	}
	if opts.StartIteration < 0 {
		return nil, errdefs.NewConfigError("start_iteration", "cannot be negative")
	}
	if opts.Stall.Patience < 0 {
		return nil, errdefs.NewConfigError("stall.patience", "cannot be negative")
	}
	bounds, err := NewBounds(opts.Bounds)
	if err != nil {
		return nil, err
	}

	if opts.Gain == 0 {
		opts.Gain = DefaultGain
	}
	if opts.Perturbation == 0 {
		opts.Perturbation = DefaultPerturbation
	}
	if opts.Alpha == 0 {
		opts.Alpha = DefaultAlpha
	}
	if opts.Gamma == 0 {
		opts.Gamma = DefaultGamma
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Stability == 0 {
		opts.Stability = float64(opts.MaxIterations) / 10
	}

	return &SPSA{opts: opts, bounds: bounds}, nil
}

// Name returns "spsa".
func (s *SPSA) Name() string { return "spsa" }

// perturbation draws the ±1 vector for iteration k.
func (s *SPSA) perturbation(k, n int) []float64 {
	rng := rand.New(rand.NewPCG(s.opts.Seed, uint64(k)))
	delta := make([]float64, n)
	for i := range delta {
		if rng.IntN(2) == 0 {
			delta[i] = -1
		} else {
			delta[i] = 1
		}
	}
	return delta
}

// relativeChange is ‖prev - cur‖ / ‖prev‖, or the absolute change when
// prev has zero norm.
func relativeChange(prev, cur []float64) float64 {
	diff := floats.Distance(prev, cur, 2)
	norm := floats.Norm(prev, 2)
	if norm == 0 {
		return diff
	}
	return diff / norm
}

// Minimize runs SPSA from x0, or from the checkpoint when one exists.
func (s *SPSA) Minimize(ctx context.Context, eval EvalFunc, x0 []float64, cb Callback) (*Result, error) {
	n := len(x0)
	if n == 0 {
		return nil, errdefs.NewConfigError("x0", "cannot be empty")
	}
	if s.bounds != nil && s.bounds.Dim() != n {
		return nil, errdefs.NewConfigError("bounds", "have %d dimensions, x0 has %d", s.bounds.Dim(), n)
	}

	loss := &counter{eval: eval}
	theta := slices.Clone(x0)
	savedTheta := make([]float64, n)
	if floats.Norm(theta, 2) == 0 {
		for i := range savedTheta {
			savedTheta[i] = 10
		}
	} else {
		floats.ScaleTo(savedTheta, 100, theta)
	}
	k := s.opts.StartIteration

	if cp := s.opts.Checkpoint; cp != nil {
		state, err := cp.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if state != nil {
			if len(state.Theta) != n || len(state.SavedTheta) != n {
				return nil, errdefs.NewConfigError("checkpoint", "has %d parameters, x0 has %d", len(state.Theta), n)
			}
			theta = slices.Clone(state.Theta)
			savedTheta = slices.Clone(state.SavedTheta)
			k = state.NIter
			loss.n = state.NFev
			slog.Info("Found existing state, resuming", "iteration", k, "evaluations", loss.n)
		}
	}

	stall := newStallTracker(s.opts.Stall)
	stalled := false
	thetaPlus := make([]float64, n)
	thetaMinus := make([]float64, n)
	ghat := make([]float64, n)

	diff := relativeChange(savedTheta, theta)
	for diff > s.opts.Tolerance && k < s.opts.MaxIterations && !stalled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		copy(savedTheta, theta)
		ak := s.opts.Gain / math.Pow(float64(k)+1+s.opts.Stability, s.opts.Alpha)
		ck := s.opts.Perturbation / math.Pow(float64(k)+1, s.opts.Gamma)
		delta := s.perturbation(k, n)

		floats.AddScaledTo(thetaPlus, theta, ck, delta)
		floats.AddScaledTo(thetaMinus, theta, -ck, delta)
		s.bounds.ClampVector(thetaPlus)
		s.bounds.ClampVector(thetaMinus)

		yPlus, err := loss.call(ctx, thetaPlus)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", k, err)
		}
		yMinus, err := loss.call(ctx, thetaMinus)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", k, err)
		}

		yDiff := yPlus - yMinus
		if g := math.Abs(yDiff); s.opts.MaxGradient > 0 && g > s.opts.MaxGradient {
			yDiff *= s.opts.MaxGradient / g
		}
		for i := range ghat {
			ghat[i] = yDiff / (2 * ck * delta[i])
		}
		floats.AddScaled(theta, -ak, ghat)
		s.bounds.ClampVector(theta)

		diff = relativeChange(savedTheta, theta)
		k++
		avg := (yPlus + yMinus) / 2

		if s.opts.LogEvery > 0 && k%s.opts.LogEvery == 0 {
			slog.Info("SPSA iteration", "iteration", k, "theta", theta, "avg_loss", avg, "change", diff)
		}
		if cb != nil {
			cb(slices.Clone(savedTheta), avg)
		}

		if cp := s.opts.Checkpoint; cp != nil {
			state := State{
				NFev:       loss.n,
				NIter:      k,
				SavedTheta: slices.Clone(savedTheta),
				Theta:      slices.Clone(theta),
			}
			if err := cp.Save(state); err != nil {
				return nil, fmt.Errorf("failed to save checkpoint: %w", err)
			}
		}

		stalled = stall.update(avg)
	}

	var reason, message string
	switch {
	case diff <= s.opts.Tolerance:
		reason = ReasonTolerance
		message = fmt.Sprintf("Stopped due to parameter change being below threshold (%g vs %g)", diff, s.opts.Tolerance)
	case stalled:
		reason = ReasonStalled
		message = fmt.Sprintf("No significant improvement for %d iterations", s.opts.Stall.Patience)
	default:
		reason = ReasonMaxIterations
		message = "Maximum number of iterations exceeded"
	}

	fval, err := loss.call(ctx, theta)
	if err != nil {
		return nil, fmt.Errorf("final evaluation: %w", err)
	}

	if cp := s.opts.Checkpoint; cp != nil {
		if err := cp.Delete(); err != nil {
			slog.Warn("Failed to delete checkpoint", "error", err)
		}
	}

	return &Result{
		X:           theta,
		Fun:         fval,
		Iterations:  k,
		Evaluations: loss.n,
		Reason:      reason,
		Message:     message,
		Success:     true,
	}, nil
}
