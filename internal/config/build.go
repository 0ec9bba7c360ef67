package config

import (
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/objective"
	"github.com/kasmith/coep/internal/objective/builtin"
	"github.com/kasmith/coep/internal/opt"
)

// DispatchConfig returns the backend configuration. metrics may be nil.
func (c *Config) DispatchConfig(metrics *dispatch.Metrics) dispatch.Config {
	return dispatch.Config{
		Type:         c.Backend.Type,
		Workers:      c.Backend.Workers,
		PollInterval: time.Duration(c.Backend.PollIntervalMs) * time.Millisecond,
		MaxAttempts:  c.Backend.MaxAttempts,
		Metrics:      metrics,
	}
}

// DispatchOptions returns the per-batch dispatch options.
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatchOptions(&c.Backend)
}

// Definition builds the objective definition from the built-in registry.
func (c *Config) Definition() (objective.Definition, error) {
	def := objective.Definition{
		Name:           c.Objective.Name,
		ParameterNames: slices.Clone(c.Objective.ParameterNames),
		Instances:      c.Objective.Instances,
		AuxParams:      c.Objective.AuxParams,
	}
	if err := builtin.Apply(&def); err != nil {
		return objective.Definition{}, err
	}
	return def, nil
}

// X0 returns the starting point, zeros when none is configured.
func (c *Config) X0() []float64 {
	if len(c.Optimizer.X0) > 0 {
		return slices.Clone(c.Optimizer.X0)
	}
	return make([]float64, len(c.Objective.ParameterNames))
}

// CheckpointEnabled reports whether SPSA state should be persisted.
func (c *Config) CheckpointEnabled() bool {
	return c.Optimizer.Type == OptimizerSPSA && c.Optimizer.SPSA.Checkpoint
}

// NewOptimizer builds the configured optimizer. cp is only used by SPSA
// with checkpointing enabled.
func (c *Config) NewOptimizer(cp opt.Checkpointer) (opt.Optimizer, error) {
	o := c.Optimizer
	switch o.Type {
	case OptimizerSPSA:
		s := o.SPSA
		opts := opt.SPSAOptions{
			Gain:           s.Gain,
			Perturbation:   s.Perturbation,
			Alpha:          s.Alpha,
			Gamma:          s.Gamma,
			Stability:      s.Stability,
			MaxIterations:  s.MaxIterations,
			Tolerance:      s.Tolerance,
			MaxGradient:    s.MaxGradient,
			Seed:           s.Seed,
			StartIteration: s.StartIteration,
			LogEvery:       s.LogEvery,
		}
		for _, b := range s.Bounds {
			opts.Bounds = append(opts.Bounds, [2]float64{b[0], b[1]})
		}
		if s.Stall != nil {
			opts.Stall = opt.StallConfig{Patience: s.Stall.Patience, Threshold: s.Stall.Threshold}
		}
		if s.Checkpoint {
			opts.Checkpoint = cp
		}
		return opt.NewSPSA(opts)
	case OptimizerGrid:
		return opt.NewGridSearch(o.Grid.Candidates)
	case OptimizerMayfly:
		m := o.Mayfly
		return opt.NewMayfly(opt.MayflyOptions{
			MaxIterations: m.MaxIterations,
			Population:    m.Population,
			Seed:          m.Seed,
			Lower:         m.Lower,
			Upper:         m.Upper,
		})
	}
	return nil, fmt.Errorf("invalid optimizer type: %s", o.Type)
}

// RunOptions flattens the optimizer section into the map recorded with
// every run.
func (c *Config) RunOptions() (map[string]any, error) {
	data, err := yaml.Marshal(c.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode optimizer options: %w", err)
	}
	var options map[string]any
	if err := yaml.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("failed to decode optimizer options: %w", err)
	}
	return options, nil
}
