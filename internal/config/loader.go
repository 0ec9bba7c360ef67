package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/objective/builtin"
)

// Optimizer types.
const (
	OptimizerSPSA   = "spsa"
	OptimizerGrid   = "grid"
	OptimizerMayfly = "mayfly"
)

const (
	defaultLogLevel = "info"
	defaultDataDir  = ".coep"
)

// LoadConfig loads and parses a configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills every unset field that has a default. Backend and
// optimizer tuning defaults live with dispatch and opt.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Objective.Name
	}
	if cfg.Backend.Type == "" {
		cfg.Backend.Type = dispatch.TypeLocal
	}
	if cfg.Backend.Progress == "" {
		cfg.Backend.Progress = string(dispatch.ProgressNone)
	}
	if cfg.Optimizer.Type == "" {
		cfg.Optimizer.Type = OptimizerSPSA
	}
	if cfg.Optimizer.Type == OptimizerSPSA && cfg.Optimizer.SPSA == nil {
		cfg.Optimizer.SPSA = &SPSAConfig{}
	}
}

// validateConfig performs validation on the configuration
func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if err := validateObjective(&cfg.Objective); err != nil {
		return fmt.Errorf("objective validation failed: %w", err)
	}
	if err := validateBackend(&cfg.Backend); err != nil {
		return fmt.Errorf("backend validation failed: %w", err)
	}
	if err := validateOptimizer(&cfg.Optimizer, len(cfg.Objective.ParameterNames)); err != nil {
		return fmt.Errorf("optimizer validation failed: %w", err)
	}

	if cfg.Records != nil {
		if cfg.Records.Dir == "" {
			return fmt.Errorf("records dir cannot be empty")
		}
		if out := cfg.Records.Outputs; out != nil {
			for _, g := range out.GroupBy {
				if g == "" {
					return fmt.Errorf("records outputs group_by cannot contain an empty field")
				}
			}
		}
	}
	return nil
}

// validateObjective validates the objective section
func validateObjective(o *ObjectiveConfig) error {
	if o.Name == "" {
		return fmt.Errorf("objective name cannot be empty")
	}
	if !slices.Contains(builtin.Names(), o.Name) {
		return fmt.Errorf("unknown objective: %s (must be one of %v)", o.Name, builtin.Names())
	}
	if len(o.ParameterNames) == 0 {
		return fmt.Errorf("at least one parameter name must be defined")
	}
	seen := make(map[string]bool)
	for _, name := range o.ParameterNames {
		if name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate parameter name: %s", name)
		}
		seen[name] = true
	}
	if len(o.Instances) == 0 {
		return fmt.Errorf("at least one instance must be defined")
	}
	return nil
}

// validateBackend validates the backend section
func validateBackend(b *BackendConfig) error {
	validTypes := map[string]bool{
		dispatch.TypeLocal:      true,
		dispatch.TypeCluster:    true,
		dispatch.TypeSequential: true,
	}
	if !validTypes[b.Type] {
		return fmt.Errorf("invalid backend type: %s (must be local, cluster, or sequential)", b.Type)
	}
	if b.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", b.Workers)
	}
	if b.PollIntervalMs < 0 {
		return fmt.Errorf("poll_interval_ms cannot be negative, got %d", b.PollIntervalMs)
	}
	if b.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative, got %d", b.MaxAttempts)
	}
	if b.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms cannot be negative, got %d", b.TimeoutMs)
	}
	return dispatchOptions(b).Validate()
}

// validateOptimizer validates the optimizer section against the number of
// objective parameters.
func validateOptimizer(o *OptimizerConfig, dim int) error {
	if len(o.X0) > 0 && len(o.X0) != dim {
		return fmt.Errorf("x0 has %d values, expected %d", len(o.X0), dim)
	}

	switch o.Type {
	case OptimizerSPSA:
		s := o.SPSA
		if s.MaxIterations < 0 {
			return fmt.Errorf("spsa max_iterations cannot be negative, got %d", s.MaxIterations)
		}
		if s.MaxGradient < 0 {
			return fmt.Errorf("spsa max_gradient cannot be negative, got %f", s.MaxGradient)
		}
		if s.LogEvery < 0 {
			return fmt.Errorf("spsa log_every cannot be negative, got %d", s.LogEvery)
		}
		if len(s.Bounds) > 0 && len(s.Bounds) != dim {
			return fmt.Errorf("spsa bounds has %d pairs, expected %d", len(s.Bounds), dim)
		}
		for i, b := range s.Bounds {
			if len(b) != 2 {
				return fmt.Errorf("spsa bounds %d must be a [lo, hi] pair", i)
			}
			if b[0] >= b[1] {
				return fmt.Errorf("spsa bounds %d: lower %g must be below upper %g", i, b[0], b[1])
			}
		}
		if s.Stall != nil && s.Stall.Patience < 0 {
			return fmt.Errorf("spsa stall patience cannot be negative, got %d", s.Stall.Patience)
		}
	case OptimizerGrid:
		if o.Grid == nil || len(o.Grid.Candidates) == 0 {
			return fmt.Errorf("grid requires at least one candidate")
		}
		for i, c := range o.Grid.Candidates {
			if len(c) != dim {
				return fmt.Errorf("grid candidate %d has %d values, expected %d", i, len(c), dim)
			}
		}
	case OptimizerMayfly:
		m := o.Mayfly
		if m == nil {
			return fmt.Errorf("mayfly section is required")
		}
		if m.MaxIterations <= 0 {
			return fmt.Errorf("mayfly max_iterations must be positive, got %d", m.MaxIterations)
		}
		if m.Population < 0 {
			return fmt.Errorf("mayfly population cannot be negative, got %d", m.Population)
		}
		if m.Lower >= m.Upper {
			return fmt.Errorf("mayfly lower %g must be below upper %g", m.Lower, m.Upper)
		}
	default:
		return fmt.Errorf("invalid optimizer type: %s (must be spsa, grid, or mayfly)", o.Type)
	}
	return nil
}

func dispatchOptions(b *BackendConfig) dispatch.Options {
	return dispatch.Options{
		Progress:      dispatch.ProgressMode(b.Progress),
		HardError:     b.HardError,
		RetryFailures: b.RetryFailures,
		Timeout:       time.Duration(b.TimeoutMs) * time.Millisecond,
	}
}
