// Package config loads the YAML run configuration used by the coep CLI.
package config

// Config is the top-level run configuration.
type Config struct {
	// Name identifies the run's checkpoint slot; defaults to the objective name
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Objective ObjectiveConfig `yaml:"objective"`
	Backend   BackendConfig   `yaml:"backend"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Records   *RecordsConfig  `yaml:"records,omitempty"`
}

// ObjectiveConfig selects a built-in objective and its data.
type ObjectiveConfig struct {
	Name           string           `yaml:"name"`
	ParameterNames []string         `yaml:"parameter_names"`
	Instances      []map[string]any `yaml:"instances"`
	AuxParams      map[string]any   `yaml:"aux_params,omitempty"`

	// AuxObjectiveParams is handed to the reducer on every evaluation
	AuxObjectiveParams map[string]any `yaml:"aux_objective_params,omitempty"`
}

// BackendConfig selects and tunes the dispatch backend.
type BackendConfig struct {
	Type           string `yaml:"type"`
	Workers        int    `yaml:"workers"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	MaxAttempts    int    `yaml:"max_attempts"`
	HardError      bool   `yaml:"hard_error"`
	RetryFailures  bool   `yaml:"retry_failures"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	Progress       string `yaml:"progress"`
}

// OptimizerConfig selects the optimizer.
type OptimizerConfig struct {
	Type   string        `yaml:"type"`
	X0     []float64     `yaml:"x0,omitempty"`
	SPSA   *SPSAConfig   `yaml:"spsa,omitempty"`
	Grid   *GridConfig   `yaml:"grid,omitempty"`
	Mayfly *MayflyConfig `yaml:"mayfly,omitempty"`
}

// SPSAConfig mirrors opt.SPSAOptions. Zero values select the defaults; a
// negative tolerance disables the tolerance stop.
type SPSAConfig struct {
	Gain           float64      `yaml:"gain"`
	Perturbation   float64      `yaml:"perturbation"`
	Alpha          float64      `yaml:"alpha"`
	Gamma          float64      `yaml:"gamma"`
	Stability      float64      `yaml:"stability"`
	MaxIterations  int          `yaml:"max_iterations"`
	Tolerance      float64      `yaml:"tolerance"`
	Bounds         [][]float64  `yaml:"bounds,omitempty"`
	MaxGradient    float64      `yaml:"max_gradient"`
	Seed           uint64       `yaml:"seed"`
	StartIteration int          `yaml:"start_iteration"`
	Checkpoint     bool         `yaml:"checkpoint"`
	LogEvery       int          `yaml:"log_every"`
	Stall          *StallConfig `yaml:"stall,omitempty"`
}

// StallConfig stops SPSA early once progress stalls.
type StallConfig struct {
	Patience  int     `yaml:"patience"`
	Threshold float64 `yaml:"threshold"`
}

// GridConfig lists the candidates of a grid search.
type GridConfig struct {
	Candidates [][]float64 `yaml:"candidates"`
}

// MayflyConfig mirrors opt.MayflyOptions.
type MayflyConfig struct {
	MaxIterations int     `yaml:"max_iterations"`
	Population    int     `yaml:"population"`
	Seed          int64   `yaml:"seed"`
	Lower         float64 `yaml:"lower"`
	Upper         float64 `yaml:"upper"`
}

// RecordsConfig enables the on-disk run history.
type RecordsConfig struct {
	Dir       string         `yaml:"dir"`
	Overwrite bool           `yaml:"overwrite"`
	Outputs   *OutputsConfig `yaml:"outputs,omitempty"`
}

// OutputsConfig stores every instance outcome under calls/<n>/<group>,
// the group being the listed item fields joined with "_".
type OutputsConfig struct {
	GroupBy []string `yaml:"group_by"`
}
