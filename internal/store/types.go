package store

import (
	"fmt"
	"time"

	"github.com/kasmith/coep/internal/opt"
)

// Checkpoint is the persisted SPSA state plus bookkeeping. The optimizer
// fields are inlined so the file keeps the n_fev / n_iter / saved_theta /
// theta layout.
type Checkpoint struct {
	opt.State

	// Name identifies the run the checkpoint belongs to
	Name string `json:"name"`

	// Timestamp records when this checkpoint was written
	Timestamp time.Time `json:"timestamp"`
}

// CheckpointInfo contains metadata about a checkpoint without the vectors.
type CheckpointInfo struct {
	Name        string    `json:"name"`
	Iteration   int       `json:"iteration"`
	Evaluations int       `json:"evaluations"`
	Dimensions  int       `json:"dimensions"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewCheckpoint wraps optimizer state for persistence.
func NewCheckpoint(name string, state opt.State) *Checkpoint {
	return &Checkpoint{
		State:     state,
		Name:      name,
		Timestamp: time.Now(),
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		Name:        c.Name,
		Iteration:   c.NIter,
		Evaluations: c.NFev,
		Dimensions:  len(c.Theta),
		Timestamp:   c.Timestamp,
	}
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "Name", Reason: "cannot be empty"}
	}
	if len(c.Theta) == 0 {
		return &ValidationError{Field: "Theta", Reason: "cannot be empty"}
	}
	if len(c.SavedTheta) != len(c.Theta) {
		return &ValidationError{
			Field:  "SavedTheta",
			Reason: fmt.Sprintf("length mismatch: expected %d, got %d", len(c.Theta), len(c.SavedTheta)),
		}
	}
	if c.NIter < 0 {
		return &ValidationError{Field: "NIter", Reason: "cannot be negative"}
	}
	if c.NFev < 0 {
		return &ValidationError{Field: "NFev", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can resume a run over the given
// parameter count.
func (c *Checkpoint) IsCompatible(dimensions int) error {
	if len(c.Theta) != dimensions {
		return &CompatibilityError{
			Field:    "Dimensions",
			Expected: fmt.Sprintf("%d", len(c.Theta)),
			Actual:   fmt.Sprintf("%d", dimensions),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
