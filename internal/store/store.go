// Package store persists optimizer checkpoints and the append-only
// records of optimization runs on the local filesystem.
package store

// Store defines the interface for checkpoint persistence operations.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if checkpoint doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint atomically saves a checkpoint under the given name,
	// overwriting any previous one.
	SaveCheckpoint(name string, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the named checkpoint.
	// Returns ErrNotFound if no checkpoint exists for this name.
	LoadCheckpoint(name string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for all available checkpoints.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the named checkpoint.
	// Returns ErrNotFound if no checkpoint exists for this name.
	DeleteCheckpoint(name string) error
}

// ErrNotFound is returned when a requested checkpoint or record does not
// exist. Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint or record.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return "not found: " + e.Name
	}
	return "not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
