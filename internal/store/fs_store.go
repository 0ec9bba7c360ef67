package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kasmith/coep/internal/opt"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Checkpoints are stored as <baseDir>/checkpoints/<name>.json.
//
// Thread-safety: writes go through temp file + rename, so concurrent
// readers never observe a partial checkpoint.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (fs *FSStore) checkpointDir() string {
	return filepath.Join(fs.baseDir, "checkpoints")
}

// checkpointPath returns the path to the checkpoint file for a name.
func (fs *FSStore) checkpointPath(name string) string {
	return filepath.Join(fs.checkpointDir(), name+".json")
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("checkpoint name cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}

// writeJSONAtomic writes v as indented JSON through a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON decodes the file at path into v, mapping a missing file to
// NotFoundError.
func readJSON(path, name string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Name: name}
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to deserialize %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SaveCheckpoint atomically saves a checkpoint under name.
func (fs *FSStore) SaveCheckpoint(name string, checkpoint *Checkpoint) error {
	if err := validName(name); err != nil {
		return err
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := os.MkdirAll(fs.checkpointDir(), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	path := fs.checkpointPath(name)
	if err := writeJSONAtomic(path, checkpoint); err != nil {
		return err
	}

	slog.Debug("Checkpoint saved", "name", name, "iteration", checkpoint.NIter, "path", path)
	return nil
}

// LoadCheckpoint retrieves the named checkpoint.
func (fs *FSStore) LoadCheckpoint(name string) (*Checkpoint, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	path := fs.checkpointPath(name)
	var checkpoint Checkpoint
	if err := readJSON(path, name, &checkpoint); err != nil {
		return nil, err
	}

	slog.Debug("Checkpoint loaded", "name", name, "path", path)
	return &checkpoint, nil
}

// ListCheckpoints returns metadata for all available checkpoints.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(fs.checkpointDir())
	if os.IsNotExist(err) {
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".json")
		checkpoint, err := fs.LoadCheckpoint(name)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "name", name, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the named checkpoint.
func (fs *FSStore) DeleteCheckpoint(name string) error {
	if err := validName(name); err != nil {
		return err
	}

	path := fs.checkpointPath(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Name: name}
		}
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}

	slog.Debug("Checkpoint deleted", "name", name, "path", path)
	return nil
}

// Checkpointer binds one checkpoint slot of the store to the optimizer.
func (fs *FSStore) Checkpointer(name string) opt.Checkpointer {
	return &slot{store: fs, name: name}
}

type slot struct {
	store Store
	name  string
}

func (s *slot) Load() (*opt.State, error) {
	checkpoint, err := s.store.LoadCheckpoint(s.name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", s.name, err)
	}
	state := checkpoint.State
	return &state, nil
}

func (s *slot) Save(state opt.State) error {
	return s.store.SaveCheckpoint(s.name, NewCheckpoint(s.name, state))
}

func (s *slot) Delete() error {
	err := s.store.DeleteCheckpoint(s.name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
