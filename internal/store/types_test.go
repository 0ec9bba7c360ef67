package store

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCheckpointJSONLayout(t *testing.T) {
	cp := NewCheckpoint("run", testState())
	cp.Timestamp = time.Date(2025, 10, 23, 10, 30, 0, 0, time.UTC)

	data, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("Failed to marshal checkpoint: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	for _, key := range []string{"n_fev", "n_iter", "saved_theta", "theta", "name", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("Expected top-level key %q in %s", key, data)
		}
	}

	var restored Checkpoint
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Failed to unmarshal checkpoint: %v", err)
	}
	if restored.NIter != 20 || !restored.Timestamp.Equal(cp.Timestamp) {
		t.Errorf("Round trip mismatch: %+v", restored)
	}
}

func TestCheckpointValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Checkpoint)
		field  string
	}{
		{"valid", func(*Checkpoint) {}, ""},
		{"empty name", func(c *Checkpoint) { c.Name = "" }, "Name"},
		{"empty theta", func(c *Checkpoint) { c.Theta = nil; c.SavedTheta = nil }, "Theta"},
		{"length mismatch", func(c *Checkpoint) { c.SavedTheta = c.SavedTheta[:2] }, "SavedTheta"},
		{"negative iteration", func(c *Checkpoint) { c.NIter = -1 }, "NIter"},
		{"negative evaluations", func(c *Checkpoint) { c.NFev = -1 }, "NFev"},
		{"zero timestamp", func(c *Checkpoint) { c.Timestamp = time.Time{} }, "Timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewCheckpoint("run", testState())
			tt.modify(cp)
			err := cp.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("Expected valid checkpoint, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("Expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestCheckpointIsCompatible(t *testing.T) {
	cp := NewCheckpoint("run", testState())

	if err := cp.IsCompatible(3); err != nil {
		t.Errorf("Expected compatible, got %v", err)
	}
	err := cp.IsCompatible(4)
	var ce *CompatibilityError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CompatibilityError, got %v", err)
	}
	if !strings.Contains(err.Error(), "expected 3, got 4") {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestCheckpointToInfo(t *testing.T) {
	info := NewCheckpoint("run", testState()).ToInfo()
	if info.Name != "run" || info.Iteration != 20 || info.Evaluations != 42 || info.Dimensions != 3 {
		t.Errorf("Unexpected info: %+v", info)
	}
}
