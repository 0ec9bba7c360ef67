package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kasmith/coep/internal/opt"
	"github.com/kasmith/coep/internal/store"
)

func TestSelectCheckpointsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{Name: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{Name: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{Name: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{Name: "run4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 0, 7)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	names := map[string]bool{}
	for _, info := range toDelete {
		names[info.Name] = true
	}
	if !names["run1"] || !names["run4"] {
		t.Errorf("Expected run1 and run4 to be selected for deletion, got %v", names)
	}
}

func TestSelectCheckpointsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{Name: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{Name: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{Name: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{Name: "run4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 2, 0)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	if toDelete[0].Name != "run4" || toDelete[1].Name != "run1" {
		t.Errorf("Expected oldest first (run4, run1), got %s, %s", toDelete[0].Name, toDelete[1].Name)
	}
}

func TestSelectCheckpointsForDeletion_Combined(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{Name: "run1", Timestamp: now.AddDate(0, 0, -10)},
		{Name: "run2", Timestamp: now.AddDate(0, 0, -5)},
		{Name: "run3", Timestamp: now.AddDate(0, 0, -1)},
		{Name: "run4", Timestamp: now.AddDate(0, 0, -30)},
		{Name: "run5", Timestamp: now.AddDate(0, 0, -2)},
	}

	// Age selects run1 and run4; keeping 2 adds run2 without duplicates.
	toDelete := selectCheckpointsForDeletion(infos, 2, 7)
	if len(toDelete) != 3 {
		t.Errorf("Expected 3 checkpoints to delete, got %d", len(toDelete))
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

// withDataDir points the checkpoint commands at dir for one test.
func withDataDir(t *testing.T, dir string) {
	t.Helper()
	original := checkpointDataDir
	checkpointDataDir = dir
	t.Cleanup(func() { checkpointDataDir = original })
}

func saveCheckpoint(t *testing.T, dir, name string, age time.Duration) {
	t.Helper()
	fsStore, err := store.NewFSStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	cp := store.NewCheckpoint(name, opt.State{NFev: 20, NIter: 10, SavedTheta: []float64{1, 2}, Theta: []float64{1.1, 2.1}})
	cp.Timestamp = time.Now().Add(-age)
	if err := fsStore.SaveCheckpoint(name, cp); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
}

func TestCheckpointsListCommand(t *testing.T) {
	tmpDir := t.TempDir()
	withDataDir(t, tmpDir)

	var out bytes.Buffer
	if err := runListCheckpoints(&out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "No checkpoints found.") {
		t.Errorf("Unexpected output: %s", out.String())
	}

	saveCheckpoint(t, tmpDir, "fit-ab", 0)
	out.Reset()
	if err := runListCheckpoints(&out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "fit-ab") || !strings.Contains(out.String(), "Total checkpoints: 1") {
		t.Errorf("Unexpected output: %s", out.String())
	}
}

func TestCheckpointsCleanCommand_NoFlags(t *testing.T) {
	withDataDir(t, t.TempDir())
	keepLast, olderThanDays = 0, 0

	if err := runCleanCheckpoints(strings.NewReader(""), &bytes.Buffer{}); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestCheckpointsCleanCommand(t *testing.T) {
	tmpDir := t.TempDir()
	withDataDir(t, tmpDir)
	saveCheckpoint(t, tmpDir, "old-run", 30*24*time.Hour)
	saveCheckpoint(t, tmpDir, "new-run", time.Hour)

	keepLast, olderThanDays = 0, 7
	t.Cleanup(func() { keepLast, olderThanDays, forceClean = 0, 0, false })

	// Declining the prompt keeps everything.
	forceClean = false
	var out bytes.Buffer
	if err := runCleanCheckpoints(strings.NewReader("n\n"), &out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("Expected abort, got %s", out.String())
	}
	if _, err := os.Stat(checkpointFile("old-run")); err != nil {
		t.Fatal("Checkpoint should survive an aborted clean")
	}

	forceClean = true
	out.Reset()
	if err := runCleanCheckpoints(strings.NewReader(""), &out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := os.Stat(checkpointFile("old-run")); !os.IsNotExist(err) {
		t.Error("Expected old checkpoint to be deleted")
	}
	if _, err := os.Stat(checkpointFile("new-run")); err != nil {
		t.Error("Recent checkpoint should be kept")
	}
}
