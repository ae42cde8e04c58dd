package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetPaused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "pause")

	if IsPaused(path) {
		t.Fatal("expected not paused before the sentinel exists")
	}
	if err := SetPaused(path, true); err != nil {
		t.Fatalf("SetPaused(true): %v", err)
	}
	if !IsPaused(path) {
		t.Fatal("expected paused after SetPaused(true)")
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		t.Errorf("expected a timestamp in the sentinel, got %q (%v)", data, err)
	}

	if err := SetPaused(path, false); err != nil {
		t.Fatalf("SetPaused(false): %v", err)
	}
	if IsPaused(path) {
		t.Fatal("expected not paused after SetPaused(false)")
	}
	if err := SetPaused(path, false); err != nil {
		t.Errorf("resuming twice should be a no-op, got %v", err)
	}
}

func TestIsPaused_EmptyPath(t *testing.T) {
	if IsPaused("") {
		t.Error("an empty sentinel path is never paused")
	}
}
