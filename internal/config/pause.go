package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IsPaused reports whether the pause sentinel exists at path.
func IsPaused(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// SetPaused creates or removes the pause sentinel at path. The sentinel
// holds the time it was created; only its presence matters.
func SetPaused(path string, paused bool) error {
	if !paused {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove pause file: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0644); err != nil {
		return fmt.Errorf("write pause file: %w", err)
	}
	return nil
}
