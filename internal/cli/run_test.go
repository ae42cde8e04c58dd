package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/imkarma/storyloop/internal/config"
	"github.com/imkarma/storyloop/internal/store"
)

// withConfig points the package config at a temp project for one test.
func withConfig(t *testing.T, backlog string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	c.Backlog = filepath.Join(dir, "backlog.json")
	c.StateDir = filepath.Join(dir, ".storyloop")
	if err := os.WriteFile(c.Backlog, []byte(backlog), 0644); err != nil {
		t.Fatalf("write backlog: %v", err)
	}

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func TestRun_InvalidBacklogWritesNoState(t *testing.T) {
	for name, body := range map[string]string{
		"truncated":  `{"stories": [`,
		"no stories": `{"project": "demo"}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := withConfig(t, body)
			runCmd.SetContext(context.Background())

			err := runRun(runCmd, nil)
			if !errors.Is(err, store.ErrCorruptDocument) {
				t.Fatalf("expected ErrCorruptDocument, got %v", err)
			}
			if _, err := os.Stat(c.StateDir); !os.IsNotExist(err) {
				t.Errorf("state dir created for an invalid backlog: %v", err)
			}
			if _, err := os.Stat(c.LedgerPath()); !os.IsNotExist(err) {
				t.Errorf("ledger created for an invalid backlog: %v", err)
			}
		})
	}
}
