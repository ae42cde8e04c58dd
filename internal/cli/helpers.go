package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/imkarma/storyloop/internal/events"
	"github.com/imkarma/storyloop/internal/iteration"
	"github.com/imkarma/storyloop/internal/ledger"
	"github.com/imkarma/storyloop/internal/store"
)

var defaultConfigPath = filepath.Join(".storyloop", "config.yaml")

var (
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// mustStore returns the backlog store, or an error if the backlog is missing.
func mustStore() (*store.Store, error) {
	s := store.New(cfg.Backlog)
	if err := s.Exists(); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("backlog %s not found. Run: storyloop init", cfg.Backlog)
		}
		return nil, err
	}
	return s, nil
}

// eventLog returns the project's event log, creating the state dir so the
// first append can open the file.
func eventLog() *events.Log {
	_ = os.MkdirAll(cfg.StateDir, 0755)
	return events.New(cfg.EventsPath())
}

func recorder() *iteration.Recorder {
	return iteration.NewRecorder(cfg.StateDir)
}

func openLedger() (*ledger.Ledger, error) {
	return ledger.Open(cfg.LedgerPath())
}

func statusColor(st store.Status) func(...any) string {
	switch st {
	case store.StatusDone:
		return green
	case store.StatusInProgress:
		return blue
	default:
		return fmt.Sprint
	}
}

func outcomeColor(outcome string) func(...any) string {
	switch outcome {
	case "completed":
		return green
	case "incomplete":
		return yellow
	default:
		return red
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
