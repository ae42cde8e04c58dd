package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/imkarma/storyloop/internal/events"
	"github.com/imkarma/storyloop/internal/ledger"
	"github.com/imkarma/storyloop/internal/store"
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover [run-id]",
	Short: "Recover from a crashed or interrupted run",
	Long: `Cleans up after a run that was interrupted by a crash, Ctrl+C, or system restart.

Without arguments, lists runs that never finished so you can pick one.
With a run ID (or a unique prefix of one), recovers that run.

Recovering will:
  1. Reopen every story left in_progress
  2. Mark the run as interrupted
Then start a fresh loop with 'storyloop run'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	if len(args) == 0 {
		return listUnfinishedRuns(cmd, led)
	}
	return recoverRun(cmd, led, args[0])
}

func listUnfinishedRuns(cmd *cobra.Command, led *ledger.Ledger) error {
	runs, err := led.ListInterruptedRuns()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Printf("  %s No unfinished runs found.\n", green("✓"))
		return nil
	}

	fmt.Printf("%s\n\n", bold("Unfinished runs"))
	for _, run := range runs {
		age := time.Since(run.StartedAt).Truncate(time.Second)
		fmt.Printf("  %s  %s %s\n", yellow(run.Tag), dim(run.ID), run.Mode)
		fmt.Printf("    Started:  %s (%s ago)\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"), age)
		fmt.Printf("    Settings: max-iterations=%d\n", run.MaxIterations)
	}

	if s, err := mustStore(); err == nil {
		if doc, err := s.Load(cmd.Context()); err == nil {
			var stuck []string
			for _, st := range doc.Stories {
				if st.Status == store.StatusInProgress {
					stuck = append(stuck, st.ID)
				}
			}
			if len(stuck) > 0 {
				fmt.Printf("\n  %s\n", red(fmt.Sprintf("%d stuck in_progress: %s", len(stuck), strings.Join(stuck, ", "))))
			}
		}
	}

	fmt.Printf("\n  Recover with: %s\n", cyan("storyloop recover <run-id>"))
	return nil
}

func recoverRun(cmd *cobra.Command, led *ledger.Ledger, idOrPrefix string) error {
	runs, err := led.ListInterruptedRuns()
	if err != nil {
		return err
	}

	var target *ledger.Run
	for i := range runs {
		if runs[i].ID == idOrPrefix || runs[i].Tag == idOrPrefix || strings.HasPrefix(runs[i].ID, idOrPrefix) {
			if target != nil {
				return fmt.Errorf("run %q is ambiguous", idOrPrefix)
			}
			target = &runs[i]
		}
	}
	if target == nil {
		return fmt.Errorf("run %s not found or already finished", idOrPrefix)
	}

	s, err := mustStore()
	if err != nil {
		return err
	}

	fmt.Printf("%s\n\n", bold("storyloop recover"))
	fmt.Printf("  Run:      %s %s\n", yellow(target.Tag), dim(target.ID))
	fmt.Printf("  Started:  %s\n", target.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Println()

	// Step 1: reopen stuck stories.
	reopened, err := s.ReopenInProgress(cmd.Context())
	if err != nil {
		return fmt.Errorf("reopen stories: %w", err)
	}
	log := eventLog().WithRun(target.ID, target.Mode)
	for _, id := range reopened {
		if err := log.Emit(events.StoryReopened, map[string]any{"reason": "recover"}, id, ""); err != nil {
			return err
		}
	}
	if len(reopened) > 0 {
		fmt.Printf("  %s reopened %s\n", yellow("↺"), strings.Join(reopened, ", "))
	} else {
		fmt.Printf("  %s no stories to reopen\n", green("✓"))
	}

	// Step 2: close out the run.
	if err := led.EndRun(target.ID, ledger.RunInterrupted, "recovered"); err != nil {
		return err
	}
	fmt.Printf("  %s marked run %s as interrupted\n\n", green("✓"), target.Tag)
	fmt.Printf("  Continue with: %s\n", cyan("storyloop run"))
	return nil
}
