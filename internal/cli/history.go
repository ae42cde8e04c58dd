package cli

import (
	"fmt"

	"github.com/imkarma/storyloop/internal/iteration"
	"github.com/imkarma/storyloop/internal/ledger"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [story-id]",
	Short: "Show past iterations",
	Long: `Lists recorded iterations from the run ledger, newest last. With a story id,
shows only the attempts at that story.

--runs lists recent runs instead. --rebuild recreates the ledger's iteration
index from the records on disk.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var (
	historyRebuild bool
	historyRuns    int
)

func init() {
	historyCmd.Flags().BoolVar(&historyRebuild, "rebuild", false, "Rebuild the ledger from iteration records")
	historyCmd.Flags().IntVar(&historyRuns, "runs", 0, "List the N most recent runs")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	if historyRebuild {
		recs, err := recorder().List()
		if err != nil {
			return err
		}
		if err := led.Rebuild(recs); err != nil {
			return err
		}
		fmt.Printf("%s rebuilt ledger from %d records\n", green("✓"), len(recs))
	}

	if historyRuns > 0 {
		return printRuns(led, historyRuns)
	}

	storyID := ""
	if len(args) > 0 {
		storyID = args[0]
	}
	recs, err := led.ListIterations(storyID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		if storyID != "" {
			fmt.Printf("No iterations for %s\n", storyID)
		} else {
			fmt.Println("No iterations recorded.")
		}
		return nil
	}

	for _, r := range recs {
		printRecord(r)
	}

	if storyID == "" {
		attempts, err := led.AttemptCounts()
		if err == nil && len(attempts) > 0 {
			fmt.Printf("\n%s %d iterations over %d stories\n", bold("Total:"), len(recs), len(attempts))
		}
	}
	return nil
}

func printRuns(led *ledger.Ledger, limit int) error {
	runs, err := led.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, r := range runs {
		paint := fmt.Sprint
		switch r.Status {
		case ledger.RunCompleted:
			paint = green
		case ledger.RunInterrupted, ledger.RunFailed:
			paint = red
		case ledger.RunRunning:
			paint = yellow
		}
		fmt.Printf("  %s  %s %s %s\n", cyan(r.Tag), paint(padRight(r.Status, 11)), dim(padRight(r.StopReason, 14)), dim(r.ID))
	}
	return nil
}

func printRecord(r iteration.Record) {
	files := ""
	if n := len(r.CommittedFiles); n > 0 {
		files = fmt.Sprintf(" %d committed", n)
	}
	if n := len(r.DirtyFiles); n > 0 {
		files += fmt.Sprintf(" %d dirty", n)
	}
	fmt.Printf("  %s  %-9s %s %s %s%s\n",
		dim(r.EndedAt),
		r.IterationID,
		cyan(padRight(r.StoryID, 10)),
		outcomeColor(r.Outcome)(padRight(r.Outcome, 11)),
		dim(fmt.Sprintf("exit=%d %.0fs", r.ExitCode, r.DurationSeconds)),
		files,
	)
}
