package cli

import (
	"fmt"
	"sort"

	"github.com/imkarma/storyloop/internal/config"
	"github.com/imkarma/storyloop/internal/iteration"
	"github.com/imkarma/storyloop/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	doc, err := s.Load(cmd.Context())
	if err != nil {
		return err
	}

	counts := doc.Counts()
	fmt.Printf("%s %s\n", bold("Project:"), doc.Project)
	fmt.Printf("%s\n", bold(fmt.Sprintf("Stories: %d total", len(doc.Stories))))
	fmt.Printf("  %-14s %d\n", "open:", counts[store.StatusOpen])
	fmt.Printf("  %-14s %s\n", "in_progress:", blue(counts[store.StatusInProgress]))
	fmt.Printf("  %-14s %s\n", "done:", green(counts[store.StatusDone]))

	if idx := doc.NextEligible(); idx >= 0 {
		next := doc.Stories[idx]
		fmt.Printf("\n%s %s %s\n", bold("Next:"), cyan(next.ID), next.Title)
	} else if doc.Remaining() > 0 {
		fmt.Printf("\n%s\n", red("No eligible story: the rest are in progress or wait on dependencies."))
	} else {
		fmt.Printf("\n%s\n", green("All stories done."))
	}

	if missing := doc.UnresolvedDependencies(); len(missing) > 0 {
		fmt.Printf("\n%s\n", red("⚠  Unknown dependencies (these stories can never run):"))
		ids := make([]string, 0, len(missing))
		for id := range missing {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %s depends on %v\n", yellow(id), missing[id])
		}
	}

	if config.IsPaused(cfg.PausePath()) {
		fmt.Printf("\n%s the loop stops before its next iteration. Run: %s\n", yellow("Paused:"), cyan("storyloop resume"))
	}

	counter, err := iteration.NewAllocator(cfg.CounterPath()).Current(cmd.Context())
	if err == nil && counter.IterationCount > 0 {
		fmt.Printf("\n%s %d (last %s)\n", bold("Iterations:"), counter.IterationCount, counter.LastIterationID)
	}
	if recs, err := recorder().List(); err == nil && len(recs) > 0 {
		last := recs[len(recs)-1]
		fmt.Printf("  %s %s %s\n", dim(last.EndedAt), last.StoryID, outcomeColor(last.Outcome)(last.Outcome))
	}
	return nil
}
