package cli

import (
	"fmt"
	"strings"

	"github.com/imkarma/storyloop/internal/store"
	"github.com/spf13/cobra"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Print the backlog as a board",
	Args:  cobra.NoArgs,
	RunE:  runBoard,
}

func init() {
	rootCmd.AddCommand(boardCmd)
}

func runBoard(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	doc, err := s.Load(cmd.Context())
	if err != nil {
		return err
	}

	if len(doc.Stories) == 0 {
		fmt.Printf("%s Add stories to %s\n", dim("Backlog is empty."), cyan(cfg.Backlog))
		return nil
	}

	// Group stories by status, keeping document order.
	columns := map[store.Status][]store.Story{}
	for _, st := range doc.Stories {
		columns[st.Status] = append(columns[st.Status], st)
	}

	type col struct {
		status store.Status
		label  string
	}
	order := []col{
		{store.StatusOpen, "OPEN"},
		{store.StatusInProgress, "IN PROGRESS"},
		{store.StatusDone, "DONE"},
	}

	// Pad on visible text, then color, so ANSI codes don't skew the columns.
	colWidth := 30
	headerLine := ""
	sepLine := ""
	for _, c := range order {
		header := padRight(fmt.Sprintf(" %s (%d)", c.label, len(columns[c.status])), colWidth)
		headerLine += bold(statusColor(c.status)(header))
		sepLine += strings.Repeat("─", colWidth)
	}
	fmt.Println(headerLine)
	fmt.Println(dim(sepLine))

	maxRows := 0
	for _, c := range order {
		maxRows = max(maxRows, len(columns[c.status]))
	}

	unresolved := doc.UnresolvedDependencies()
	next := ""
	if idx := doc.NextEligible(); idx >= 0 {
		next = doc.Stories[idx].ID
	}

	for i := 0; i < maxRows; i++ {
		line := ""
		for _, c := range order {
			stories := columns[c.status]
			if i >= len(stories) {
				line += strings.Repeat(" ", colWidth)
				continue
			}
			st := stories[i]
			id := st.ID
			title := truncate(st.Title, max(colWidth-len(id)-4, 0))
			card := padRight(fmt.Sprintf(" %s %s", id, title), colWidth)
			switch {
			case st.ID == next:
				card = strings.Replace(card, id, cyan(id), 1)
			case len(unresolved[st.ID]) > 0:
				card = strings.Replace(card, id, red(id), 1)
			default:
				card = strings.Replace(card, id, yellow(id), 1)
			}
			line += card
		}
		fmt.Println(line)
	}

	counts := doc.Counts()
	fmt.Println()
	fmt.Printf("%s", bold(fmt.Sprintf("%d stories", len(doc.Stories))))
	if n := counts[store.StatusDone]; n > 0 {
		fmt.Printf("  %s", green(fmt.Sprintf("✓ %d done", n)))
	}
	if n := counts[store.StatusInProgress]; n > 0 {
		fmt.Printf("  %s", blue(fmt.Sprintf("● %d in progress", n)))
	}
	if next != "" {
		fmt.Printf("  next: %s", cyan(next))
	}
	fmt.Println()
	return nil
}
