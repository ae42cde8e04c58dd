package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/storyloop/internal/tui"
	"github.com/spf13/cobra"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open the interactive board",
	Long: `Opens a live three-column board of the backlog. Stories can be inspected,
stuck in-progress stories reopened, and the loop paused or resumed while it runs.`,
	Args: cobra.NoArgs,
	RunE: runUI,
}

func init() {
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}

	p := tea.NewProgram(tui.New(s, eventLog(), cfg.PausePath()), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
