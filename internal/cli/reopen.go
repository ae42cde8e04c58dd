package cli

import (
	"fmt"

	"github.com/imkarma/storyloop/internal/events"
	"github.com/spf13/cobra"
)

var reopenCmd = &cobra.Command{
	Use:   "reopen [story-id]",
	Short: "Move an in-progress story back to open",
	Long:  "Releases a story whose agent died or was interrupted so the loop can pick it up again.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReopen,
}

func init() {
	rootCmd.AddCommand(reopenCmd)
}

func runReopen(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	id := args[0]

	if err := s.Reopen(cmd.Context(), id); err != nil {
		return err
	}
	if err := eventLog().Emit(events.StoryReopened, map[string]any{"reason": "manual"}, id, ""); err != nil {
		return err
	}

	fmt.Printf("Reopened %s\n", cyan(id))
	return nil
}
