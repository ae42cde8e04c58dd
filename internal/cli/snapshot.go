package cli

import (
	"fmt"
	"time"

	"github.com/imkarma/storyloop/internal/store"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Regenerate the project snapshot",
	Long:  "Writes a disposable summary of the backlog (project, story ids, counts) to the state directory.",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	doc, err := s.Load(cmd.Context())
	if err != nil {
		return err
	}

	snap := store.BuildSnapshot(doc, time.Now())
	if err := store.WriteSnapshot(cfg.SnapshotPath(), snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	fmt.Printf("%s wrote %s (%d stories, %d remaining)\n", green("✓"), cfg.SnapshotPath(), len(snap.StoryIDs), snap.Remaining)
	return nil
}
