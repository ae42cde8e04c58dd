package cli

import (
	"fmt"

	"github.com/imkarma/storyloop/internal/config"
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop the loop before its next iteration",
	Long: `Creates the pause sentinel. A running loop finishes the current
iteration, then stops. New runs stop immediately until resumed.`,
	Args: cobra.NoArgs,
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Remove the pause sentinel",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	if err := config.SetPaused(cfg.PausePath(), true); err != nil {
		return err
	}
	fmt.Printf("%s the loop stops before its next iteration.\n", yellow("Paused:"))
	fmt.Printf("  Resume with: %s\n", cyan("storyloop resume"))
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	if !config.IsPaused(cfg.PausePath()) {
		fmt.Println("Not paused.")
		return nil
	}
	if err := config.SetPaused(cfg.PausePath(), false); err != nil {
		return err
	}
	fmt.Printf("%s Run: %s\n", green("Resumed."), cyan("storyloop run"))
	return nil
}
