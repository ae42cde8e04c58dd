package cli

import (
	"log/slog"
	"os"

	"github.com/imkarma/storyloop/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "storyloop",
	Short: "Work through a story backlog with a coding agent",
	Long: `storyloop picks the next eligible story from a JSON backlog, hands it to a
coding agent, and records what happened. Every iteration leaves an event
trail and a record on disk, so a crashed or interrupted run can pick up
where it stopped.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var (
	configPath string
	verbose    bool

	// cfg is the resolved configuration for the running command.
	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging on stderr")
	rootCmd.PersistentFlags().String("backlog", "", "Backlog document path (overrides config)")
	rootCmd.PersistentFlags().String("state-dir", "", "State directory (overrides config)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup installs the logger and resolves config for every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	resolved, err := config.Resolve(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	cfg = resolved
	slog.Debug("config resolved", "backlog", cfg.Backlog, "state_dir", cfg.StateDir, "agent", cfg.Agent.Cmd)
	return nil
}
