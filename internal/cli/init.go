package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imkarma/storyloop/internal/config"
	"github.com/imkarma/storyloop/internal/fsutil"
	"github.com/imkarma/storyloop/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize storyloop in the current directory",
	Long:  "Creates the state directory with a default config, and a starter backlog if none exists.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var initProject string

func init() {
	initCmd.Flags().StringVar(&initProject, "project", "", "Project name for a new backlog (default: directory name)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("storyloop already initialized (%s exists)", configPath)
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", cfg.StateDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("%s wrote %s\n", green("✓"), configPath)

	if _, err := os.Stat(cfg.Backlog); os.IsNotExist(err) {
		if err := writeStarterBacklog(cfg.Backlog); err != nil {
			return err
		}
		fmt.Printf("%s wrote starter backlog %s\n", green("✓"), cfg.Backlog)
	} else {
		fmt.Printf("%s using existing backlog %s\n", green("✓"), cfg.Backlog)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Add stories to %s\n", cfg.Backlog)
	fmt.Printf("  2. Check the agent command in %s\n", configPath)
	fmt.Printf("  3. Run: %s\n", cyan("storyloop run"))
	return nil
}

func writeStarterBacklog(path string) error {
	project := initProject
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		project = filepath.Base(wd)
	}

	doc := store.Document{
		Version:      json.RawMessage("1"),
		Project:      project,
		QualityGates: []string{},
		Stories: []store.Story{{
			ID:                 "S-1",
			Title:              "Describe the first story",
			Description:        "Replace this with real work for the agent.",
			Status:             store.StatusOpen,
			AcceptanceCriteria: []string{"The story is replaced with a real one"},
		}},
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create backlog dir: %w", err)
		}
	}
	if err := fsutil.WriteJSON(path, doc); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	return nil
}
