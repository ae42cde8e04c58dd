package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/imkarma/storyloop/internal/agent"
	"github.com/imkarma/storyloop/internal/git"
	"github.com/imkarma/storyloop/internal/iteration"
	"github.com/imkarma/storyloop/internal/loop"
	"github.com/imkarma/storyloop/internal/prompt"
	"github.com/imkarma/storyloop/internal/store"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the loop over the backlog",
	Long: `Runs up to --max-iterations iterations. Each iteration claims the next
eligible story, runs the agent on it, and marks the story done when the agent
prints the completion marker, or reopens it otherwise.

The loop stops early when every story is done, when the remaining stories are
blocked on dependencies, or when a pause is requested (storyloop pause).
Ctrl+C stops the agent and leaves its story in progress.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runQuiet bool // don't stream agent output
	runDry   bool // show the prompt for the next story without running anything
)

func init() {
	runCmd.Flags().Int("max-iterations", 10, "Maximum number of iterations")
	runCmd.Flags().Int("stale-seconds", 0, "Reopen in-progress stories claimed longer ago than this (0 disables)")
	runCmd.Flags().Bool("no-commit", false, "Don't warn about uncommitted changes after an iteration")
	runCmd.Flags().String("mode", "build", "Prompt mode: build or plan")
	runCmd.Flags().String("agent", "", "Agent command (overrides config)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Don't stream agent output")
	runCmd.Flags().BoolVar(&runDry, "dry", false, "Print the prompt for the next story without running the agent")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}

	// Nothing under the state dir is created until the backlog is known good.
	if _, err := s.Load(cmd.Context()); err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	if runDry {
		return dryRun(cmd.Context(), s)
	}

	runner := agent.NewRunner(cfg.Agent)
	if !agent.CLIAvailable(cfg.Agent.Cmd) {
		return fmt.Errorf("agent command %q not found in PATH", cfg.Agent.Cmd)
	}

	deps := loop.Deps{
		Store:     s,
		Events:    eventLog(),
		Allocator: iteration.NewAllocator(cfg.CounterPath()),
		Recorder:  recorder(),
		Runner:    runner,
		Classify:  agent.MarkerClassifier(cfg.Loop.CompletionMarker),
		Logger:    slog.Default(),
	}
	repo := git.New(workDir)
	headStart := ""
	if repo.IsGitRepo() {
		deps.Repo = repo
		headStart = repo.Head()
		if branch, err := repo.CurrentBranch(); err == nil {
			slog.Debug("git working tree", "branch", branch, "head", headStart)
		}
	} else {
		slog.Warn("working directory is not a git repository, changed files will not be recorded")
	}
	if led, err := openLedger(); err != nil {
		slog.Warn("ledger unavailable, run history will not be indexed", "err", err)
	} else {
		defer led.Close()
		deps.Ledger = led
	}

	var stream io.Writer = os.Stdout
	if runQuiet {
		stream = nil
	}
	opts := loop.Options{
		MaxIterations: cfg.Loop.MaxIterations,
		StaleAfter:    cfg.Loop.StaleAfter(),
		NoCommit:      cfg.Loop.NoCommit,
		Mode:          cfg.Loop.Mode,
		PausePath:     cfg.PausePath(),
		SnapshotPath:  cfg.SnapshotPath(),
		WorkDir:       workDir,
		TimeoutSec:    cfg.Agent.DefaultTimeout(),
		Marker:        cfg.Loop.CompletionMarker,
		Stream:        stream,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s %s\n", bold("storyloop run"), dim(fmt.Sprintf("agent=%s mode=%s max=%d", runner.Name(), opts.Mode, opts.MaxIterations)))
	fmt.Println()

	sum, err := loop.New(deps, opts).Run(ctx)
	if sum != nil {
		printSummary(sum)
		if headStart != "" {
			printCommits(repo, headStart)
		}
	}
	if errors.Is(err, loop.ErrInterrupted) {
		fmt.Printf("\n%s interrupted. The current story is left in progress.\n", yellow("■"))
		fmt.Printf("  Recover with: %s\n", cyan("storyloop recover"))
	}
	return err
}

func printSummary(sum *loop.Summary) {
	fmt.Println()
	fmt.Printf("%s run %s (%s)\n", bold("Summary"), sum.RunTag, dim(sum.RunID))
	fmt.Printf("  Iterations: %d\n", sum.Iterations)
	fmt.Printf("  Completed:  %s\n", green(sum.Completed))
	if sum.Reopened > 0 {
		fmt.Printf("  Reopened:   %s\n", yellow(sum.Reopened))
	}
	fmt.Printf("  Remaining:  %d\n", sum.Remaining)

	reason := string(sum.StopReason)
	switch sum.StopReason {
	case loop.StopExhausted:
		reason = green("all stories done")
	case loop.StopBlocked:
		reason = red("remaining stories are blocked on dependencies")
	case loop.StopPaused:
		reason = yellow("paused") + " (storyloop resume to continue)"
	case loop.StopMaxIterations:
		reason = "iteration budget spent"
	}
	fmt.Printf("  Stopped:    %s\n", reason)
}

// printCommits lists the commits the agent made during the run.
func printCommits(repo *git.Repo, from string) {
	commits, err := repo.LogCommits(from, repo.Head())
	if err != nil || len(commits) == 0 {
		return
	}
	fmt.Printf("  Commits:    %d\n", len(commits))
	for _, c := range commits {
		fmt.Printf("    %s\n", dim(c))
	}
}

// dryRun renders the prompt the next iteration would send, without claiming
// the story.
func dryRun(ctx context.Context, s *store.Store) error {
	doc, err := s.Load(ctx)
	if err != nil {
		return err
	}
	idx := doc.NextEligible()
	if idx < 0 {
		fmt.Println("No eligible story.")
		return nil
	}

	story := doc.Stories[idx]
	var attempts []iteration.Record
	if all, err := recorder().List(); err == nil {
		for _, r := range all {
			if r.StoryID == story.ID {
				attempts = append(attempts, r)
			}
		}
	}

	text := prompt.New(doc.Project, cfg.Loop.CompletionMarker).
		WithMode(cfg.Loop.Mode).
		Build(&story, doc.EffectiveGates(idx), "iter-next", attempts)

	fmt.Printf("=== DRY RUN: %s -> %s (%s mode) ===\n\n", story.ID, cfg.Agent.Cmd, cfg.Loop.Mode)
	fmt.Print(text)
	fmt.Printf("\n=== END PROMPT (%d chars) ===\n", len(text))
	return nil
}
