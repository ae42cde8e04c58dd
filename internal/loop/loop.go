// Package loop drives the backlog one story at a time: select, hand the story
// to the agent, classify what came back, apply exactly one terminal
// transition, and leave a record of every step.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/imkarma/storyloop/internal/agent"
	"github.com/imkarma/storyloop/internal/config"
	"github.com/imkarma/storyloop/internal/events"
	"github.com/imkarma/storyloop/internal/iteration"
	"github.com/imkarma/storyloop/internal/ledger"
	"github.com/imkarma/storyloop/internal/prompt"
	"github.com/imkarma/storyloop/internal/store"
)

// ErrInterrupted is returned when the user stopped the agent mid-iteration.
// The claimed story is left in progress for the reaper or a manual reopen.
var ErrInterrupted = errors.New("loop interrupted")

// StopReason says why a run ended.
type StopReason string

const (
	StopMaxIterations StopReason = "max_iterations"
	StopExhausted     StopReason = "exhausted" // every story is done
	StopBlocked       StopReason = "blocked"   // stories remain but none is eligible
	StopPaused        StopReason = "paused"
	StopInterrupted   StopReason = "interrupted"
)

// Repo observes the working tree around an agent run.
type Repo interface {
	Head() string
	ChangedFiles(from, to string) ([]string, error)
	DirtyFiles() ([]string, error)
	HasUncommittedChanges() bool
}

// noRepo stands in when the work directory is not under version control.
type noRepo struct{}

func (noRepo) Head() string                                  { return "" }
func (noRepo) ChangedFiles(string, string) ([]string, error) { return nil, nil }
func (noRepo) DirtyFiles() ([]string, error)                 { return nil, nil }
func (noRepo) HasUncommittedChanges() bool                   { return false }

// Deps are the collaborators a Controller drives. Repo, Prompt, Ledger,
// Logger and Clock are optional.
type Deps struct {
	Store     *store.Store
	Events    *events.Log
	Allocator *iteration.Allocator
	Recorder  *iteration.Recorder
	Runner    agent.Runner
	Classify  agent.Classifier
	Repo      Repo
	Prompt    *prompt.Builder
	Ledger    *ledger.Ledger
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Options are the resolved loop settings.
type Options struct {
	MaxIterations int
	StaleAfter    time.Duration // 0 disables the reaper
	NoCommit      bool          // silences the uncommitted-changes warning
	Mode          string
	PausePath     string
	SnapshotPath  string
	WorkDir       string
	TimeoutSec    int
	Marker        string    // completion marker, empty for the default
	Stream        io.Writer // live copy of agent output
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	RunTag     string
	Iterations int
	Completed  int
	Reopened   int
	Remaining  int
	StopReason StopReason
}

// Result describes one iteration. Stop is empty when the loop should go on.
type Result struct {
	IterationID string
	StoryID     string
	Outcome     agent.Outcome
	Stop        StopReason
	Remaining   int
}

// Controller runs iterations against one backlog.
type Controller struct {
	deps   Deps
	opts   Options
	events *events.Log
	prompt *prompt.Builder
	log    *slog.Logger
	now    func() time.Time

	runID  string
	runTag string
}

// New creates a Controller.
func New(deps Deps, opts Options) *Controller {
	c := &Controller{deps: deps, opts: opts, events: deps.Events, prompt: deps.Prompt, log: deps.Logger, now: deps.Clock}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.deps.Classify == nil {
		c.deps.Classify = agent.MarkerClassifier(opts.Marker)
	}
	if c.opts.Mode == "" {
		c.opts.Mode = "build"
	}
	if c.deps.Repo == nil {
		c.deps.Repo = noRepo{}
	}
	if c.prompt == nil {
		c.prompt = prompt.New("", opts.Marker).WithMode(c.opts.Mode)
	}
	return c
}

// Run loads the backlog, then iterates until the budget is spent, the
// backlog is exhausted or blocked, a pause is requested, or the agent is
// interrupted. A missing or corrupt backlog fails before anything is written.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	doc, err := c.deps.Store.Load(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, errors.Join(ErrInterrupted, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}
	for id, deps := range doc.UnresolvedDependencies() {
		c.log.Warn("story depends on unknown ids and can never be selected", "story", id, "missing", deps)
	}
	if c.deps.Prompt == nil {
		c.prompt = prompt.New(doc.Project, c.opts.Marker).WithMode(c.opts.Mode)
	}
	if c.opts.SnapshotPath != "" {
		if err := store.WriteSnapshot(c.opts.SnapshotPath, store.BuildSnapshot(doc, c.now())); err != nil {
			c.log.Warn("write snapshot", "err", err)
		}
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	c.runID = runID.String()
	c.runTag = c.now().UTC().Format("20060102-150405")
	c.events = c.deps.Events.WithRun(c.runID, c.opts.Mode)

	sum := &Summary{RunID: c.runID, RunTag: c.runTag, Remaining: doc.Remaining()}
	log := c.log.With("run", c.runTag)

	if c.deps.Ledger != nil {
		run := ledger.Run{ID: c.runID, Tag: c.runTag, Mode: c.opts.Mode, MaxIterations: c.opts.MaxIterations}
		if err := c.deps.Ledger.StartRun(run); err != nil {
			log.Warn("ledger start run", "err", err)
		}
	}

	err = c.emit(events.LoopStarted, map[string]any{
		"project":        doc.Project,
		"max_iterations": c.opts.MaxIterations,
		"stale_seconds":  int(c.opts.StaleAfter / time.Second),
		"remaining":      doc.Remaining(),
		"run_tag":        c.runTag,
	}, "", "")
	if err != nil {
		c.endRun(ledger.RunFailed, "")
		return sum, err
	}
	log.Info("loop started", "project", doc.Project, "remaining", doc.Remaining(), "max_iterations", c.opts.MaxIterations)

	for i := 1; i <= c.opts.MaxIterations; i++ {
		res, err := c.Iterate(ctx, i)
		if res != nil && res.StoryID != "" {
			sum.Iterations++
			switch res.Outcome {
			case agent.OutcomeCompleted:
				sum.Completed++
			case agent.OutcomeFailed, agent.OutcomeIncomplete:
				sum.Reopened++
			}
		}
		if res != nil && res.IterationID != "" {
			sum.Remaining = res.Remaining
		}
		if err != nil && !errors.Is(err, ErrInterrupted) && ctx.Err() != nil {
			// Cancelled while waiting on a lock rather than inside the agent.
			_, err = c.interrupted(&Result{}, nil)
		}
		if errors.Is(err, ErrInterrupted) {
			sum.StopReason = StopInterrupted
			c.endRun(ledger.RunInterrupted, string(StopInterrupted))
			return sum, err
		}
		if err != nil {
			c.endRun(ledger.RunFailed, "")
			return sum, err
		}
		if res.Stop != "" {
			sum.StopReason = res.Stop
			break
		}
	}
	if sum.StopReason == "" {
		sum.StopReason = StopMaxIterations
	}

	err = c.emit(events.LoopCompleted, map[string]any{
		"reason":     string(sum.StopReason),
		"iterations": sum.Iterations,
		"completed":  sum.Completed,
		"remaining":  sum.Remaining,
	}, "", "")
	c.endRun(ledger.RunCompleted, string(sum.StopReason))
	log.Info("loop finished", "reason", sum.StopReason, "iterations", sum.Iterations, "completed", sum.Completed)
	return sum, err
}

// Iterate runs one cycle. ordinal is the iteration's position within the run.
func (c *Controller) Iterate(ctx context.Context, ordinal int) (*Result, error) {
	if ctx.Err() != nil {
		return c.interrupted(&Result{}, nil)
	}

	if c.paused() {
		err := c.emit(events.LoopPaused, map[string]any{"pause_file": c.opts.PausePath}, "", "")
		return &Result{Stop: StopPaused}, err
	}

	id, err := c.deps.Allocator.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate iteration id: %w", err)
	}

	sel, err := c.deps.Store.SelectNext(ctx, c.opts.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("select story: %w", err)
	}
	for _, reaped := range sel.Reaped {
		c.log.Warn("reclaimed stale story", "story", reaped, "stale_after", c.opts.StaleAfter)
		err := c.emit(events.StoryReclaimed, map[string]any{"stale_seconds": int(c.opts.StaleAfter / time.Second)}, reaped, id)
		if err != nil {
			return nil, err
		}
	}

	res := &Result{IterationID: id, Remaining: sel.Remaining}
	if sel.Story == nil {
		res.Stop = StopBlocked
		if sel.Exhausted() {
			res.Stop = StopExhausted
		}
		return res, nil
	}

	story := sel.Story
	res.StoryID = story.ID
	log := c.log.With("iteration", id, "story", story.ID)

	err = c.emit(events.StorySelected, map[string]any{
		"title":     story.Title,
		"index":     sel.Index,
		"gates":     sel.Gates,
		"remaining": sel.Remaining,
	}, story.ID, id)
	if err != nil {
		return nil, err
	}
	log.Info("story selected", "title", story.Title)

	headBefore := c.deps.Repo.Head()
	text := c.prompt.Build(story, sel.Gates, id, c.previousAttempts(story.ID))

	err = c.emit(events.AgentStarted, map[string]any{
		"agent":        c.deps.Runner.Name(),
		"prompt_chars": len(text),
		"ordinal":      ordinal,
	}, story.ID, id)
	if err != nil {
		return nil, err
	}

	start := c.now()
	resp, runErr := c.deps.Runner.Run(ctx, agent.Request{
		StoryID:     story.ID,
		IterationID: id,
		Prompt:      text,
		WorkDir:     c.opts.WorkDir,
		TimeoutSec:  c.opts.TimeoutSec,
		Stream:      c.opts.Stream,
	})
	if runErr != nil {
		resp = &agent.Response{ExitCode: -1, Error: runErr, Output: outputOf(resp)}
	}
	end := c.now()

	logPath, err := c.deps.Recorder.SaveTranscript(id, resp.Output)
	if err != nil {
		log.Warn("save transcript", "err", err)
	}
	err = c.emit(events.AgentOutputSaved, map[string]any{
		"path":      logPath,
		"bytes":     len(resp.Output),
		"exit_code": resp.ExitCode,
		"duration":  resp.Duration,
	}, story.ID, id)
	if err != nil {
		return nil, err
	}

	outcome := c.deps.Classify(resp)
	res.Outcome = outcome
	if outcome == agent.OutcomeInterrupted {
		return c.interrupted(res, resp)
	}

	if err := c.validate(story.ID, id, sel.Gates, outcome, resp); err != nil {
		return nil, err
	}

	headAfter := c.deps.Repo.Head()
	committed, err := c.deps.Repo.ChangedFiles(headBefore, headAfter)
	if err != nil {
		log.Warn("collect committed files", "err", err)
	}
	dirty, err := c.deps.Repo.DirtyFiles()
	if err != nil {
		log.Warn("collect dirty files", "err", err)
	}
	for _, f := range committed {
		if err := c.emit(events.FileModified, map[string]any{"path": f, "change": "committed"}, story.ID, id); err != nil {
			return nil, err
		}
	}
	for _, f := range dirty {
		if err := c.emit(events.FileModified, map[string]any{"path": f, "change": "dirty"}, story.ID, id); err != nil {
			return nil, err
		}
	}

	if err := c.transition(ctx, story.ID, id, outcome); err != nil {
		return nil, err
	}
	if outcome == agent.OutcomeCompleted {
		res.Remaining--
	}

	rec := iteration.Record{
		Iteration:       ordinal,
		IterationID:     id,
		RunTag:          c.runTag,
		RunID:           c.runID,
		Mode:            c.opts.Mode,
		StoryID:         story.ID,
		StoryTitle:      story.Title,
		StartedAt:       start.UTC().Format(time.RFC3339),
		EndedAt:         end.UTC().Format(time.RFC3339),
		DurationSeconds: end.Sub(start).Seconds(),
		Status:          iteration.StatusSuccess,
		Outcome:         string(outcome),
		ExitCode:        resp.ExitCode,
		LogPath:         logPath,
		GitHeadBefore:   headBefore,
		GitHeadAfter:    headAfter,
		CommittedFiles:  committed,
		DirtyFiles:      dirty,
	}
	if outcome != agent.OutcomeCompleted {
		rec.Status = iteration.StatusError
	}
	if err := c.deps.Recorder.Record(rec); err != nil {
		return nil, fmt.Errorf("record iteration: %w", err)
	}

	if outcome != agent.OutcomeCompleted {
		msg := failureMessage(outcome, resp)
		log.Warn("story reopened", "outcome", outcome, "reason", msg)
		if err := c.deps.Recorder.AppendError(id, story.ID, msg); err != nil {
			log.Warn("append error log", "err", err)
		}
	}
	if c.deps.Ledger != nil {
		if err := c.deps.Ledger.AddIteration(rec); err != nil {
			log.Warn("ledger add iteration", "err", err)
		}
	}
	if !c.opts.NoCommit && c.deps.Repo.HasUncommittedChanges() {
		log.Warn("uncommitted changes left in the working tree", "files", len(dirty))
	}

	err = c.emit(events.IterationDone, map[string]any{
		"outcome":          string(outcome),
		"status":           rec.Status,
		"exit_code":        resp.ExitCode,
		"duration_seconds": rec.DurationSeconds,
		"committed_files":  len(committed),
		"dirty_files":      len(dirty),
	}, story.ID, id)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// validate emits the gate check events for a finished agent run.
func (c *Controller) validate(storyID, id string, gates []string, outcome agent.Outcome, resp *agent.Response) error {
	if err := c.emit(events.ValidationStarted, map[string]any{"gates": gates}, storyID, id); err != nil {
		return err
	}

	reports := agent.ParseGateReports(resp.Output)
	var gateResults []map[string]any
	for _, r := range reports {
		gateResults = append(gateResults, map[string]any{"gate": r.Gate, "passed": r.Passed, "note": r.Note})
	}
	payload := map[string]any{
		"outcome":   string(outcome),
		"exit_code": resp.ExitCode,
		"reports":   gateResults,
	}
	if outcome == agent.OutcomeCompleted {
		return c.emit(events.ValidationPassed, payload, storyID, id)
	}
	if reason := agent.ParseBlocked(resp.Output); reason != "" {
		payload["blocked"] = reason
	}
	return c.emit(events.ValidationFailed, payload, storyID, id)
}

// transition applies the single terminal status change for outcome.
func (c *Controller) transition(ctx context.Context, storyID, id string, outcome agent.Outcome) error {
	var err error
	typ := events.StoryCompleted
	if outcome == agent.OutcomeCompleted {
		err = c.deps.Store.Complete(ctx, storyID)
	} else {
		typ = events.StoryReopened
		err = c.deps.Store.Reopen(ctx, storyID)
	}
	// Someone else finished the story while the agent ran; keep going.
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrStoryNotFound) {
		c.log.Warn("terminal transition skipped", "story", storyID, "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", outcome, storyID, err)
	}
	return c.emit(typ, map[string]any{"outcome": string(outcome)}, storyID, id)
}

func (c *Controller) interrupted(res *Result, resp *agent.Response) (*Result, error) {
	payload := map[string]any{}
	if resp != nil {
		payload["exit_code"] = resp.ExitCode
	}
	res.Outcome = agent.OutcomeInterrupted
	res.Stop = StopInterrupted
	c.log.Warn("agent interrupted, story left in progress", "story", res.StoryID)
	if err := c.emit(events.LoopInterrupted, payload, res.StoryID, res.IterationID); err != nil {
		return res, errors.Join(ErrInterrupted, err)
	}
	return res, ErrInterrupted
}

func (c *Controller) previousAttempts(storyID string) []iteration.Record {
	all, err := c.deps.Recorder.List()
	if err != nil {
		c.log.Debug("list previous attempts", "err", err)
		return nil
	}
	var out []iteration.Record
	for _, r := range all {
		if r.StoryID == storyID {
			out = append(out, r)
		}
	}
	return out
}

func (c *Controller) paused() bool {
	return config.IsPaused(c.opts.PausePath)
}

func (c *Controller) emit(typ events.Type, payload map[string]any, storyID, iterationID string) error {
	if err := c.events.Emit(typ, payload, storyID, iterationID); err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	return nil
}

func (c *Controller) endRun(status, reason string) {
	if c.deps.Ledger == nil || c.runID == "" {
		return
	}
	if err := c.deps.Ledger.EndRun(c.runID, status, reason); err != nil {
		c.log.Warn("ledger end run", "err", err)
	}
}

func failureMessage(outcome agent.Outcome, resp *agent.Response) string {
	msg := string(outcome)
	switch {
	case resp.Error != nil:
		msg += ": " + resp.Error.Error()
	case outcome == agent.OutcomeIncomplete:
		msg += ": completion marker not found"
	}
	if reason := agent.ParseBlocked(resp.Output); reason != "" {
		msg += " (blocked: " + reason + ")"
	}
	return msg
}

func outputOf(resp *agent.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Output
}
