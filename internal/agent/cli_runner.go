package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/imkarma/storyloop/internal/config"
)

// InterruptExitCode is the status a shell reports for a child killed by SIGINT.
const InterruptExitCode = 130

// CLIRunner spawns an external CLI process (claude, gemini, codex, etc.)
// and passes the story prompt as an argument or on stdin.
type CLIRunner struct {
	cfg       config.Agent
	waitDelay time.Duration
}

// NewCLIRunner creates a runner that spawns CLI processes.
func NewCLIRunner(cfg config.Agent) *CLIRunner {
	return &CLIRunner{cfg: cfg, waitDelay: 10 * time.Second}
}

func (r *CLIRunner) Name() string { return filepath.Base(r.cfg.Cmd) }

// Run spawns the agent process with the prompt.
//
// With prompt_via "arg" the prompt is the last argument:
// claude --print --model sonnet "the prompt text".
// With "stdin" the prompt is written to the process's standard input.
//
// When ctx is cancelled the child receives an interrupt first and is killed
// only if it has not exited after a grace period.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	args := r.cfg.EffectiveArgs()
	if r.cfg.PromptVia != "stdin" {
		args = append(args, req.Prompt)
	}

	timeout := time.Duration(r.cfg.DefaultTimeout()) * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = r.waitDelay
	if r.cfg.PromptVia == "stdin" {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	// One buffer for both streams keeps the transcript in emitted order.
	var out bytes.Buffer
	var w io.Writer = &out
	if req.Stream != nil {
		w = io.MultiWriter(&out, req.Stream)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()

	resp := &Response{
		Output:   out.String(),
		Duration: time.Since(start).Seconds(),
	}
	if err == nil {
		return resp, nil
	}

	// The caller cancelling is an interrupt, whatever the child exited with.
	if ctx.Err() != nil {
		resp.Interrupted = true
		resp.ExitCode = InterruptExitCode
		resp.Error = fmt.Errorf("agent %s interrupted", r.Name())
		return resp, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s timed out after %ds", r.Name(), int(timeout.Seconds()))
		return resp, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s failed to start: %w", r.Name(), err)
		return resp, nil
	}

	resp.ExitCode = exitErr.ExitCode()
	if killedByInterrupt(exitErr) || resp.ExitCode == InterruptExitCode {
		resp.Interrupted = true
		resp.ExitCode = InterruptExitCode
		resp.Error = fmt.Errorf("agent %s interrupted", r.Name())
		return resp, nil
	}
	resp.Error = fmt.Errorf("agent %s exited with code %d", r.Name(), resp.ExitCode)

	// Still return the response: partial output is recorded.
	return resp, nil
}

func killedByInterrupt(exitErr *exec.ExitError) bool {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGINT
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
