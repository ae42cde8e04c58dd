// Package agent runs the external coding agent that works on a story and
// classifies what it reported back.
package agent

import (
	"context"
	"io"

	"github.com/imkarma/storyloop/internal/config"
)

// Request contains everything an agent needs to work on a story.
type Request struct {
	StoryID     string    // Story being worked on
	IterationID string    // Iteration id for tracking
	Prompt      string    // The full rendered prompt
	WorkDir     string    // Working directory (repo root)
	TimeoutSec  int       // Max execution time, 0 uses the agent default
	Stream      io.Writer // Optional live copy of the transcript
}

// Response is what we get back from an agent.
type Response struct {
	Output      string  // Combined stdout and stderr
	ExitCode    int     // 0 = success, -1 = timed out or never started
	Duration    float64 // Execution time in seconds
	Interrupted bool    // Stopped by the user rather than finishing
	Error       error   // Any execution error
}

// Runner is the interface every executor must implement.
type Runner interface {
	// Run executes the agent with the given request and returns the response.
	Run(ctx context.Context, req Request) (*Response, error)

	// Name returns the agent's command name.
	Name() string
}

// NewRunner creates the runner for the configured agent.
func NewRunner(cfg config.Agent) Runner {
	return NewCLIRunner(cfg)
}
