package agent

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/imkarma/storyloop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shRunner runs script with /bin/sh. With prompt_via arg the prompt lands in $0.
func shRunner(script, promptVia string) *CLIRunner {
	r := NewCLIRunner(config.Agent{
		Cmd:       "/bin/sh",
		Args:      []string{"-c", script},
		PromptVia: promptVia,
	})
	r.waitDelay = time.Second
	return r
}

func TestCLIRunner_PromptAsArgument(t *testing.T) {
	r := shRunner(`printf 'got: %s\n' "$0"; echo warn >&2`, "arg")

	resp, err := r.Run(context.Background(), Request{Prompt: "build story A", WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
	assert.NoError(t, resp.Error)
	assert.Contains(t, resp.Output, "got: build story A")
	assert.Contains(t, resp.Output, "warn", "stderr is part of the transcript")
	assert.Equal(t, "sh", r.Name())
}

func TestCLIRunner_PromptOnStdin(t *testing.T) {
	r := shRunner(`cat`, "stdin")

	var live bytes.Buffer
	resp, err := r.Run(context.Background(), Request{Prompt: "from stdin", Stream: &live})
	require.NoError(t, err)
	assert.Equal(t, "from stdin", resp.Output)
	assert.Equal(t, "from stdin", live.String())
}

func TestCLIRunner_NonZeroExit(t *testing.T) {
	r := shRunner(`echo partial; exit 3`, "arg")

	resp, err := r.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ExitCode)
	assert.False(t, resp.Interrupted)
	assert.Error(t, resp.Error)
	assert.Equal(t, "partial\n", resp.Output)
}

func TestCLIRunner_Exit130IsInterrupt(t *testing.T) {
	resp, err := shRunner(`exit 130`, "arg").Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, resp.Interrupted)
	assert.Equal(t, InterruptExitCode, resp.ExitCode)
}

func TestCLIRunner_KilledBySIGINT(t *testing.T) {
	resp, err := shRunner(`kill -INT $$; sleep 1`, "arg").Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, resp.Interrupted)
}

func TestCLIRunner_Timeout(t *testing.T) {
	start := time.Now()
	resp, err := shRunner(`exec sleep 5`, "arg").Run(context.Background(), Request{TimeoutSec: 1})
	require.NoError(t, err)
	assert.Equal(t, -1, resp.ExitCode)
	assert.False(t, resp.Interrupted, "a timeout is a failure, not an interrupt")
	assert.True(t, strings.Contains(resp.Error.Error(), "timed out"))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCLIRunner_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	resp, err := shRunner(`exec sleep 5`, "arg").Run(ctx, Request{})
	require.NoError(t, err)
	assert.True(t, resp.Interrupted)
	assert.Equal(t, InterruptExitCode, resp.ExitCode)
}

func TestCLIRunner_MissingBinary(t *testing.T) {
	r := NewCLIRunner(config.Agent{Cmd: "/nonexistent/agent"})

	resp, err := r.Run(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, -1, resp.ExitCode)
	assert.Error(t, resp.Error)
	assert.Equal(t, OutcomeFailed, MarkerClassifier("")(resp))
}
