// Package events is the append-only audit trail of loop lifecycle
// transitions, stored as one JSON object per line.
package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/imkarma/storyloop/internal/fsutil"
)

// Type names a lifecycle transition.
type Type string

const (
	LoopStarted       Type = "loop_started"
	LoopPaused        Type = "loop_paused"
	LoopCompleted     Type = "loop_completed"
	LoopInterrupted   Type = "loop_interrupted"
	StorySelected     Type = "story_selected"
	StoryReclaimed    Type = "story_reclaimed"
	AgentStarted      Type = "agent_started"
	AgentOutputSaved  Type = "agent_output_saved"
	ValidationStarted Type = "validation_started"
	ValidationPassed  Type = "validation_passed"
	ValidationFailed  Type = "validation_failed"
	FileModified      Type = "file_modified"
	StoryCompleted    Type = "story_completed"
	StoryReopened     Type = "story_reopened"
	IterationDone     Type = "iteration_completed"
)

// TimeFormat is ISO-8601 UTC with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Event is one immutable line of the log.
type Event struct {
	Type        Type           `json:"type"`
	Timestamp   string         `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
	StoryID     string         `json:"story_id,omitempty"`
	IterationID string         `json:"iteration_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Mode        string         `json:"mode,omitempty"`
}

// Time parses the event timestamp. The zero time is returned if it is malformed.
func (e Event) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Log appends events to a file. The zero-value run metadata is omitted.
type Log struct {
	path  string
	runID string
	mode  string
	now   func() time.Time
}

// New returns a Log writing to path. The file is created on first emit.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// WithRun returns a copy of the log that stamps every event with runID and mode.
func (l *Log) WithRun(runID, mode string) *Log {
	c := *l
	c.runID = runID
	c.mode = mode
	return &c
}

// WithClock returns a copy of the log using now for timestamps.
func (l *Log) WithClock(now func() time.Time) *Log {
	c := *l
	c.now = now
	return &c
}

// Emit appends one event. It returns only once the whole line is on disk.
func (l *Log) Emit(typ Type, payload map[string]any, storyID, iterationID string) error {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{
		Type:        typ,
		Timestamp:   l.now().UTC().Format(TimeFormat),
		Payload:     payload,
		StoryID:     storyID,
		IterationID: iterationID,
		RunID:       l.runID,
		Mode:        l.mode,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", typ, err)
	}
	if err := fsutil.AppendLine(l.path, line); err != nil {
		return fmt.Errorf("append event %s: %w", typ, err)
	}
	return nil
}

// Read returns every well-formed event in the file, in order. Lines that do
// not parse (such as a torn final line after a crash) are skipped. A missing
// file yields no events.
func Read(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return parse(data), nil
}

func parse(data []byte) []Event {
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if ev, ok := decode(sc.Bytes()); ok {
			out = append(out, ev)
		}
	}
	return out
}

func decode(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}

// Filter keeps events for the given story. An empty id keeps everything.
func Filter(evs []Event, storyID string) []Event {
	if storyID == "" {
		return evs
	}
	var out []Event
	for _, ev := range evs {
		if ev.StoryID == storyID {
			out = append(out, ev)
		}
	}
	return out
}

// Tail returns the last n events. n <= 0 returns all of them.
func Tail(evs []Event, n int) []Event {
	if n <= 0 || n >= len(evs) {
		return evs
	}
	return evs[len(evs)-n:]
}
