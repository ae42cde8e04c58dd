package tui

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/storyloop/internal/events"
	"github.com/imkarma/storyloop/internal/store"
)

const boardBacklog = `{
  "version": 1,
  "project": "demo",
  "qualityGates": ["go test ./..."],
  "stories": [
    {"id": "A", "title": "Scaffold", "status": "done"},
    {"id": "B", "title": "Parser", "status": "in_progress"},
    {"id": "C", "title": "Lexer", "status": "open", "dependsOn": ["A"]},
    {"id": "D", "title": "Docs", "status": "open", "dependsOn": ["Z"]}
  ]
}`

type fixture struct {
	store     *store.Store
	events    *events.Log
	pausePath string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backlog.json")
	if err := os.WriteFile(path, []byte(boardBacklog), 0644); err != nil {
		t.Fatalf("write backlog: %v", err)
	}
	return fixture{
		store:     store.New(path, store.WithLockRetry(time.Millisecond)),
		events:    events.New(filepath.Join(dir, "events.jsonl")),
		pausePath: filepath.Join(dir, "state", "pause"),
	}
}

// loaded returns a model with the fixture backlog applied.
func (f fixture) loaded(t *testing.T) Model {
	t.Helper()
	m := New(f.store, f.events, f.pausePath)
	next, _ := m.Update(m.loadBacklog()())
	return next.(Model)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m Model, s string) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(key(s))
	return next.(Model), cmd
}

func TestApplyBacklog(t *testing.T) {
	m := newFixture(t).loaded(t)

	if m.project != "demo" {
		t.Errorf("expected project 'demo', got %q", m.project)
	}
	counts := [numColumns]int{2, 1, 1}
	for i, want := range counts {
		if got := len(m.columns[i]); got != want {
			t.Errorf("column %s: expected %d stories, got %d", columnLabels[i], want, got)
		}
	}
	if m.next != "C" {
		t.Errorf("expected next story C, got %q", m.next)
	}
	if got := m.blocked["D"]; len(got) != 1 || got[0] != "Z" {
		t.Errorf("expected D blocked on Z, got %v", got)
	}
	if got := m.gates["C"]; len(got) != 1 || got[0] != "go test ./..." {
		t.Errorf("expected inherited gate, got %v", got)
	}
}

func TestNavigation(t *testing.T) {
	m := newFixture(t).loaded(t)

	m, _ = press(t, m, "down")
	if m.cursorRow != 1 {
		t.Fatalf("expected row 1, got %d", m.cursorRow)
	}
	m, _ = press(t, m, "l")
	if m.cursorCol != 1 || m.cursorRow != 0 {
		t.Fatalf("expected cursor clamped to (1,0), got (%d,%d)", m.cursorCol, m.cursorRow)
	}
	if s := m.selectedStory(); s == nil || s.ID != "B" {
		t.Fatalf("expected B selected, got %v", s)
	}
	m, _ = press(t, m, "l")
	m, _ = press(t, m, "l")
	if m.cursorCol != numColumns-1 {
		t.Errorf("expected cursor to stop at last column, got %d", m.cursorCol)
	}
}

func TestReopenInProgress(t *testing.T) {
	f := newFixture(t)
	m := f.loaded(t)

	m, _ = press(t, m, "l")
	m, cmd := press(t, m, "r")
	if cmd == nil {
		t.Fatal("expected a reopen command")
	}
	msg := cmd()
	done, ok := msg.(actionDoneMsg)
	if !ok || done.err != nil {
		t.Fatalf("expected successful action, got %#v", msg)
	}

	doc, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s, _ := doc.Find("B"); s == nil || s.Status != store.StatusOpen {
		t.Errorf("expected B reopened, got %+v", s)
	}

	evs, err := events.Read(f.events.Path())
	if err != nil {
		t.Fatalf("Read events: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != events.StoryReopened || evs[0].StoryID != "B" {
		t.Fatalf("expected one story_reopened for B, got %+v", evs)
	}
	if evs[0].Payload["reason"] != "manual" {
		t.Errorf("expected reason manual, got %v", evs[0].Payload["reason"])
	}

	next, _ := m.Update(msg)
	if got := next.(Model).statusMsg; got != "Reopened B" {
		t.Errorf("expected status 'Reopened B', got %q", got)
	}
}

func TestReopenRejectsOpenStory(t *testing.T) {
	m := newFixture(t).loaded(t)

	m, cmd := press(t, m, "r")
	if cmd != nil {
		t.Fatal("expected no command for an open story")
	}
	if !m.statusErr || !strings.Contains(m.statusMsg, "not in progress") {
		t.Errorf("expected error status, got %q", m.statusMsg)
	}
}

func TestTogglePause(t *testing.T) {
	f := newFixture(t)
	m := f.loaded(t)

	_, cmd := press(t, m, "p")
	if done := cmd().(actionDoneMsg); done.err != nil {
		t.Fatalf("pause: %v", done.err)
	}
	if _, err := os.Stat(f.pausePath); err != nil {
		t.Fatalf("expected pause file: %v", err)
	}

	m = f.loaded(t)
	if !m.paused {
		t.Fatal("expected model to report paused")
	}
	if !strings.Contains(m.View(), "PAUSED") {
		t.Error("expected paused banner in view")
	}

	_, cmd = press(t, m, "p")
	if done := cmd().(actionDoneMsg); done.err != nil {
		t.Fatalf("resume: %v", done.err)
	}
	if _, err := os.Stat(f.pausePath); !os.IsNotExist(err) {
		t.Errorf("expected pause file removed, got %v", err)
	}
}

func TestDetail(t *testing.T) {
	m := newFixture(t).loaded(t)

	m, cmd := press(t, m, "enter")
	if cmd == nil {
		t.Fatal("expected detail command")
	}
	next, _ := m.Update(cmd())
	m = next.(Model)
	if m.screen != screenDetail || m.detailID != "C" {
		t.Fatalf("expected detail of C, got screen %d id %q", m.screen, m.detailID)
	}
	if view := m.View(); !strings.Contains(view, "Lexer") || !strings.Contains(view, "go test ./...") {
		t.Errorf("expected title and gate in detail view:\n%s", view)
	}

	m, _ = press(t, m, "q")
	if m.screen != screenBoard || m.quitting {
		t.Error("expected q on detail to return to the board")
	}
}

func TestBoardView(t *testing.T) {
	m := newFixture(t).loaded(t)
	view := m.View()
	for _, want := range []string{"OPEN (2)", "IN PROGRESS (1)", "DONE (1)", "demo"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in board view", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trun…"},
		{"x", -3, ""},
		{"xy", 0, ""},
	}
	for _, c := range cases {
		if got := truncate(c.in, c.max); got != c.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}
