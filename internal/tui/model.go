package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/storyloop/internal/config"
	"github.com/imkarma/storyloop/internal/events"
	"github.com/imkarma/storyloop/internal/store"
)

// screen represents which view the TUI is showing.
type screen int

const (
	screenBoard  screen = iota // three-column board (main)
	screenDetail               // one story with its recent events
)

const numColumns = 3

var columnStatuses = [numColumns]store.Status{
	store.StatusOpen,
	store.StatusInProgress,
	store.StatusDone,
}

var columnLabels = [numColumns]string{
	"OPEN",
	"IN PROGRESS",
	"DONE",
}

const refreshInterval = 2 * time.Second

// Model is the top-level bubbletea model.
type Model struct {
	store     *store.Store
	events    *events.Log
	pausePath string

	width  int
	height int

	screen screen

	// Board state.
	project    string
	columns    [numColumns][]store.Story
	gates      map[string][]string // effective gates by story id
	blocked    map[string][]string // unknown dependency ids by story id
	next       string              // id of the story the loop would pick next
	cursorCol  int
	cursorRow  int
	paused     bool
	refreshing bool

	// Detail view.
	detail   viewport.Model
	detailID string

	statusMsg  string
	statusErr  bool
	statusTime time.Time

	quitting bool
}

// New creates a TUI model over the backlog in s. Manual reopens are
// appended to log; pausePath is the loop's pause sentinel.
func New(s *store.Store, log *events.Log, pausePath string) Model {
	return Model{
		store:     s,
		events:    log,
		pausePath: pausePath,
		screen:    screenBoard,
		detail:    viewport.New(80, 20),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadBacklog(), tickCmd())
}

type tickMsg time.Time

type backlogLoadedMsg struct {
	doc    *store.Document
	paused bool
	err    error
}

type detailLoadedMsg struct {
	id      string
	content string
}

type actionDoneMsg struct {
	msg string
	err error
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) loadBacklog() tea.Cmd {
	return func() tea.Msg {
		doc, err := m.store.Load(context.Background())
		return backlogLoadedMsg{doc: doc, paused: config.IsPaused(m.pausePath), err: err}
	}
}

func (m Model) loadDetail(story store.Story) tea.Cmd {
	gates := m.gates[story.ID]
	missing := m.blocked[story.ID]
	return func() tea.Msg {
		var evs []events.Event
		if m.events != nil {
			all, _ := events.Read(m.events.Path())
			evs = events.Tail(events.Filter(all, story.ID), 30)
		}
		return detailLoadedMsg{id: story.ID, content: renderDetail(story, gates, missing, evs)}
	}
}

func (m Model) reopenStory(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.store.Reopen(context.Background(), id); err != nil {
			return actionDoneMsg{err: err}
		}
		if m.events != nil {
			if err := m.events.Emit(events.StoryReopened, map[string]any{"reason": "manual"}, id, ""); err != nil {
				return actionDoneMsg{err: err}
			}
		}
		return actionDoneMsg{msg: "Reopened " + id}
	}
}

func (m Model) togglePause() tea.Cmd {
	paused := m.paused
	return func() tea.Msg {
		if err := config.SetPaused(m.pausePath, !paused); err != nil {
			return actionDoneMsg{err: err}
		}
		if paused {
			return actionDoneMsg{msg: "Resumed"}
		}
		return actionDoneMsg{msg: "Paused: the loop stops before its next iteration"}
	}
}

func (m *Model) applyBacklog(doc *store.Document) {
	m.project = doc.Project
	for i := range m.columns {
		m.columns[i] = nil
	}
	m.gates = make(map[string][]string, len(doc.Stories))
	for idx, s := range doc.Stories {
		m.gates[s.ID] = doc.EffectiveGates(idx)
		for i, status := range columnStatuses {
			if s.Status == status {
				m.columns[i] = append(m.columns[i], s)
				break
			}
		}
	}
	m.blocked = doc.UnresolvedDependencies()
	m.next = ""
	if idx := doc.NextEligible(); idx >= 0 {
		m.next = doc.Stories[idx].ID
	}
	// Clamp cursor.
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursorCol < 0 {
		m.cursorCol = 0
	}
	if m.cursorCol >= numColumns {
		m.cursorCol = numColumns - 1
	}
	col := m.columns[m.cursorCol]
	if m.cursorRow >= len(col) {
		m.cursorRow = len(col) - 1
	}
	if m.cursorRow < 0 {
		m.cursorRow = 0
	}
}

func (m *Model) selectedStory() *store.Story {
	col := m.columns[m.cursorCol]
	if m.cursorRow < len(col) {
		s := col[m.cursorRow]
		return &s
	}
	return nil
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTime = time.Now()
}
