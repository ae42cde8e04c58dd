package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/storyloop/internal/store"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.detail.Width = max(m.width-4, 20)
		m.detail.Height = max(m.height-6, 6)
		return m, nil

	case backlogLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to load backlog: "+msg.err.Error(), true)
			return m, nil
		}
		m.paused = msg.paused
		m.applyBacklog(msg.doc)
		return m, nil

	case detailLoadedMsg:
		m.detailID = msg.id
		m.detail.SetContent(msg.content)
		m.detail.GotoTop()
		m.screen = screenDetail
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
		} else {
			m.setStatus(msg.msg, false)
		}
		m.screen = screenBoard
		return m, m.loadBacklog()

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		// Clear old status messages.
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadBacklog())
		}
		return m, tea.Batch(cmds...)
	}

	if m.screen == screenDetail {
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "q":
		if m.screen == screenBoard {
			m.quitting = true
			return m, tea.Quit
		}
		m.screen = screenBoard
		return m, nil
	case "esc":
		m.screen = screenBoard
		return m, nil
	case "p":
		return m, m.togglePause()
	}

	if m.screen == screenDetail {
		return m.handleDetailKey(msg)
	}
	return m.handleBoardKey(msg)
}

func (m Model) handleBoardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	// Navigation.
	case "h", "left":
		m.cursorCol--
		m.clampCursor()
	case "l", "right":
		m.cursorCol++
		m.clampCursor()
	case "k", "up":
		m.cursorRow--
		m.clampCursor()
	case "j", "down":
		m.cursorRow++
		m.clampCursor()

	case "enter":
		if s := m.selectedStory(); s != nil {
			return m, m.loadDetail(*s)
		}
	case "r":
		return m.reopenSelected(m.selectedStory())
	case "g":
		m.refreshing = true
		return m, m.loadBacklog()
	}
	return m, nil
}

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "r" {
		for _, col := range m.columns {
			for i := range col {
				if col[i].ID == m.detailID {
					return m.reopenSelected(&col[i])
				}
			}
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m Model) reopenSelected(s *store.Story) (tea.Model, tea.Cmd) {
	if s == nil {
		return m, nil
	}
	if s.Status != store.StatusInProgress {
		m.setStatus(s.ID+" is not in progress", true)
		return m, nil
	}
	return m, m.reopenStory(s.ID)
}
