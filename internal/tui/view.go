package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/imkarma/storyloop/internal/events"
	"github.com/imkarma/storyloop/internal/store"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)

	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	columnActiveStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(clrHighlight).
				Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().Bold(true).Reverse(true)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)
	pausedStyle = lipgloss.NewStyle().Foreground(clrYellow).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

var columnColors = [numColumns]lipgloss.AdaptiveColor{clrSubtle, clrBlue, clrGreen}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.screen == screenDetail {
		return m.viewDetail()
	}
	return m.viewBoard()
}

func (m Model) viewBoard() string {
	var b strings.Builder

	// Header.
	total := 0
	for _, col := range m.columns {
		total += len(col)
	}
	header := titleStyle.Render("storyloop")
	if m.project != "" {
		header += dimStyle.Render(" · " + m.project)
	}
	header += dimStyle.Render(fmt.Sprintf(" · %d stories", total))
	if m.paused {
		header += "  " + pausedStyle.Render("⏸ PAUSED")
	}
	b.WriteString(header + "\n\n")

	colWidth := 32
	if m.width > 0 {
		colWidth = max((m.width-numColumns*4)/numColumns, 20)
	}

	cols := make([]string, numColumns)
	for i := range m.columns {
		cols[i] = m.renderColumn(i, colWidth)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
	b.WriteString("\n")

	// Status bar.
	if m.statusMsg != "" {
		b.WriteString("\n")
		if m.statusErr {
			b.WriteString(errorStyle.Render("  " + m.statusMsg))
		} else {
			b.WriteString(statusStyle.Render("  " + m.statusMsg))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(renderFooter([]struct{ key, desc string }{
		{"←↓↑→", "move"},
		{"enter", "details"},
		{"r", "reopen"},
		{"p", pauseLabel(m.paused)},
		{"g", "refresh"},
		{"q", "quit"},
	}))
	return b.String()
}

func (m Model) renderColumn(i, width int) string {
	var b strings.Builder
	label := lipgloss.NewStyle().Bold(true).Foreground(columnColors[i]).
		Render(fmt.Sprintf("%s (%d)", columnLabels[i], len(m.columns[i])))
	b.WriteString(label + "\n")

	if len(m.columns[i]) == 0 {
		b.WriteString(dimStyle.Render("none"))
	}
	for row, s := range m.columns[i] {
		marker := "  "
		switch {
		case s.ID == m.next:
			marker = lipgloss.NewStyle().Foreground(clrCyan).Render("▶ ")
		case len(m.blocked[s.ID]) > 0:
			marker = lipgloss.NewStyle().Foreground(clrRed).Render("⚠ ")
		}
		line := truncate(s.ID+" "+s.Title, width-4)
		if i == m.cursorCol && row == m.cursorRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(marker + line)
		if row < len(m.columns[i])-1 {
			b.WriteString("\n")
		}
	}

	style := columnStyle
	if i == m.cursorCol {
		style = columnActiveStyle
	}
	return style.Width(width).Render(b.String())
}

func (m Model) viewDetail() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("story "+m.detailID) + "\n\n")
	b.WriteString(m.detail.View())
	b.WriteString("\n\n")
	b.WriteString(renderFooter([]struct{ key, desc string }{
		{"↓↑", "scroll"},
		{"r", "reopen"},
		{"p", pauseLabel(m.paused)},
		{"esc", "back"},
	}))
	return b.String()
}

// renderDetail formats one story and its recent events for the viewport.
func renderDetail(s store.Story, gates, missing []string, evs []events.Event) string {
	var b strings.Builder

	b.WriteString(lipgloss.NewStyle().Bold(true).Render(s.Title) + "\n")
	b.WriteString(dimStyle.Render("status: ") + string(s.Status) + "\n")
	if s.StartedAt != nil {
		b.WriteString(dimStyle.Render("started: ") + *s.StartedAt + "\n")
	}
	if s.CompletedAt != nil {
		b.WriteString(dimStyle.Render("completed: ") + *s.CompletedAt + "\n")
	}

	if s.Description != "" {
		b.WriteString("\n" + s.Description + "\n")
	}
	if len(s.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria\n")
		for _, c := range s.AcceptanceCriteria {
			b.WriteString("  • " + c + "\n")
		}
	}
	if len(s.DependsOn) > 0 {
		b.WriteString("\nDepends on: " + strings.Join(s.DependsOn, ", ") + "\n")
	}
	if len(missing) > 0 {
		b.WriteString(errorStyle.Render("Unknown dependencies: "+strings.Join(missing, ", ")) + "\n")
	}
	if len(gates) > 0 {
		b.WriteString("\nQuality gates\n")
		for _, g := range gates {
			b.WriteString("  $ " + g + "\n")
		}
	}

	b.WriteString("\nRecent events\n")
	if len(evs) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
	}
	for _, e := range evs {
		payload := ""
		if len(e.Payload) > 0 {
			if data, err := json.Marshal(e.Payload); err == nil {
				payload = truncate(string(data), 80)
			}
		}
		b.WriteString(fmt.Sprintf("  %s %-9s %-20s %s\n",
			dimStyle.Render(e.Timestamp), e.IterationID, e.Type, dimStyle.Render(payload)))
	}
	return b.String()
}

func pauseLabel(paused bool) string {
	if paused {
		return "resume"
	}
	return "pause"
}

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		key := footerKeyStyle.Render(k.key)
		desc := footerDescStyle.Render(k.desc)
		parts = append(parts, key+" "+desc)
	}
	return "  " + strings.Join(parts, "  ")
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-1]) + "…"
}
