package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
)

const maxChanges = 5

// DAGPaneModel shows node counts and runtime additions to the graph.
type DAGPaneModel struct {
	progress events.DAGProgressEvent
	changes  []string // most recent last
	width    int
	height   int
	focused  bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.DAGProgressEvent:
		m.progress = msg

	case events.DAGChangedEvent:
		m.changes = append(m.changes, fmt.Sprintf("+%s (%s)", strings.Join(msg.Added, ", "), msg.Reason))
		if len(m.changes) > maxChanges {
			m.changes = m.changes[len(m.changes)-maxChanges:]
		}
	}
	return m, nil
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	p := m.progress

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusPending.Render(fmt.Sprint(p.Cancelled)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending)))
	b.WriteString("\n")

	if p.Total > 0 {
		b.WriteString(progressBar(p, min(m.width-4, 40)))
		b.WriteString("\n")
	}
	if len(m.changes) > 0 {
		b.WriteString("\n")
		for _, c := range m.changes {
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func progressBar(p events.DAGProgressEvent, width int) string {
	if width <= 0 || p.Total == 0 {
		return ""
	}
	completed := p.Completed * width / p.Total
	failed := (p.Failed + p.Cancelled) * width / p.Total
	running := p.Running * width / p.Total
	pending := max(0, width-completed-failed-running)

	bar := StyleStatusComplete.Render(strings.Repeat("=", completed))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failed))
	bar += StyleStatusRunning.Render(strings.Repeat("-", running))
	bar += StyleStatusPending.Render(strings.Repeat(".", pending))
	return fmt.Sprintf("[%s]  %d/%d", bar, p.Completed, p.Total)
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
