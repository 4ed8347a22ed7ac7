package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
)

// Task statuses shown in the list.
const (
	taskRunning   = "running"
	taskCompleted = "completed"
	taskFailed    = "failed"
	taskCancelled = "cancelled"
	taskPaused    = "paused"
	taskRetrying  = "retrying"
)

const taskListWidth = 28

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	TaskID    string
	Name      string
	Role      string
	Instance  string
	Attempt   int
	Status    string
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists dispatched tasks and streams the selected one's
// output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first dispatch order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // debounces viewport refreshes
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		t, ok := m.tasks[msg.ID]
		if !ok {
			t = &TaskState{TaskID: msg.ID, StartTime: msg.Timestamp}
			m.tasks[msg.ID] = t
			m.order = append(m.order, msg.ID)
		}
		t.Name = msg.Name
		t.Role = msg.Role
		t.Instance = msg.Instance
		t.Attempt = msg.Attempt
		t.Status = taskRunning
		if msg.Attempt > 1 {
			t.Output = append(t.Output, fmt.Sprintf("[attempt %d on %s]", msg.Attempt, msg.Instance))
		}
		if len(m.order) == 1 || m.selectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		t, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		line := msg.Line
		if msg.Kind != "" && msg.Kind != "content" {
			line = fmt.Sprintf("[%s] %s", msg.Kind, msg.Line)
		}
		t.Output = append(t.Output, line)
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		m.finish(msg.ID, taskCompleted, msg.Duration, fmt.Sprintf("[completed in %v]", msg.Duration.Round(time.Millisecond)))

	case events.TaskFailedEvent:
		note := fmt.Sprintf("[failed: %v]", msg.Err)
		if len(msg.Levels) > 0 {
			note += " " + strings.Join(msg.Levels, " -> ")
		}
		m.finish(msg.ID, taskFailed, msg.Duration, note)

	case events.TaskCancelledEvent:
		m.finish(msg.ID, taskCancelled, 0, "[cancelled: "+msg.Cause+"]")

	case events.TaskRetriedEvent:
		m.finish(msg.ID, taskRetrying, 0, fmt.Sprintf("[retrying on %s: %s]", msg.Instance, msg.Cause))

	case events.TaskPausedEvent:
		m.finish(msg.ID, taskPaused, 0, "[paused behind ticket "+msg.TicketID+"]")

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// finish records a status change with a note line. Tasks never dispatched
// (cancelled by cascade) are added so the list stays complete.
func (m *TaskPaneModel) finish(id, status string, d time.Duration, note string) {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskState{TaskID: id, Name: id}
		m.tasks[id] = t
		m.order = append(m.order, id)
	}
	t.Status = status
	if d > 0 {
		t.Duration = d
	}
	t.Output = append(t.Output, note)
	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(taskListWidth),
		lipgloss.NewStyle().
			Width(m.width-taskListWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		t := m.tasks[id]
		name := t.TaskID
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case taskRunning, taskRetrying:
		return StyleStatusRunning.Render("●")
	case taskCompleted:
		return StyleStatusComplete.Render("✓")
	case taskFailed:
		return StyleStatusFailed.Render("✗")
	case taskPaused:
		return StyleStatusPaused.Render("‖")
	case taskCancelled:
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, if any.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := fmt.Sprintf("%s  %s  %s", t.TaskID, t.Role, t.Instance)
	if t.Name != "" && t.Name != t.TaskID {
		header += "\n" + t.Name
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(t.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-taskListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
