package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneGates
	PaneDAG
	paneCount
)

// Options configures the dashboard.
type Options struct {
	Approver    Approver // nil makes the gate pane read-only
	Actor       string   // recorded on dashboard decisions
	Config      *config.Config
	GlobalPath  string
	ProjectPath string
}

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	taskPane     TaskPaneModel
	gatePane     GatePaneModel
	dagPane      DAGPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
	hasSettings  bool
}

// New creates a dashboard subscribed to every event on bus.
func New(bus *events.EventBus, opts Options) Model {
	actor := opts.Actor
	if actor == "" {
		actor = "dashboard"
	}
	m := Model{
		taskPane:    NewTaskPaneModel(),
		gatePane:    NewGatePaneModel(opts.Approver, actor),
		dagPane:     NewDAGPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    bus.SubscribeAll(256),
	}
	if opts.Config != nil {
		m.settingsPane = NewSettingsPaneModel(opts.Config, opts.GlobalPath, opts.ProjectPath)
		m.hasSettings = true
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the event bus shuts down.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings overlay is modal.
		if m.showSettings {
			switch msg.String() {
			case KeySettings, "esc":
				m.showSettings = false
				m.settingsPane.SetVisible(false)
			default:
				var cmd tea.Cmd
				m.settingsPane, cmd = m.settingsPane.Update(msg)
				cmds = append(cmds, cmd)
				if !m.settingsPane.IsVisible() {
					m.showSettings = false
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			if m.hasSettings {
				m.showSettings = true
				m.settingsPane.SetVisible(true)
				cmds = append(cmds, m.settingsPane.Init())
			}

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneGates
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneGates:
				m.gatePane, cmd = m.gatePane.Update(msg)
			case PaneDAG:
				m.dagPane, cmd = m.dagPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		if m.hasSettings {
			m.settingsPane.SetSize(msg.Width, msg.Height)
		}

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case decisionMsg:
		var cmd tea.Cmd
		m.gatePane, cmd = m.gatePane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskStartedEvent, events.TaskOutputEvent, events.TaskCompletedEvent,
		events.TaskFailedEvent, events.TaskCancelledEvent, events.TaskRetriedEvent, events.TaskPausedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.GateActivatedEvent, events.GateDecisionEvent, events.GateResolvedEvent, events.TicketChangedEvent:
		var cmd tea.Cmd
		m.gatePane, cmd = m.gatePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.DAGProgressEvent, events.DAGChangedEvent:
		var cmd tea.Cmd
		m.dagPane, cmd = m.dagPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Audit and anything newer are not displayed.
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		// Nothing more will arrive; keep the final state on screen.
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.gatePane.View(), m.dagPane.View())
	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), right)
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView())
}

// computeLayout gives tasks the left 45%, gates the top of the right side
// and progress the rest. One line is kept for the help bar.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1
	gateHeight := (availableHeight * 60) / 100

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.gatePane.SetSize(rightWidth, gateHeight)
	m.dagPane.SetSize(rightWidth, availableHeight-gateHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.gatePane.SetFocused(m.focusedPane == PaneGates)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
