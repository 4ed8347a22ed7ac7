package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/routing"
)

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (strings for Huh)
	saveTarget    string
	maxConcurrent string
	nodeTimeout   string
	gateTimeout   string
	policy        string
	claudeCommand string
	codexCommand  string
	gooseCommand  string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the current config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	cfg := m.config
	m.saveTarget = "project"
	m.maxConcurrent = strconv.Itoa(cfg.Scheduler.MaxConcurrent)
	m.nodeTimeout = cfg.Scheduler.NodeTimeout.String()
	m.gateTimeout = cfg.Scheduler.GateTimeout.String()
	m.policy = cfg.Routing.Policy
	if m.policy == "" {
		m.policy = string(routing.PolicyDomainLead)
	}
	m.claudeCommand = cfg.Providers["claude"].Command
	m.codexCommand = cfg.Providers["codex"].Command
	m.gooseCommand = cfg.Providers["goose"].Command
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration like 30m or 4h")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global ("+m.globalPath+")", "global"),
					huh.NewOption("Project ("+m.projectPath+")", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrent").
				Title("Max Concurrent Tasks").
				Value(&m.maxConcurrent).
				Validate(validatePositiveInt).
				Placeholder("4"),

			huh.NewInput().
				Key("nodeTimeout").
				Title("Task Timeout").
				Value(&m.nodeTimeout).
				Validate(validateDuration).
				Placeholder("30m"),

			huh.NewInput().
				Key("gateTimeout").
				Title("Gate Timeout").
				Value(&m.gateTimeout).
				Validate(validateDuration).
				Placeholder("4h"),

			huh.NewSelect[string]().
				Key("policy").
				Title("Ambiguous Routing").
				Options(
					huh.NewOption("Hand to the domain lead", string(routing.PolicyDomainLead)),
					huh.NewOption("Ask for clarification", string(routing.PolicyClarify)),
				).
				Value(&m.policy),
		).Title("Scheduling"),

		huh.NewGroup(
			huh.NewInput().
				Key("claudeCommand").
				Title("Claude Command").
				Value(&m.claudeCommand).
				Placeholder("claude"),

			huh.NewInput().
				Key("codexCommand").
				Title("Codex Command").
				Value(&m.codexCommand).
				Placeholder("codex"),

			huh.NewInput().
				Key("gooseCommand").
				Title("Goose Command").
				Value(&m.gooseCommand).
				Placeholder("goose"),
		).Title("Providers"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}
	return m, cmd
}

// save applies the form and writes the config to the selected target.
func (m *SettingsPaneModel) save() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	if err := m.config.Validate(); err != nil {
		return err
	}
	target := m.globalPath
	if m.saveTarget == "project" {
		target = m.projectPath
	}
	return config.Save(m.config, target)
}

// applyFormToConfig copies form field values back to the config struct.
func (m *SettingsPaneModel) applyFormToConfig() error {
	n, err := strconv.Atoi(m.maxConcurrent)
	if err != nil {
		return fmt.Errorf("max concurrent: %w", err)
	}
	nodeTimeout, err := time.ParseDuration(m.nodeTimeout)
	if err != nil {
		return fmt.Errorf("task timeout: %w", err)
	}
	gateTimeout, err := time.ParseDuration(m.gateTimeout)
	if err != nil {
		return fmt.Errorf("gate timeout: %w", err)
	}
	m.config.Scheduler.MaxConcurrent = n
	m.config.Scheduler.NodeTimeout = nodeTimeout
	m.config.Scheduler.GateTimeout = gateTimeout
	m.config.Routing.Policy = m.policy

	for name, command := range map[string]string{
		"claude": m.claudeCommand,
		"codex":  m.codexCommand,
		"goose":  m.gooseCommand,
	} {
		if p, ok := m.config.Providers[name]; ok && command != "" {
			p.Command = command
			m.config.Providers[name] = p
		}
	}
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved && m.form.State == huh.StateCompleted:
		content = StyleStatusComplete.Render("✓ Settings saved")
	case m.err != nil:
		content = StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it reloads the
// fields from the config and resets the form.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
