package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
)

// Approver records gate decisions. The orchestrator engine satisfies it.
type Approver interface {
	Approve(ctx context.Context, a gate.Approval) error
}

// GateState is what the dashboard knows about one gate.
type GateState struct {
	ID         string
	Checkpoint string
	Approvers  []string
	Decisions  map[string]string // role -> approve/reject, current round
	Status     string
	Round      int
	Overridden bool
}

// NextApprover returns the first required role that has not approved.
func (g *GateState) NextApprover() (string, bool) {
	for _, role := range g.Approvers {
		if g.Decisions[role] != string(gate.Approve) {
			return role, true
		}
	}
	return "", false
}

// TicketState is an escalation ticket as last reported.
type TicketState struct {
	ID       string
	Anchor   string
	Level    string
	Owner    string
	Reason   string
	Resolved bool
}

// decisionMsg carries the result of an approve or reject keypress.
type decisionMsg struct {
	gateID string
	role   string
	err    error
}

// GatePaneModel lists gates and open tickets. With an Approver the
// selected gate's next approver can approve or reject from the keyboard.
type GatePaneModel struct {
	approver    Approver
	actor       string
	gates       map[string]*GateState
	order       []string
	tickets     map[string]*TicketState
	selectedIdx int
	status      string // last action result
	width       int
	height      int
	focused     bool
}

// NewGatePaneModel creates a gate pane. approver may be nil for a
// read-only dashboard.
func NewGatePaneModel(approver Approver, actor string) GatePaneModel {
	return GatePaneModel{
		approver: approver,
		actor:    actor,
		gates:    make(map[string]*GateState),
		tickets:  make(map[string]*TicketState),
	}
}

// Update handles messages for the gate pane.
func (m GatePaneModel) Update(msg tea.Msg) (GatePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		case KeyApprove:
			return m, m.decide(gate.Approve)
		case KeyReject:
			return m, m.decide(gate.Reject)
		}

	case decisionMsg:
		if msg.err != nil {
			m.status = StyleError.Render(fmt.Sprintf("%s: %v", msg.gateID, msg.err))
		} else {
			m.status = fmt.Sprintf("%s: recorded for %s", msg.gateID, msg.role)
		}

	case events.GateActivatedEvent:
		g := m.gate(msg.GateID)
		g.Checkpoint = msg.Checkpoint
		g.Approvers = append([]string(nil), msg.Approvers...)
		if msg.Round != g.Round || g.Decisions == nil {
			g.Decisions = make(map[string]string)
		}
		g.Round = msg.Round
		g.Status = string(gate.StatusPending)

	case events.GateDecisionEvent:
		g := m.gate(msg.GateID)
		if g.Decisions == nil {
			g.Decisions = make(map[string]string)
		}
		g.Decisions[msg.Role] = msg.Decision

	case events.GateResolvedEvent:
		g := m.gate(msg.GateID)
		g.Checkpoint = msg.Checkpoint
		g.Status = msg.Status
		g.Round = msg.Round
		g.Overridden = msg.Overridden

	case events.TicketChangedEvent:
		if msg.Resolved {
			delete(m.tickets, msg.TicketID)
			break
		}
		m.tickets[msg.TicketID] = &TicketState{
			ID:     msg.TicketID,
			Anchor: msg.Anchor,
			Level:  msg.Level,
			Owner:  msg.Owner,
			Reason: msg.Reason,
		}
	}
	return m, nil
}

func (m *GatePaneModel) gate(id string) *GateState {
	g, ok := m.gates[id]
	if !ok {
		g = &GateState{ID: id, Decisions: make(map[string]string)}
		m.gates[id] = g
		m.order = append(m.order, id)
	}
	return g
}

// decide returns a command recording d for the selected gate's next
// approver.
func (m *GatePaneModel) decide(d gate.Decision) tea.Cmd {
	g, ok := m.Selected()
	if !ok {
		return nil
	}
	if m.approver == nil {
		m.status = "read-only: no approver attached"
		return nil
	}
	if g.Status != string(gate.StatusPending) {
		m.status = fmt.Sprintf("%s is %s", g.ID, g.Status)
		return nil
	}
	role, ok := g.NextApprover()
	if !ok {
		return nil
	}
	approval := gate.Approval{
		GateID:   g.ID,
		Role:     role,
		Decision: d,
		Reason:   fmt.Sprintf("%s from dashboard by %s", d, m.actor),
	}
	approver := m.approver
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return decisionMsg{gateID: approval.GateID, role: role, err: approver.Approve(ctx, approval)}
	}
}

// Selected returns the selected gate, if any.
func (m GatePaneModel) Selected() (*GateState, bool) {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.order) {
		return nil, false
	}
	return m.gates[m.order[m.selectedIdx]], true
}

// OpenTickets returns unresolved tickets sorted by id.
func (m GatePaneModel) OpenTickets() []TicketState {
	out := make([]TicketState, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// View renders the gate pane.
func (m GatePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Gates")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("No gates yet"))
		b.WriteString("\n")
	}
	for i, id := range m.order {
		g := m.gates[id]
		line := fmt.Sprintf("%s %-24s %-16s %s", gateIcon(g), g.ID, g.Checkpoint, renderApprovers(g))
		if g.Round > 0 {
			line += fmt.Sprintf(" round %d", g.Round)
		}
		if g.Overridden {
			line += " (override)"
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if tickets := m.OpenTickets(); len(tickets) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Escalations"))
		b.WriteString("\n")
		for _, t := range tickets {
			fmt.Fprintf(&b, "%s %s %s -> %s: %s\n", StyleStatusPaused.Render(t.Level), t.ID, t.Anchor, t.Owner, t.Reason)
		}
	}
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
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

func gateIcon(g *GateState) string {
	switch g.Status {
	case string(gate.StatusPassed):
		return StyleStatusComplete.Render("✓")
	case string(gate.StatusFailed):
		return StyleStatusFailed.Render("✗")
	case string(gate.StatusPending):
		return StyleStatusRunning.Render("◆")
	default:
		return StyleStatusPending.Render("○")
	}
}

func renderApprovers(g *GateState) string {
	parts := make([]string, len(g.Approvers))
	for i, role := range g.Approvers {
		switch g.Decisions[role] {
		case string(gate.Approve):
			parts[i] = StyleStatusComplete.Render(role)
		case string(gate.Reject):
			parts[i] = StyleStatusFailed.Render(role)
		default:
			parts[i] = role
		}
	}
	return strings.Join(parts, " ")
}

// SetSize updates the pane dimensions.
func (m *GatePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *GatePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
