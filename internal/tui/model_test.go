package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
)

type fakeApprover struct {
	got []gate.Approval
	err error
}

func (f *fakeApprover) Approve(_ context.Context, a gate.Approval) error {
	f.got = append(f.got, a)
	return f.err
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTaskPaneTracksLifecycle(t *testing.T) {
	m := NewTaskPaneModel()
	m.SetSize(80, 20)
	now := time.Now()

	m, _ = m.Update(events.TaskStartedEvent{ID: "p1-design", Name: "design: login", Role: "design:architecture", Instance: "architect", Attempt: 1, Timestamp: now})
	m, cmd := m.Update(events.TaskOutputEvent{ID: "p1-design", Kind: "content", Line: "drafting schema"})
	if cmd == nil {
		t.Error("output for the selected task should schedule a refresh")
	}
	m, _ = m.Update(events.TaskCompletedEvent{ID: "p1-design", Duration: 2 * time.Second})
	m, _ = m.Update(events.TaskCancelledEvent{ID: "p1-deploy", Cause: "cancelled by alice"})

	sel, ok := m.Selected()
	if !ok || sel.TaskID != "p1-design" {
		t.Fatalf("Selected() = %+v, %v", sel, ok)
	}
	if sel.Status != taskCompleted || sel.Duration != 2*time.Second {
		t.Errorf("design = %+v", sel)
	}
	if len(sel.Output) != 2 || sel.Output[0] != "drafting schema" {
		t.Errorf("output = %q", sel.Output)
	}

	m.SetFocused(true)
	m, _ = m.Update(key(KeyJ))
	sel, _ = m.Selected()
	if sel.TaskID != "p1-deploy" || sel.Status != taskCancelled {
		t.Errorf("after j: %+v", sel)
	}
	if !strings.Contains(m.View(), "p1-deploy") {
		t.Error("view should list cancelled task")
	}
}

func TestTaskPaneRetryAndPause(t *testing.T) {
	m := NewTaskPaneModel()
	m, _ = m.Update(events.TaskStartedEvent{ID: "t", Attempt: 1})
	m, _ = m.Update(events.TaskRetriedEvent{ID: "t", Instance: "backend-2", Cause: "transient"})
	if s, _ := m.Selected(); s.Status != taskRetrying {
		t.Errorf("status = %s, want retrying", s.Status)
	}
	m, _ = m.Update(events.TaskStartedEvent{ID: "t", Instance: "backend-2", Attempt: 2})
	m, _ = m.Update(events.TaskPausedEvent{ID: "t", TicketID: "tk-1"})
	s, _ := m.Selected()
	if s.Status != taskPaused || s.Attempt != 2 {
		t.Errorf("task = %+v", s)
	}
}

func TestGatePaneApprovesNextRole(t *testing.T) {
	approver := &fakeApprover{}
	m := NewGatePaneModel(approver, "alice")
	m.SetFocused(true)

	m, _ = m.Update(events.GateActivatedEvent{GateID: "g-4", Checkpoint: "deploy", Approvers: []string{"qa:lead", "ops:lead"}})
	m, _ = m.Update(events.GateDecisionEvent{GateID: "g-4", Role: "qa:lead", Decision: "approve"})

	g, ok := m.Selected()
	if !ok {
		t.Fatal("no gate selected")
	}
	if next, _ := g.NextApprover(); next != "ops:lead" {
		t.Errorf("NextApprover() = %s, want ops:lead", next)
	}

	m, cmd := m.Update(key(KeyApprove))
	if cmd == nil {
		t.Fatal("approve key produced no command")
	}
	m, _ = m.Update(cmd())
	if len(approver.got) != 1 {
		t.Fatalf("approvals = %+v", approver.got)
	}
	a := approver.got[0]
	if a.GateID != "g-4" || a.Role != "ops:lead" || a.Decision != gate.Approve {
		t.Errorf("approval = %+v", a)
	}
	if !strings.Contains(a.Reason, "alice") {
		t.Errorf("reason = %q", a.Reason)
	}
	if !strings.Contains(m.status, "recorded") {
		t.Errorf("status = %q", m.status)
	}
}

func TestGatePaneRejectErrorAndResolvedGate(t *testing.T) {
	approver := &fakeApprover{err: errors.New("out of order")}
	m := NewGatePaneModel(approver, "alice")
	m.SetFocused(true)
	m, _ = m.Update(events.GateActivatedEvent{GateID: "g-1", Checkpoint: "security", Approvers: []string{"security:lead"}})

	m, cmd := m.Update(key(KeyReject))
	m, _ = m.Update(cmd())
	if approver.got[0].Decision != gate.Reject {
		t.Errorf("decision = %s", approver.got[0].Decision)
	}
	if !strings.Contains(m.status, "out of order") {
		t.Errorf("status = %q", m.status)
	}

	m, _ = m.Update(events.GateResolvedEvent{GateID: "g-1", Checkpoint: "security", Status: "passed", Overridden: true})
	if _, cmd := m.Update(key(KeyApprove)); cmd != nil {
		t.Error("resolved gate must not accept decisions")
	}

	// A new round clears the previous decisions.
	m, _ = m.Update(events.GateDecisionEvent{GateID: "g-1", Role: "security:lead", Decision: "reject"})
	m, _ = m.Update(events.GateActivatedEvent{GateID: "g-1", Checkpoint: "security", Approvers: []string{"security:lead"}, Round: 1})
	g, _ := m.Selected()
	if len(g.Decisions) != 0 || g.Status != "pending" {
		t.Errorf("gate after new round = %+v", g)
	}
}

func TestGatePaneReadOnly(t *testing.T) {
	m := NewGatePaneModel(nil, "alice")
	m.SetFocused(true)
	m, _ = m.Update(events.GateActivatedEvent{GateID: "g-1", Approvers: []string{"qa:lead"}})
	m, cmd := m.Update(key(KeyApprove))
	if cmd != nil {
		t.Error("read-only pane produced a command")
	}
	if !strings.Contains(m.status, "read-only") {
		t.Errorf("status = %q", m.status)
	}
}

func TestGatePaneTickets(t *testing.T) {
	m := NewGatePaneModel(nil, "")
	m, _ = m.Update(events.TicketChangedEvent{TicketID: "tk-2", Anchor: "node:p1-test", Level: "L2", Owner: "qa-lead"})
	m, _ = m.Update(events.TicketChangedEvent{TicketID: "tk-1", Anchor: "gate:g-1", Level: "L1", Owner: "qa-lead"})
	if got := m.OpenTickets(); len(got) != 2 || got[0].ID != "tk-1" {
		t.Fatalf("OpenTickets() = %+v", got)
	}
	m, _ = m.Update(events.TicketChangedEvent{TicketID: "tk-1", Resolved: true})
	if got := m.OpenTickets(); len(got) != 1 || got[0].ID != "tk-2" {
		t.Errorf("OpenTickets() after resolve = %+v", got)
	}
}

func TestDAGPaneProgress(t *testing.T) {
	m := NewDAGPaneModel()
	m.SetSize(60, 20)
	m, _ = m.Update(events.DAGProgressEvent{Total: 4, Completed: 2, Running: 1, Pending: 1})
	m, _ = m.Update(events.DAGChangedEvent{Added: []string{"p1-implementation-remediation-1"}, Reason: "gate rejection"})

	view := m.View()
	if !strings.Contains(view, "2/4") {
		t.Errorf("view missing progress: %s", view)
	}
	if !strings.Contains(view, "p1-implementation-remediation-1") {
		t.Errorf("view missing change: %s", view)
	}
	if bar := progressBar(events.DAGProgressEvent{}, 10); bar != "" {
		t.Errorf("empty progress bar = %q", bar)
	}
}

func TestModelRoutesEventsAndFocus(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	m := New(bus, Options{Approver: &fakeApprover{}, Config: config.DefaultConfig(), GlobalPath: "g.yaml", ProjectPath: "p.yaml"})

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)

	next, cmd := m.Update(events.GateActivatedEvent{GateID: "g-1", Approvers: []string{"qa:lead"}})
	m = next.(Model)
	if cmd == nil {
		t.Error("event handling must wait for the next event")
	}
	if _, ok := m.gatePane.Selected(); !ok {
		t.Error("gate event not routed to gate pane")
	}

	next, _ = m.Update(events.NewAudit(events.AuditGateOverride, "alice", "g-1", "ok"))
	m = next.(Model)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.focusedPane != PaneGates {
		t.Errorf("focus after tab = %d, want gates", m.focusedPane)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	m = next.(Model)
	if m.focusedPane != PaneTasks {
		t.Errorf("focus after shift+tab = %d, want tasks", m.focusedPane)
	}

	if v := m.View(); !strings.Contains(v, "Gates") || !strings.Contains(v, "Tasks") {
		t.Errorf("view missing panes")
	}

	next, cmd = m.Update(key(KeyQuit))
	if cmd == nil || !next.(Model).quitting {
		t.Error("q should quit")
	}
}

func TestSettingsApplyFormToConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	m := NewSettingsPaneModel(cfg, "g.yaml", "p.yaml")
	m.maxConcurrent = "8"
	m.nodeTimeout = "45m"
	m.gateTimeout = "2h"
	m.policy = "clarify"
	m.codexCommand = "/opt/bin/codex"

	if err := m.applyFormToConfig(); err != nil {
		t.Fatalf("applyFormToConfig() error = %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 8 || cfg.Scheduler.NodeTimeout != 45*time.Minute || cfg.Scheduler.GateTimeout != 2*time.Hour {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Routing.Policy != "clarify" {
		t.Errorf("policy = %s", cfg.Routing.Policy)
	}
	if cfg.Providers["codex"].Command != "/opt/bin/codex" {
		t.Errorf("codex = %+v", cfg.Providers["codex"])
	}

	m.nodeTimeout = "soon"
	if err := m.applyFormToConfig(); err == nil {
		t.Error("expected error for bad duration")
	}
	if validatePositiveInt("0") == nil || validatePositiveInt("3") != nil {
		t.Error("validatePositiveInt misbehaves")
	}
}
