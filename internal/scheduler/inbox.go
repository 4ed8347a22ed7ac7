package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
)

type commandKind int

const (
	cmdApproval commandKind = iota
	cmdOverride
	cmdCancel
	cmdGateExpired
)

// command is a request into the coordinator. reply is buffered so the
// coordinator never blocks on an abandoned caller.
type command struct {
	kind     commandKind
	approval gate.Approval
	override gate.Override
	gateID   string
	taskID   string
	actor    string
	round    int
	reply    chan error
}

// request sends cmd and waits for the coordinator's answer.
func (s *Scheduler) request(ctx context.Context, cmd command) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	cmd.reply = make(chan error, 1)

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		// Run may have answered just before exiting.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers cmd without waiting for the answer. It gives up once Run
// has returned.
func (s *Scheduler) post(cmd command) {
	cmd.reply = make(chan error, 1)
	select {
	case s.inbox <- cmd:
	case <-s.done:
	}
}

// SubmitApproval records one approver decision. Repeating an identical
// decision is a no-op.
func (s *Scheduler) SubmitApproval(ctx context.Context, a gate.Approval) error {
	return s.request(ctx, command{kind: cmdApproval, approval: a})
}

// OverrideGate force-passes a gate. Only a human actor with a reason may
// override; every accepted override is audited.
func (s *Scheduler) OverrideGate(ctx context.Context, gateID string, o gate.Override) error {
	return s.request(ctx, command{kind: cmdOverride, gateID: gateID, override: o})
}

// Cancel cancels a task. A running attempt is stopped through its context;
// dependents that have not started are cancelled too.
func (s *Scheduler) Cancel(ctx context.Context, taskID, actor string) error {
	return s.request(ctx, command{kind: cmdCancel, taskID: taskID, actor: actor})
}

// ResolveTicket resolves an escalation ticket. The scheduler reacts through
// its watch on the escalation manager.
func (s *Scheduler) ResolveTicket(ticketID string, res escalation.Resolution) (escalation.Ticket, error) {
	if s.cfg.Escalation == nil {
		return escalation.Ticket{}, errors.New("no escalation manager configured")
	}
	return s.cfg.Escalation.Resolve(ticketID, res)
}

// handle runs on the coordinator goroutine.
func (s *Scheduler) handle(cmd command) error {
	switch cmd.kind {
	case cmdApproval:
		return s.handleApproval(cmd.approval)
	case cmdOverride:
		return s.handleOverride(cmd.gateID, cmd.override)
	case cmdCancel:
		return s.handleCancel(cmd.taskID, cmd.actor)
	case cmdGateExpired:
		s.handleGateExpired(cmd.gateID, cmd.round)
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (s *Scheduler) handleApproval(a gate.Approval) error {
	g, ok := s.gates[a.GateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGate, a.GateID)
	}
	changed, err := g.Record(a)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	recorded := g.Approvals[a.Role]
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveApproval(ctx, recorded) })
	s.saveGate(g)
	s.cfg.Metrics.GateDecision(string(a.Decision))
	s.publish(events.GateDecisionEvent{GateID: g.ID, Role: a.Role, Decision: string(a.Decision), Reason: a.Reason, Timestamp: time.Now()})
	s.logger.Info("gate decision", "gate", g.ID, "role", a.Role, "decision", string(a.Decision))

	switch g.Status {
	case gate.StatusPassed:
		s.gateResolved(g, false)
	case gate.StatusFailed:
		s.gateResolved(g, false)
		if err := s.remediate(g); err != nil {
			s.logger.Error("remediation failed", "gate", g.ID, "error", err)
			return err
		}
	}
	return nil
}

func (s *Scheduler) handleOverride(gateID string, o gate.Override) error {
	g, ok := s.gates[gateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGate, gateID)
	}
	if g.Status == gate.StatusPassed {
		return fmt.Errorf("%w: gate %s already passed", gate.ErrGateClosed, gateID)
	}
	if err := g.ApplyOverride(o); err != nil {
		s.logger.Warn("override denied", "gate", gateID, "actor", o.Actor, "human", o.Human)
		return err
	}

	s.saveGate(g)
	s.audit(events.NewAudit(events.AuditGateOverride, o.Actor, g.ID, o.Reason))
	s.cfg.Metrics.GateDecision("override")
	s.gateResolved(g, true)
	return nil
}

// gateResolved publishes a pass or fail and stops the gate's timer and
// tickets.
func (s *Scheduler) gateResolved(g *gate.Gate, overridden bool) {
	s.stopGateTimer(g.ID)
	s.resolveAnchored(escalation.Anchor{Kind: escalation.AnchorGate, ID: g.ID}, "gate "+string(g.Status))
	s.publish(events.GateResolvedEvent{
		GateID:     g.ID,
		Checkpoint: g.Checkpoint,
		Status:     string(g.Status),
		Round:      g.Round,
		Overridden: overridden,
		Timestamp:  time.Now(),
	})
	s.logger.Info("gate resolved", "gate", g.ID, "status", string(g.Status), "round", g.Round, "overridden", overridden)
}

func (s *Scheduler) handleCancel(id, actor string) error {
	task, ok := s.dag.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if actor == "" {
		actor = systemActor
	}
	cause := "cancelled by " + actor

	switch task.Status {
	case StatusPending:
		s.cancelTask(id, cause)
		return nil
	case StatusRunning:
		if f, ok := s.running[id]; ok {
			f.cancelRequested = true
			f.cause = cause
			f.cancel()
			return nil
		}
		// Queued for retry or paused behind a ticket.
		s.unqueue(id)
		s.release(id, BindingIdle)
		s.cancelTask(id, cause)
		return nil
	}
	return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, task.Status)
}

func (s *Scheduler) unqueue(id string) {
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.taskID != id {
			kept = append(kept, q)
		}
	}
	s.queue = kept
}

// handleGateExpired opens an L1 ticket for a gate still waiting on
// decisions when its timer fires.
func (s *Scheduler) handleGateExpired(id string, round int) {
	g, ok := s.gates[id]
	if !ok || !g.Active || g.Status != gate.StatusPending || g.Round != round {
		return
	}
	delete(s.gateTimers, id)
	if s.cfg.Escalation == nil {
		s.logger.Warn("gate timed out with no escalation manager", "gate", id)
		return
	}
	team := ""
	if t, ok := s.dag.Get(g.To[0]); ok {
		team = t.Team
	}
	reason := fmt.Sprintf("gate %s (%s) waiting on %v", g.ID, g.Checkpoint, pendingApprovers(g))
	ticket, err := s.cfg.Escalation.Open(escalation.Anchor{Kind: escalation.AnchorGate, ID: g.ID}, team, reason, escalation.L1)
	if err != nil {
		s.logger.Error("failed to open gate ticket", "gate", id, "error", err)
		return
	}
	s.applyTicket(ticket)
}

func pendingApprovers(g *gate.Gate) []string {
	var out []string
	for _, role := range g.Required {
		if a, ok := g.Approvals[role]; !ok || a.Decision != gate.Approve {
			out = append(out, role)
		}
	}
	return out
}
