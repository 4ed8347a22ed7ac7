// Package scheduler executes a task DAG against pools of executors.
//
// A single coordinator goroutine owns every task, gate, and binding
// mutation. Workers run one executor attempt each and report back over a
// channel; approvals, overrides, cancellations, and ticket changes arrive
// through the command inbox.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/conflict"
	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/resilience"
)

var (
	// ErrNotRunning is returned by commands sent before Run or after it
	// returned.
	ErrNotRunning = errors.New("scheduler is not running")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("scheduler already ran")
	// ErrUnknownGate is returned for decisions on a gate the DAG does not
	// have.
	ErrUnknownGate = errors.New("unknown gate")
	// ErrUnknownTask is returned for commands on a task the DAG does not
	// have.
	ErrUnknownTask = errors.New("unknown task")
)

const systemActor = "scheduler"

// Recorder persists scheduler state. Implementations must be safe for
// concurrent use; transcripts are appended from worker goroutines.
type Recorder interface {
	SaveTask(ctx context.Context, task *Task) error
	SaveEdges(ctx context.Context, edges []Edge) error
	SaveGate(ctx context.Context, g *gate.Gate) error
	SaveApproval(ctx context.Context, a gate.Approval) error
	SaveTicket(ctx context.Context, t escalation.Ticket) error
	SaveBinding(ctx context.Context, b Binding) error
	AppendTranscript(ctx context.Context, taskID, messageType, content string) error
	SaveAudit(ctx context.Context, e events.AuditEvent) error
}

// Config configures a Scheduler.
type Config struct {
	MaxConcurrent int           // Max concurrent attempts (default 4)
	NodeTimeout   time.Duration // Per-attempt timeout when a task sets none (default 30m)
	GateTimeout   time.Duration // Gate timeout when a gate sets none; zero disables

	Pool       *Pool                       // Executor instances (required)
	Escalation *escalation.Manager         // Optional; without it timeouts and conflicts fail the node
	Resolver   *conflict.Resolver          // Optional; nil skips conflict detection
	Breakers   *resilience.BreakerRegistry // Optional; one is created when nil
	Bus        *events.EventBus            // Optional
	Metrics    *metrics.Metrics            // Optional
	Recorder   Recorder                    // Optional
	Logger     *slog.Logger
}

// nodeState is the coordinator's bookkeeping for one task.
type nodeState struct {
	instance    string          // bound executor instance, if any
	tried       map[string]bool // instances that already failed this task
	retriedSame bool
	timeouts    int
	paused      string // ticket id while the branch waits on a ticket
	levels      []string
}

// queued is an attempt waiting for a dispatch slot.
type queued struct {
	taskID   string
	instance string // empty: acquire any untried instance
	cause    string
}

// Outcome is the result of a run.
type Outcome struct {
	Status Status            // completed, failed or cancelled
	Leaves map[string]Status // terminal status per leaf task
	Tasks  []*Task
}

// Snapshot is a read-only view of scheduler state.
type Snapshot struct {
	Running  bool
	Tasks    []*Task
	Gates    []*gate.Gate
	Bindings []Binding
	Tickets  []escalation.Ticket
	Blocked  map[string][]string // task id -> open ticket ids
	Paused   map[string]string   // task id -> ticket id
}

// Scheduler runs one DAG to completion.
type Scheduler struct {
	cfg       Config
	dag       *DAG
	gates     map[string]*gate.Gate
	gateOrder []string
	gateOwner map[string]string // gate id -> phase that owns remediation
	pool      *Pool
	logger    *slog.Logger

	inbox   chan command
	results chan attemptResult
	done    chan struct{}
	started atomic.Bool
	snap    atomic.Pointer[Snapshot]

	tmu        sync.Mutex
	ticketQ    []escalation.Ticket
	ticketWake chan struct{}

	// Owned by the coordinator goroutine.
	runCtx     context.Context
	group      *errgroup.Group
	inFlight   int
	running    map[string]*flight
	queue      []queued
	nodes      map[string]*nodeState
	blockers   map[string]map[string]bool
	tickets    map[string]escalation.Ticket
	gateTimers map[string]*time.Timer
	progress   events.DAGProgressEvent
}

// New creates a scheduler for dag guarded by gates.
func New(cfg Config, dag *DAG, gates []*gate.Gate) (*Scheduler, error) {
	if dag == nil {
		return nil, &faults.ValidationError{Subject: "scheduler", Reason: "nil DAG"}
	}
	if cfg.Pool == nil {
		return nil, &faults.ValidationError{Subject: "scheduler", Reason: "executor pool required"}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 30 * time.Minute
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakerRegistry(cfg.Logger, 0, 0)
	}

	s := &Scheduler{
		cfg:        cfg,
		dag:        dag,
		gates:      make(map[string]*gate.Gate, len(gates)),
		gateOwner:  make(map[string]string, len(gates)),
		pool:       cfg.Pool,
		logger:     logging.Component(cfg.Logger, "scheduler"),
		inbox:      make(chan command, 64),
		results:    make(chan attemptResult, cfg.MaxConcurrent),
		done:       make(chan struct{}),
		ticketWake: make(chan struct{}, 1),
		running:    make(map[string]*flight),
		nodes:      make(map[string]*nodeState),
		blockers:   make(map[string]map[string]bool),
		tickets:    make(map[string]escalation.Ticket),
		gateTimers: make(map[string]*time.Timer),
	}
	for _, g := range gates {
		if _, dup := s.gates[g.ID]; dup {
			return nil, &faults.ValidationError{Subject: g.ID, Reason: "duplicate gate id"}
		}
		for _, id := range append(append([]string(nil), g.From...), g.To...) {
			if _, ok := dag.Get(id); !ok {
				return nil, &faults.ValidationError{Subject: g.ID, Reason: fmt.Sprintf("gate references unknown task %q", id)}
			}
		}
		if len(g.From) == 0 || len(g.To) == 0 {
			return nil, &faults.ValidationError{Subject: g.ID, Reason: "gate needs predecessors and successors"}
		}
		s.gates[g.ID] = g
		s.gateOwner[g.ID] = g.From[0]
		s.gateOrder = append(s.gateOrder, g.ID)
	}
	s.publishSnapshot(false)
	return s, nil
}

// Run executes the DAG until every task is terminal or ctx is cancelled.
// A malformed DAG is rejected with a ValidationError before anything is
// dispatched.
func (s *Scheduler) Run(ctx context.Context) (*Outcome, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer close(s.done)

	if _, err := s.dag.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx
	s.group = new(errgroup.Group)
	s.group.SetLimit(s.cfg.MaxConcurrent)

	if s.cfg.Escalation != nil {
		unwatch := s.cfg.Escalation.Watch(s.ticketChanged)
		defer unwatch()
	}

	poolWake, unwatchPool := s.pool.Watch()
	defer unwatchPool()

	s.persistPlan()
	s.logger.Info("run started", "tasks", s.dag.Len(), "gates", len(s.gates), "max_concurrent", s.cfg.MaxConcurrent)

	s.activateGates()
	s.dispatch()
	s.publishSnapshot(true)

	var runErr error
	for !s.finished() {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
		case r := <-s.results:
			s.handleResult(r)
		case cmd := <-s.inbox:
			cmd.reply <- s.handle(cmd)
		case <-s.ticketWake:
			s.drainTickets()
		case <-poolWake:
		}
		if runErr != nil {
			break
		}
		s.dispatch()
		s.publishSnapshot(true)
	}

	if runErr != nil {
		s.shutdown(runErr)
	}
	_ = s.group.Wait()
	for _, t := range s.gateTimers {
		t.Stop()
	}
	s.drainTickets()
	s.publishSnapshot(false)

	outcome := s.outcome()
	s.logger.Info("run finished", "status", string(outcome.Status), "error", runErr)
	return outcome, runErr
}

// finished reports whether nothing is left to do.
func (s *Scheduler) finished() bool {
	return s.inFlight == 0 && len(s.queue) == 0 && s.dag.Done()
}

// shutdown cancels every in-flight attempt and marks running tasks
// cancelled. Tasks that never started stay pending unless a cancelled
// predecessor cascades to them.
func (s *Scheduler) shutdown(cause error) {
	for _, f := range s.running {
		f.cancelRequested = true
		f.cause = fmt.Sprintf("run stopped: %v", cause)
		f.cancel()
	}
	for s.inFlight > 0 {
		s.handleResult(<-s.results)
	}
	for _, q := range s.queue {
		s.release(q.taskID, BindingIdle)
		s.cancelTask(q.taskID, fmt.Sprintf("run stopped: %v", cause))
	}
	s.queue = nil
	for id, ns := range s.nodes {
		if ns.paused != "" {
			s.release(id, BindingIdle)
			s.cancelTask(id, fmt.Sprintf("run stopped: %v", cause))
		}
	}
}

func (s *Scheduler) outcome() *Outcome {
	out := &Outcome{Leaves: make(map[string]Status), Tasks: s.dag.Tasks()}
	allCompleted := true
	anyFailed := false
	for _, t := range out.Tasks {
		if t.Status == StatusFailed {
			anyFailed = true
		}
	}
	for _, id := range s.dag.Leaves() {
		t, _ := s.dag.Get(id)
		out.Leaves[id] = t.Status
		if t.Status != StatusCompleted {
			allCompleted = false
		}
	}
	switch {
	case allCompleted:
		out.Status = StatusCompleted
	case anyFailed:
		out.Status = StatusFailed
	default:
		out.Status = StatusCancelled
	}
	return out
}

// node returns the bookkeeping for id, creating it on first use.
func (s *Scheduler) node(id string) *nodeState {
	ns, ok := s.nodes[id]
	if !ok {
		ns = &nodeState{tried: make(map[string]bool)}
		s.nodes[id] = ns
	}
	return ns
}

// blocked reports whether a gate or an open ticket holds task id back.
func (s *Scheduler) blocked(id string) bool {
	if len(s.blockers[id]) > 0 {
		return true
	}
	for _, gid := range s.gateOrder {
		g := s.gates[gid]
		if g.Guards(id) && g.Status != gate.StatusPassed {
			return true
		}
	}
	return false
}

// handleResult applies a finished attempt.
func (s *Scheduler) handleResult(r attemptResult) {
	f := s.running[r.TaskID]
	delete(s.running, r.TaskID)
	s.inFlight--

	status := "completed"
	if r.Err != nil {
		status = "failed"
	}
	role := ""
	if t, ok := s.dag.Get(r.TaskID); ok {
		role = t.Role
	}
	s.cfg.Metrics.AttemptFinished(role, status, r.Duration)

	if f != nil && f.cancelRequested {
		s.release(r.TaskID, BindingIdle)
		s.cancelTask(r.TaskID, f.cause)
		return
	}
	if r.Err == nil {
		s.complete(r)
		return
	}
	s.recover(r)
}

func (s *Scheduler) complete(r attemptResult) {
	s.dag.Update(r.TaskID, func(t *Task) { t.Output = r.Result })
	task, err := s.dag.Transition(r.TaskID, StatusCompleted)
	if err != nil {
		s.logger.Error("failed to complete task", "task", r.TaskID, "error", err)
		return
	}
	s.release(r.TaskID, BindingSuccess)
	// Successors are dispatched only after this write.
	s.saveTask(task)

	content := ""
	if r.Result != nil {
		content = r.Result.Content
	}
	s.publish(events.TaskCompletedEvent{ID: task.ID, Result: content, Duration: r.Duration, Timestamp: time.Now()})
	s.cfg.Metrics.Terminal(string(StatusCompleted))
	s.logger.Info("task completed", "task", task.ID, "role", task.Role, "attempts", task.Attempts)

	s.checkBarriers(task.ID)
	s.activateGates()
}

// recover decides between retrying, trying another instance, pausing, and
// failing after an attempt error.
func (s *Scheduler) recover(r attemptResult) {
	task, ok := s.dag.Get(r.TaskID)
	if !ok {
		return
	}
	ns := s.node(r.TaskID)
	ns.tried[r.Instance] = true

	if r.TimedOut {
		ns.timeouts++
		if ns.timeouts == 1 {
			s.retry(task, r.Instance, "timeout", r.Err)
			return
		}
		s.pause(task, r)
		return
	}

	if faults.IsTransient(r.Err) && !ns.retriedSame {
		ns.retriedSame = true
		s.retry(task, r.Instance, "transient", r.Err)
		return
	}

	if s.pool.CountExcept(task.Role, ns.tried) > 0 {
		s.release(task.ID, BindingError)
		s.retry(task, "", "alternate", r.Err)
		return
	}

	s.release(task.ID, BindingError)
	s.fail(task.ID, r.Err)
}

func (s *Scheduler) retry(task *Task, instance, cause string, err error) {
	if instance != "" {
		if b, ok := s.pool.Set(instance, BindingPending); ok {
			s.saveBinding(b)
		}
	}
	s.queue = append(s.queue, queued{taskID: task.ID, instance: instance, cause: cause})
	s.cfg.Metrics.Retried(cause)
	s.logger.Warn("retrying task", "task", task.ID, "instance", instance, "cause", cause, "error", err)
}

// pause parks a task that timed out twice behind an L1 ticket.
func (s *Scheduler) pause(task *Task, r attemptResult) {
	if s.cfg.Escalation == nil {
		s.release(task.ID, BindingError)
		s.fail(task.ID, r.Err)
		return
	}
	reason := fmt.Sprintf("task %s timed out twice: %v", task.ID, r.Err)
	ticket, err := s.cfg.Escalation.Open(escalation.Anchor{Kind: escalation.AnchorNode, ID: task.ID}, task.Team, reason, escalation.L1)
	if err != nil {
		s.logger.Error("failed to open ticket", "task", task.ID, "error", err)
		s.release(task.ID, BindingError)
		s.fail(task.ID, r.Err)
		return
	}
	ns := s.node(task.ID)
	ns.paused = ticket.ID
	if b, ok := s.pool.Set(r.Instance, BindingPaused); ok {
		s.saveBinding(b)
	}
	s.applyTicket(ticket)
	s.publish(events.TaskPausedEvent{ID: task.ID, TicketID: ticket.ID, Timestamp: time.Now()})
	s.logger.Warn("task paused", "task", task.ID, "ticket", ticket.ID)
}

// fail marks a running task failed and cascades to its dependents.
func (s *Scheduler) fail(id string, cause error) {
	ns := s.node(id)
	s.dag.Update(id, func(t *Task) {
		t.Failure = &Failure{Reason: cause.Error(), Levels: append([]string(nil), ns.levels...)}
	})
	task, err := s.dag.Transition(id, StatusFailed)
	if err != nil {
		s.logger.Error("failed to fail task", "task", id, "error", err)
		return
	}
	s.saveTask(task)
	s.publish(events.TaskFailedEvent{ID: id, Err: cause, Levels: task.Failure.Levels, Timestamp: time.Now()})
	s.audit(events.NewAudit(events.AuditTaskFailed, systemActor, id, cause.Error()))
	s.cfg.Metrics.Terminal(string(StatusFailed))
	s.logger.Error("task failed", "task", id, "role", task.Role, "error", cause)
	s.cascade(id)
}

// cancelTask cancels a pending task, or a running one with no attempt in
// flight, and cascades.
func (s *Scheduler) cancelTask(id, cause string) {
	task, err := s.dag.Transition(id, StatusCancelled)
	if err != nil {
		s.logger.Warn("cannot cancel task", "task", id, "error", err)
		return
	}
	ns := s.node(id)
	if ticket := ns.paused; ticket != "" && s.cfg.Escalation != nil {
		ns.paused = ""
		res := escalation.Resolution{Actor: systemActor, Action: escalation.ActionCancel, Note: cause}
		if t, err := s.cfg.Escalation.Resolve(ticket, res); err == nil {
			s.applyTicket(t)
		}
	}
	ns.paused = ""
	s.saveTask(task)
	s.publish(events.TaskCancelledEvent{ID: id, Cause: cause, Timestamp: time.Now()})
	s.audit(events.NewAudit(events.AuditTaskCancelled, systemActor, id, cause))
	s.cfg.Metrics.Terminal(string(StatusCancelled))
	s.cascade(id)
}

func (s *Scheduler) cascade(id string) {
	for _, t := range s.dag.Cascade(id) {
		cause := "upstream " + id + " did not complete"
		s.saveTask(t)
		s.publish(events.TaskCancelledEvent{ID: t.ID, Cause: cause, Timestamp: time.Now()})
		s.audit(events.NewAudit(events.AuditTaskCancelled, systemActor, t.ID, cause))
		s.cfg.Metrics.Terminal(string(StatusCancelled))
	}
}

// release unbinds the instance serving task id.
func (s *Scheduler) release(id string, state BindingState) {
	ns := s.node(id)
	if ns.instance == "" {
		return
	}
	if b, ok := s.pool.Release(ns.instance, state); ok {
		s.saveBinding(b)
	}
	ns.instance = ""
}

// checkBarriers runs conflict detection on every barrier whose siblings
// have now all completed.
func (s *Scheduler) checkBarriers(id string) {
	if s.cfg.Resolver == nil {
		return
	}
	for _, succ := range s.dag.Dependents(id) {
		var siblings []string
		joined := false
		for _, e := range s.dag.Incoming(succ) {
			if e.Kind != EdgeParallel {
				continue
			}
			siblings = append(siblings, e.From)
			joined = joined || e.From == id
		}
		if !joined || len(siblings) < 2 {
			continue
		}

		var outputs []conflict.Output
		complete := true
		for _, sid := range siblings {
			t, _ := s.dag.Get(sid)
			if t.Status != StatusCompleted {
				complete = false
				break
			}
			if t.Output != nil {
				outputs = append(outputs, conflict.Output{NodeID: t.ID, Role: t.Role, Recommendations: t.Output.Recommendations})
			}
		}
		if complete {
			s.resolveConflicts(succ, outputs)
		}
	}
}

func (s *Scheduler) resolveConflicts(succ string, outputs []conflict.Output) {
	task, _ := s.dag.Get(succ)
	for _, c := range conflict.Detect(outputs) {
		out, err := s.cfg.Resolver.Resolve(c, succ, task.Team)
		if err != nil {
			s.logger.Error("conflict could not be settled", "task", succ, "subject", c.Subject, "error", err)
			s.cancelTask(succ, err.Error())
			return
		}
		if out.AutoResolved {
			note := fmt.Sprintf("%s: %s (%s)", c.Subject, out.Winner, out.Rationale)
			s.dag.Update(succ, func(t *Task) { t.Constraints = append(t.Constraints, note) })
			s.audit(events.NewAudit(events.AuditConflictResolved, systemActor, succ, note))
			s.cfg.Metrics.Conflict(string(c.Category), "precedent")
			continue
		}
		if s.blockers[succ] == nil {
			s.blockers[succ] = make(map[string]bool)
		}
		s.blockers[succ][out.TicketID] = true
		if s.cfg.Escalation != nil {
			if t, ok := s.cfg.Escalation.Get(out.TicketID); ok {
				s.applyTicket(t)
			}
		}
		s.audit(events.NewAudit(events.AuditConflictEscalated, systemActor, succ, out.Err().Error()))
		s.cfg.Metrics.Conflict(string(c.Category), "escalated")
	}
}

// activateGates opens every gate whose predecessors have all completed.
func (s *Scheduler) activateGates() {
	for _, gid := range s.gateOrder {
		g := s.gates[gid]
		if g.Active || g.Status != gate.StatusPending {
			continue
		}
		ready := true
		for _, from := range g.From {
			if t, ok := s.dag.Get(from); !ok || t.Status != StatusCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		g.Active = true
		s.saveGate(g)
		s.publish(events.GateActivatedEvent{GateID: g.ID, Checkpoint: g.Checkpoint, Approvers: g.Required, Round: g.Round, Timestamp: time.Now()})
		s.logger.Info("gate active", "gate", g.ID, "checkpoint", g.Checkpoint, "round", g.Round)

		timeout := g.Timeout
		if timeout <= 0 {
			timeout = s.cfg.GateTimeout
		}
		if timeout > 0 {
			id, round := g.ID, g.Round
			s.gateTimers[id] = time.AfterFunc(timeout, func() {
				s.post(command{kind: cmdGateExpired, gateID: id, round: round})
			})
		}
	}
}

func (s *Scheduler) stopGateTimer(id string) {
	if t, ok := s.gateTimers[id]; ok {
		t.Stop()
		delete(s.gateTimers, id)
	}
}

// ticketChanged is the escalation watch callback. It never blocks.
func (s *Scheduler) ticketChanged(t escalation.Ticket) {
	s.tmu.Lock()
	s.ticketQ = append(s.ticketQ, t)
	s.tmu.Unlock()
	select {
	case s.ticketWake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drainTickets() {
	s.tmu.Lock()
	q := s.ticketQ
	s.ticketQ = nil
	s.tmu.Unlock()
	for _, t := range q {
		s.applyTicket(t)
	}
}

// owns reports whether anchor refers to this DAG.
func (s *Scheduler) owns(a escalation.Anchor) bool {
	switch a.Kind {
	case escalation.AnchorGate:
		_, ok := s.gates[a.ID]
		return ok
	default:
		_, ok := s.dag.Get(a.ID)
		return ok
	}
}

// applyTicket records a ticket change and acts on resolutions. Stale and
// duplicate snapshots are ignored.
func (s *Scheduler) applyTicket(t escalation.Ticket) {
	if !s.owns(t.Anchor) {
		return
	}
	prev, known := s.tickets[t.ID]
	if known && (prev.Resolved || (!t.Resolved && t.Level <= prev.Level)) {
		return
	}
	s.tickets[t.ID] = t
	s.saveTicket(t)
	s.publish(events.TicketChangedEvent{
		TicketID:  t.ID,
		Anchor:    t.Anchor.String(),
		Level:     t.Level.String(),
		Owner:     t.Owner,
		Resolved:  t.Resolved,
		Reason:    t.Reason,
		Timestamp: time.Now(),
	})
	if !known || t.Level > prev.Level {
		s.cfg.Metrics.Escalated(t.Level.String())
	}
	if t.Anchor.Kind != escalation.AnchorGate {
		ns := s.node(t.Anchor.ID)
		for lvl := escalation.L1; lvl <= t.Level; lvl++ {
			if !slices.Contains(ns.levels, lvl.String()) {
				ns.levels = append(ns.levels, lvl.String())
			}
		}
	}
	if t.Resolved {
		s.ticketResolved(t)
	}
}

func (s *Scheduler) ticketResolved(t escalation.Ticket) {
	res := escalation.Resolution{Action: escalation.ActionResume}
	if t.Resolution != nil {
		res = *t.Resolution
	}
	detail := string(res.Action)
	if res.Decision != "" {
		detail += ": " + res.Decision
	}
	s.audit(events.NewAudit(events.AuditTicketResolved, res.Actor, t.ID, detail))

	id := t.Anchor.ID
	switch t.Anchor.Kind {
	case escalation.AnchorNode:
		ns := s.node(id)
		if ns.paused != t.ID {
			return
		}
		ns.paused = ""
		if res.Action == escalation.ActionCancel {
			s.release(id, BindingIdle)
			s.cancelTask(id, "ticket "+t.ID+" cancelled the task")
			return
		}
		ns.timeouts = 0
		ns.retriedSame = false
		s.queue = append(s.queue, queued{taskID: id, instance: ns.instance, cause: "resumed"})
		if b, ok := s.pool.Set(ns.instance, BindingPending); ok {
			s.saveBinding(b)
		}

	case escalation.AnchorConflict:
		delete(s.blockers[id], t.ID)
		if res.Action == escalation.ActionCancel {
			s.cancelTask(id, "conflict ticket "+t.ID+" cancelled the task")
			return
		}
		if res.Decision != "" {
			note := "decided: " + res.Decision
			s.dag.Update(id, func(task *Task) { task.Constraints = append(task.Constraints, note) })
		}
		s.audit(events.NewAudit(events.AuditConflictResolved, res.Actor, id, detail))

	case escalation.AnchorGate:
		if res.Action == escalation.ActionCancel {
			for _, to := range s.gates[id].To {
				if task, ok := s.dag.Get(to); ok && task.Status == StatusPending {
					s.cancelTask(to, "gate ticket "+t.ID+" cancelled the task")
				}
			}
		}
	}
}

// resolveAnchored closes open tickets on anchor that no longer need a
// decision.
func (s *Scheduler) resolveAnchored(anchor escalation.Anchor, note string) {
	if s.cfg.Escalation == nil {
		return
	}
	for id, t := range s.tickets {
		if t.Anchor != anchor || t.Resolved {
			continue
		}
		resolved, err := s.cfg.Escalation.Resolve(id, escalation.Resolution{Actor: systemActor, Action: escalation.ActionResume, Note: note})
		if err != nil {
			s.logger.Warn("failed to resolve ticket", "ticket", id, "error", err)
			continue
		}
		s.applyTicket(resolved)
	}
}

// Snapshot returns the latest published view of the run.
func (s *Scheduler) Snapshot() Snapshot {
	return *s.snap.Load()
}

func (s *Scheduler) publishSnapshot(running bool) {
	snap := &Snapshot{
		Running:  running,
		Tasks:    s.dag.Tasks(),
		Bindings: s.pool.Bindings(),
		Blocked:  make(map[string][]string),
		Paused:   make(map[string]string),
	}
	for _, gid := range s.gateOrder {
		snap.Gates = append(snap.Gates, s.gates[gid].Clone())
	}
	for _, t := range s.tickets {
		snap.Tickets = append(snap.Tickets, t)
	}
	sort.Slice(snap.Tickets, func(i, j int) bool { return snap.Tickets[i].ID < snap.Tickets[j].ID })
	for id, set := range s.blockers {
		for tid := range set {
			snap.Blocked[id] = append(snap.Blocked[id], tid)
		}
		sort.Strings(snap.Blocked[id])
	}
	for id, ns := range s.nodes {
		if ns.paused != "" {
			snap.Paused[id] = ns.paused
		}
	}
	s.snap.Store(snap)

	counts := s.dag.Counts()
	progress := events.DAGProgressEvent{
		Total:     s.dag.Len(),
		Completed: counts[StatusCompleted],
		Running:   counts[StatusRunning],
		Failed:    counts[StatusFailed],
		Cancelled: counts[StatusCancelled],
		Pending:   counts[StatusPending],
	}
	if progress != s.progress {
		s.progress = progress
		progress.Timestamp = time.Now()
		s.publish(progress)
	}
}

func (s *Scheduler) publish(e events.Event) { s.cfg.Bus.Publish(e) }

func (s *Scheduler) audit(e events.AuditEvent) {
	s.publish(e)
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveAudit(ctx, e) })
}

func (s *Scheduler) persistPlan() {
	for _, t := range s.dag.Tasks() {
		s.saveTask(t)
	}
	edges := s.dag.Edges()
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveEdges(ctx, edges) })
	for _, gid := range s.gateOrder {
		s.saveGate(s.gates[gid])
	}
	for _, b := range s.pool.Bindings() {
		s.saveBinding(b)
	}
}

func (s *Scheduler) saveTask(t *Task) {
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveTask(ctx, t) })
}

func (s *Scheduler) saveGate(g *gate.Gate) {
	c := g.Clone()
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveGate(ctx, c) })
}

func (s *Scheduler) saveTicket(t escalation.Ticket) {
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveTicket(ctx, t) })
}

func (s *Scheduler) saveBinding(b Binding) {
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveBinding(ctx, b) })
}

// record runs fn against the recorder, if any. Failures are logged; the
// in-memory state stays authoritative for the run.
func (s *Scheduler) record(fn func(context.Context, Recorder) error) {
	if s.cfg.Recorder == nil {
		return
	}
	ctx := context.Background()
	if s.runCtx != nil {
		ctx = context.WithoutCancel(s.runCtx)
	}
	if err := fn(ctx, s.cfg.Recorder); err != nil {
		s.logger.Error("failed to persist state", "error", err)
	}
}
