package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/conflict"
	"github.com/aristath/conductor/internal/decompose"
	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/resilience"
	"github.com/aristath/conductor/internal/scheduler"
)

var (
	// ErrNotSchedulable is returned for plans that need clarification or
	// have no tasks.
	ErrNotSchedulable = errors.New("plan is not schedulable")

	// ErrPlanActive is returned when a plan with the same id is already
	// executing.
	ErrPlanActive = errors.New("plan already executing")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// Config wires an Engine. Everything but Decomposer and Pool is optional.
type Config struct {
	Decomposer    *decompose.Decomposer
	Pool          *scheduler.Pool
	Escalation    *escalation.Manager
	Resolver      *conflict.Resolver
	Breakers      *resilience.BreakerRegistry
	Bus           *events.EventBus // created when nil
	Metrics       *metrics.Metrics
	Recorder      scheduler.Recorder
	Logger        *slog.Logger
	MaxConcurrent int           // per plan
	NodeTimeout   time.Duration // per attempt when a task sets none
	GateTimeout   time.Duration // when a gate sets none
	MaxPlans      int           // concurrent plans in SubmitAll (default 2)
}

// Result is the end state of one request.
type Result struct {
	Plan    *decompose.Plan
	Outcome *scheduler.Outcome // nil when the plan was not executed
	Err     error
}

// Engine turns requests into plans and runs them. Several plans may run at
// once; approvals, overrides and cancellations are routed to the scheduler
// that owns the gate or task.
type Engine struct {
	cfg     Config
	bus     *events.EventBus
	ownsBus bool
	logger  *slog.Logger

	mu      sync.Mutex
	active  map[string]*scheduler.Scheduler // plan id -> scheduler
	closers []func() error
	closed  bool
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Decomposer == nil {
		return nil, errors.New("decomposer required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("executor pool required")
	}
	if cfg.MaxPlans <= 0 {
		cfg.MaxPlans = 2
	}
	if cfg.Breakers == nil {
		// Shared across plans so a failing instance trips once.
		cfg.Breakers = resilience.NewBreakerRegistry(cfg.Logger, 0, 0)
	}

	e := &Engine{
		cfg:    cfg,
		bus:    cfg.Bus,
		logger: logging.Component(cfg.Logger, "engine"),
		active: make(map[string]*scheduler.Scheduler),
	}
	if e.bus == nil {
		e.bus = events.NewEventBus()
		e.ownsBus = true
	}
	return e, nil
}

// Bus returns the event bus every plan publishes on.
func (e *Engine) Bus() *events.EventBus { return e.bus }

// Plan decomposes req without running it.
func (e *Engine) Plan(ctx context.Context, req decompose.Request) (*decompose.Plan, error) {
	plan, err := e.cfg.Decomposer.Decompose(ctx, req)
	if err != nil {
		return nil, err
	}
	e.logger.Info("planned",
		"plan", plan.ID,
		"outcome", string(plan.Outcome),
		"strategy", string(plan.Strategy),
		"score", plan.Assessment.Score,
		"team", string(plan.Team),
	)
	return plan, nil
}

// Execute runs plan to completion. It blocks until every task is terminal
// or ctx is cancelled.
func (e *Engine) Execute(ctx context.Context, plan *decompose.Plan) (*scheduler.Outcome, error) {
	if !plan.Schedulable() {
		id, outcome := "", decompose.Outcome("")
		if plan != nil {
			id, outcome = plan.ID, plan.Outcome
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotSchedulable, id, outcome)
	}

	s, err := scheduler.New(scheduler.Config{
		MaxConcurrent: e.cfg.MaxConcurrent,
		NodeTimeout:   e.cfg.NodeTimeout,
		GateTimeout:   e.cfg.GateTimeout,
		Pool:          e.cfg.Pool,
		Escalation:    e.cfg.Escalation,
		Resolver:      e.cfg.Resolver,
		Breakers:      e.cfg.Breakers,
		Bus:           e.bus,
		Metrics:       e.cfg.Metrics,
		Recorder:      e.cfg.Recorder,
		Logger:        e.cfg.Logger,
	}, plan.DAG, plan.Gates)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := e.active[plan.ID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPlanActive, plan.ID)
	}
	e.active[plan.ID] = s
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, plan.ID)
		e.mu.Unlock()
	}()

	e.logger.Info("executing plan", "plan", plan.ID, "tasks", plan.DAG.Len(), "gates", len(plan.Gates))
	out, err := s.Run(ctx)
	if err != nil {
		e.logger.Error("plan stopped", "plan", plan.ID, "error", err)
		return out, err
	}
	e.logger.Info("plan finished", "plan", plan.ID, "status", string(out.Status))
	return out, nil
}

// Submit plans and runs req. A plan that needs clarification is returned
// with a nil outcome and no error.
func (e *Engine) Submit(ctx context.Context, req decompose.Request) (*decompose.Plan, *scheduler.Outcome, error) {
	plan, err := e.Plan(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if plan.Outcome == decompose.OutcomeClarificationRequired {
		return plan, nil, nil
	}
	out, err := e.Execute(ctx, plan)
	return plan, out, err
}

// SubmitAll submits every request, running at most MaxPlans at a time.
// Results keep the order of reqs; a failed request does not stop the rest.
func (e *Engine) SubmitAll(ctx context.Context, reqs []decompose.Request) []Result {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxPlans)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			plan, out, err := e.Submit(gctx, req)
			results[i] = Result{Plan: plan, Outcome: out, Err: err}
			if err != nil {
				e.logger.Warn("request failed", "index", i, "title", req.Title, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Active returns the ids of plans currently executing.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Snapshots returns a snapshot of every executing plan, keyed by plan id.
func (e *Engine) Snapshots() map[string]scheduler.Snapshot {
	e.mu.Lock()
	active := make(map[string]*scheduler.Scheduler, len(e.active))
	for id, s := range e.active {
		active[id] = s
	}
	e.mu.Unlock()

	out := make(map[string]scheduler.Snapshot, len(active))
	for id, s := range active {
		out[id] = s.Snapshot()
	}
	return out
}

// find returns the scheduler whose snapshot satisfies match.
func (e *Engine) find(match func(scheduler.Snapshot) bool) (*scheduler.Scheduler, bool) {
	e.mu.Lock()
	active := make([]*scheduler.Scheduler, 0, len(e.active))
	for _, s := range e.active {
		active = append(active, s)
	}
	e.mu.Unlock()

	for _, s := range active {
		if match(s.Snapshot()) {
			return s, true
		}
	}
	return nil, false
}

func (e *Engine) gateOwner(id string) (*scheduler.Scheduler, error) {
	s, ok := e.find(func(snap scheduler.Snapshot) bool {
		for _, g := range snap.Gates {
			if g.ID == id {
				return true
			}
		}
		return false
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownGate, id)
	}
	return s, nil
}

// Approve records an approver decision on a gate of any executing plan.
func (e *Engine) Approve(ctx context.Context, a gate.Approval) error {
	s, err := e.gateOwner(a.GateID)
	if err != nil {
		return err
	}
	return s.SubmitApproval(ctx, a)
}

// Override force-passes a gate of any executing plan.
func (e *Engine) Override(ctx context.Context, gateID string, o gate.Override) error {
	s, err := e.gateOwner(gateID)
	if err != nil {
		return err
	}
	return s.OverrideGate(ctx, gateID, o)
}

// Cancel cancels a task of any executing plan.
func (e *Engine) Cancel(ctx context.Context, taskID, actor string) error {
	s, ok := e.find(func(snap scheduler.Snapshot) bool {
		for _, t := range snap.Tasks {
			if t.ID == taskID {
				return true
			}
		}
		return false
	})
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownTask, taskID)
	}
	return s.Cancel(ctx, taskID, actor)
}

// ResolveTicket resolves an escalation ticket. Schedulers watching the
// manager react to the resolution.
func (e *Engine) ResolveTicket(id string, res escalation.Resolution) (escalation.Ticket, error) {
	if e.cfg.Escalation == nil {
		return escalation.Ticket{}, errors.New("no escalation manager configured")
	}
	return e.cfg.Escalation.Resolve(id, res)
}

// Tickets lists every escalation ticket.
func (e *Engine) Tickets() []escalation.Ticket {
	if e.cfg.Escalation == nil {
		return nil
	}
	return e.cfg.Escalation.List()
}

// AutoApprove approves every gate as it activates, in required order, on
// behalf of actor. It stops when ctx is done or the bus closes.
func (e *Engine) AutoApprove(ctx context.Context, actor string) {
	ch := e.bus.Subscribe(events.TopicGate, 64)
	logger := e.logger.With("actor", actor)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				activated, ok := ev.(events.GateActivatedEvent)
				if !ok {
					continue
				}
				for _, role := range activated.Approvers {
					err := e.Approve(ctx, gate.Approval{
						GateID:   activated.GateID,
						Role:     role,
						Decision: gate.Approve,
						Reason:   "auto-approved by " + actor,
					})
					if err != nil {
						logger.Warn("auto-approve failed", "gate", activated.GateID, "role", role, "error", err)
						break
					}
				}
			}
		}
	}()
}

// onClose registers fn to run on Close, in reverse order.
func (e *Engine) onClose(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// Close releases everything the engine owns. Executing plans are not
// waited for; cancel their contexts first.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if e.ownsBus {
		e.bus.Close()
	}
	return errors.Join(errs...)
}
