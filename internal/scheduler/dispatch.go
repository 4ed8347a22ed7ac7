package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/handoff"
	"github.com/aristath/conductor/internal/resilience"
)

// flight is an attempt currently running on a worker.
type flight struct {
	instance        string
	cancel          context.CancelFunc
	cancelRequested bool
	cause           string
}

// attempt is one executor invocation for a task.
type attempt struct {
	task    *Task
	ex      executor.Executor
	pkg     *handoff.Package
	timeout time.Duration
}

type attemptResult struct {
	TaskID   string
	Instance string
	Result   *handoff.Result
	Err      error
	TimedOut bool
	Duration time.Duration
}

// dispatch launches queued retries first, then every newly eligible task,
// until the concurrency limit is reached.
func (s *Scheduler) dispatch() {
	if s.group == nil {
		return
	}

	var waiting []queued
	for i, q := range s.queue {
		if s.inFlight >= s.cfg.MaxConcurrent {
			waiting = append(waiting, s.queue[i:]...)
			break
		}
		if !s.launchQueued(q) {
			waiting = append(waiting, q)
		}
	}
	s.queue = waiting

	for _, task := range s.dag.Eligible() {
		if s.inFlight >= s.cfg.MaxConcurrent {
			return
		}
		if s.blocked(task.ID) {
			continue
		}
		if !s.pool.Has(task.Role) {
			s.start(task.ID)
			s.fail(task.ID, &faults.ExecutorError{Role: task.Role, Err: errors.New("no executor registered for role")})
			continue
		}
		ex, ok := s.pool.Acquire(task.Role, task.ID, nil)
		if !ok {
			continue
		}
		started := s.start(task.ID)
		if started == nil {
			if b, ok := s.pool.Release(ex.ID(), BindingIdle); ok {
				s.saveBinding(b)
			}
			continue
		}
		s.launch(started, ex, "")
	}
}

// start moves a pending task to running.
func (s *Scheduler) start(id string) *Task {
	task, err := s.dag.Transition(id, StatusRunning)
	if err != nil {
		s.logger.Error("failed to start task", "task", id, "error", err)
		return nil
	}
	s.saveTask(task)
	return task
}

// launchQueued starts a queued attempt. It reports false when the attempt
// must keep waiting for an instance.
func (s *Scheduler) launchQueued(q queued) bool {
	task, ok := s.dag.Get(q.taskID)
	if !ok || task.Status != StatusRunning {
		return true
	}
	var (
		ex executor.Executor
		ns = s.node(q.taskID)
	)
	if q.instance != "" {
		ex, ok = s.pool.AcquireInstance(q.instance, task.ID)
	} else {
		ex, ok = s.pool.Acquire(task.Role, task.ID, ns.tried)
	}
	if !ok {
		if s.pool.CountExcept(task.Role, ns.tried) == 0 && q.instance == "" {
			s.fail(task.ID, &faults.ExecutorError{Role: task.Role, Err: errors.New("no alternate executor instance left")})
			return true
		}
		return false
	}
	s.launch(task, ex, q.cause)
	return true
}

// launch binds ex to task and hands the attempt to a worker.
func (s *Scheduler) launch(task *Task, ex executor.Executor, cause string) {
	task, _ = s.dag.Update(task.ID, func(t *Task) { t.Attempts++ })
	ns := s.node(task.ID)
	ns.instance = ex.ID()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.NodeTimeout
	}
	a := attempt{task: task, ex: ex, pkg: s.buildPackage(task, timeout), timeout: timeout}

	ctx, cancel := context.WithCancel(s.runCtx)
	s.running[task.ID] = &flight{instance: ex.ID(), cancel: cancel}
	s.inFlight++

	fn := func() error {
		defer cancel()
		s.results <- s.execute(ctx, a)
		return nil
	}
	if !s.group.TryGo(fn) {
		// A worker that already reported is still returning its slot.
		s.group.Go(fn)
	}

	if b, ok := s.pool.Set(ex.ID(), BindingRunning); ok {
		s.saveBinding(b)
	}
	s.saveTask(task)
	s.cfg.Metrics.Dispatched(task.Role)
	s.publish(events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Title,
		Role:      task.Role,
		Instance:  ex.ID(),
		Attempt:   task.Attempts,
		Timestamp: time.Now(),
	})
	if cause != "" {
		s.publish(events.TaskRetriedEvent{ID: task.ID, Instance: ex.ID(), Attempt: task.Attempts, Cause: cause, Timestamp: time.Now()})
	}
	s.logger.Debug("task dispatched", "task", task.ID, "role", task.Role, "instance", ex.ID(), "attempt", task.Attempts)
}

// execute runs one attempt through the instance's circuit breaker. It runs
// on a worker goroutine and touches no coordinator state.
func (s *Scheduler) execute(ctx context.Context, a attempt) attemptResult {
	start := time.Now()
	res := attemptResult{TaskID: a.task.ID, Instance: a.ex.ID()}

	actx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := s.cfg.Breakers.Get(a.ex.ID()).Execute(func() (any, error) {
		out, err := s.stream(actx, a)
		res.Result = out
		return nil, err
	})
	switch {
	case err == nil:
	case ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.Err = &faults.TimeoutError{Subject: "task " + a.task.ID, After: a.timeout}
	case resilience.IsOpen(err):
		res.Err = &faults.ExecutorError{Role: a.task.Role, Instance: a.ex.ID(), Transient: true, Err: err}
	default:
		res.Err = err
	}
	res.Duration = time.Since(start)
	return res
}

// stream consumes executor events until the terminal one.
func (s *Scheduler) stream(ctx context.Context, a attempt) (*handoff.Result, error) {
	ch, err := a.ex.Execute(ctx, a.task.Role, a.pkg)
	if err != nil {
		var ee *faults.ExecutorError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, &faults.ExecutorError{Role: a.task.Role, Instance: a.ex.ID(), Transient: faults.IsTransient(err), Err: err}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil, &faults.ExecutorError{Role: a.task.Role, Instance: a.ex.ID(), Err: errors.New("event stream closed without a terminal event")}
			}
			s.transcript(a.task.ID, ev)
			if !ev.Terminal() {
				continue
			}
			if ev.Kind == executor.EventError {
				if ev.Err == nil {
					ev.Err = errors.New(ev.Content)
				}
				return nil, ev.Err
			}
			if ev.Result == nil {
				return &handoff.Result{Content: ev.Content}, nil
			}
			return ev.Result, nil
		case <-ctx.Done():
			// The executor still owns the channel; let it finish.
			go func() {
				for range ch {
				}
			}()
			return nil, ctx.Err()
		}
	}
}

func (s *Scheduler) transcript(taskID string, ev executor.Event) {
	line := ev.Content
	if line == "" && ev.Err != nil {
		line = ev.Err.Error()
	}
	if ev.Tool != "" {
		line = fmt.Sprintf("%s: %s", ev.Tool, ev.Content)
	}
	if line == "" {
		return
	}
	s.publish(events.TaskOutputEvent{ID: taskID, Kind: string(ev.Kind), Line: line, Timestamp: time.Now()})
	s.record(func(ctx context.Context, r Recorder) error {
		return r.AppendTranscript(ctx, taskID, ev.MessageType(), line)
	})
}

// buildPackage assembles and seals the context package handed to the
// executor for one attempt.
func (s *Scheduler) buildPackage(task *Task, timeout time.Duration) *handoff.Package {
	origin := systemActor
	var (
		sender    []string
		artifacts []handoff.Artifact
	)
	for _, e := range s.dag.Incoming(task.ID) {
		dep, ok := s.dag.Get(e.From)
		if !ok {
			continue
		}
		if origin == systemActor {
			origin = dep.Role
		}
		if dep.Status != StatusCompleted {
			continue
		}
		sender = append(sender, dep.ID)
		if dep.Output == nil {
			continue
		}
		artifacts = append(artifacts, dep.Output.Artifacts...)
		if dep.Output.Content != "" {
			artifacts = append(artifacts, handoff.Artifact{
				Kind:     handoff.ArtifactDocument,
				Ref:      "task://" + dep.ID,
				Title:    dep.Title,
				Producer: dep.Role,
			})
		}
	}

	var path []string
	if s.cfg.Escalation != nil {
		for _, step := range s.cfg.Escalation.Ladder() {
			path = append(path, step.OwnerFor(task.Team))
		}
	}

	pkg := handoff.New(handoff.Contents{
		Metadata: handoff.Metadata{
			TaskID:         task.ID,
			ParentID:       task.ParentID,
			Priority:       string(task.Priority),
			Classification: fmt.Sprintf("%s/%d", task.Type, task.Score),
		},
		Routing: handoff.Routing{
			Origin:       origin,
			Destinations: []string{task.Role},
			Rationale:    task.Rationale,
			Confidence:   task.Confidence,
		},
		Constraints:     task.Constraints,
		SuccessCriteria: task.SuccessCriteria,
		Deadline: handoff.Deadline{
			Target: time.Now().Add(timeout),
			Hard:   true,
			Buffer: timeout / 10,
		},
		Escalation: handoff.Escalation{
			Triggers: []string{"timeout", "executor_error", "conflict"},
			Path:     path,
		},
		Checklist: handoff.Checklist{
			SenderCompleted:  sender,
			ReceiverRequired: task.SuccessCriteria,
		},
	})
	pkg.AppendArtifact(artifacts...)
	pkg.Seal()
	return pkg
}
