// Package executor defines the boundary between the engine and the external
// units that perform work, plus two adapters: a subprocess executor and an
// in-process function executor.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/handoff"
)

// EventKind is the type of a streamed executor event.
type EventKind string

const (
	EventContent    EventKind = "content"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventError      EventKind = "error"
	EventDone       EventKind = "done"
)

// Event is one item on an executor stream. A stream ends with exactly one
// EventError or EventDone and is then closed.
type Event struct {
	Kind    EventKind
	Content string
	Tool    string
	// Result is set on EventDone.
	Result *handoff.Result
	// Err is set on EventError.
	Err error
}

// Terminal reports whether e ends its stream.
func (e Event) Terminal() bool { return e.Kind == EventDone || e.Kind == EventError }

// MessageType maps the event onto the persisted transcript enum.
func (e Event) MessageType() string {
	switch e.Kind {
	case EventToolUse:
		return "tool_use"
	case EventToolResult:
		return "tool_result"
	case EventError:
		return "system"
	default:
		return "assistant"
	}
}

// Executor performs one task for one role. Cancelling ctx asks the executor
// to stop; it must still terminate the stream.
type Executor interface {
	ID() string
	Execute(ctx context.Context, role string, pkg *handoff.Package) (<-chan Event, error)
}

// Func is the work performed by a FuncExecutor.
type Func func(ctx context.Context, role string, pkg *handoff.Package) (handoff.Result, error)

// FuncExecutor runs a Go function as an executor.
type FuncExecutor struct {
	id string
	fn Func
}

// NewFunc wraps fn as an executor instance.
func NewFunc(id string, fn Func) *FuncExecutor {
	return &FuncExecutor{id: id, fn: fn}
}

// ID implements Executor.
func (f *FuncExecutor) ID() string { return f.id }

// Execute implements Executor.
func (f *FuncExecutor) Execute(ctx context.Context, role string, pkg *handoff.Package) (<-chan Event, error) {
	if f.fn == nil {
		return nil, fmt.Errorf("executor %s has no function", f.id)
	}
	ch := make(chan Event, 1)
	go func() {
		defer close(ch)
		res, err := f.fn(ctx, role, pkg)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			ch <- Event{Kind: EventError, Err: classify(role, f.id, err)}
			return
		}
		ch <- Event{Kind: EventDone, Content: res.Content, Result: &res}
	}()
	return ch, nil
}

// classify wraps err as an ExecutorError unless it already is one.
func classify(role, instance string, err error) error {
	var ee *faults.ExecutorError
	if errors.As(err, &ee) {
		return err
	}
	return &faults.ExecutorError{Role: role, Instance: instance, Transient: faults.IsTransient(err), Err: err}
}
