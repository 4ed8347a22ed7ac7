package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	// Subject is the node, gate, or ticket the event is about.
	Subject() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicDAG        = "dag"
	TopicGate       = "gate"
	TopicEscalation = "escalation"
	TopicAudit      = "audit"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeTaskRetried   = "task.retried"
	EventTypeTaskPaused    = "task.paused"
	EventTypeDAGProgress   = "dag.progress"
	EventTypeDAGChanged    = "dag.changed"
	EventTypeGateActivated = "gate.activated"
	EventTypeGateDecision  = "gate.decision"
	EventTypeGateResolved  = "gate.resolved"
	EventTypeTicketChanged = "escalation.ticket"
	EventTypeAudit         = "audit.entry"
)

// Audit actions.
const (
	AuditGateOverride      = "gate_override"
	AuditTaskFailed        = "task_failed"
	AuditTaskCancelled     = "task_cancelled"
	AuditConflictResolved  = "conflict_resolved"
	AuditConflictEscalated = "conflict_escalated"
	AuditTicketResolved    = "ticket_resolved"
	AuditRemediation       = "remediation_added"
)

// TaskStartedEvent is published when a node is dispatched.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Role      string
	Instance  string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) Subject() string   { return e.ID }

// TaskOutputEvent carries one streamed executor event.
type TaskOutputEvent struct {
	ID        string
	Kind      string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) Subject() string   { return e.ID }

// TaskCompletedEvent is published when a node completes.
type TaskCompletedEvent struct {
	ID        string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) Subject() string   { return e.ID }

// TaskFailedEvent is published when a node fails for good.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Levels    []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) Subject() string   { return e.ID }

// TaskCancelledEvent is published for every cancelled node.
type TaskCancelledEvent struct {
	ID        string
	Cause     string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) Topic() string     { return TopicTask }
func (e TaskCancelledEvent) Subject() string   { return e.ID }

// TaskRetriedEvent is published when a node is re-dispatched.
type TaskRetriedEvent struct {
	ID        string
	Instance  string
	Attempt   int
	Cause     string
	Timestamp time.Time
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) Topic() string     { return TopicTask }
func (e TaskRetriedEvent) Subject() string   { return e.ID }

// TaskPausedEvent is published when a node's branch waits on a ticket.
type TaskPausedEvent struct {
	ID        string
	TicketID  string
	Timestamp time.Time
}

func (e TaskPausedEvent) EventType() string { return EventTypeTaskPaused }
func (e TaskPausedEvent) Topic() string     { return TopicTask }
func (e TaskPausedEvent) Subject() string   { return e.ID }

// DAGProgressEvent is published when DAG progress changes.
type DAGProgressEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Cancelled int
	Pending   int
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) Topic() string     { return TopicDAG }
func (e DAGProgressEvent) Subject() string   { return "" }

// DAGChangedEvent is published when nodes or edges are added at runtime.
type DAGChangedEvent struct {
	Added     []string
	Reason    string
	Timestamp time.Time
}

func (e DAGChangedEvent) EventType() string { return EventTypeDAGChanged }
func (e DAGChangedEvent) Topic() string     { return TopicDAG }
func (e DAGChangedEvent) Subject() string   { return "" }

// GateActivatedEvent is published when a gate starts waiting for decisions.
type GateActivatedEvent struct {
	GateID     string
	Checkpoint string
	Approvers  []string
	Round      int
	Timestamp  time.Time
}

func (e GateActivatedEvent) EventType() string { return EventTypeGateActivated }
func (e GateActivatedEvent) Topic() string     { return TopicGate }
func (e GateActivatedEvent) Subject() string   { return e.GateID }

// GateDecisionEvent is published for every recorded decision.
type GateDecisionEvent struct {
	GateID    string
	Role      string
	Decision  string
	Reason    string
	Timestamp time.Time
}

func (e GateDecisionEvent) EventType() string { return EventTypeGateDecision }
func (e GateDecisionEvent) Topic() string     { return TopicGate }
func (e GateDecisionEvent) Subject() string   { return e.GateID }

// GateResolvedEvent is published when a gate passes or fails.
type GateResolvedEvent struct {
	GateID     string
	Checkpoint string
	Status     string
	Round      int
	Overridden bool
	Timestamp  time.Time
}

func (e GateResolvedEvent) EventType() string { return EventTypeGateResolved }
func (e GateResolvedEvent) Topic() string     { return TopicGate }
func (e GateResolvedEvent) Subject() string   { return e.GateID }

// TicketChangedEvent is published when a ticket opens, promotes, or resolves.
type TicketChangedEvent struct {
	TicketID  string
	Anchor    string
	Level     string
	Owner     string
	Resolved  bool
	Reason    string
	Timestamp time.Time
}

func (e TicketChangedEvent) EventType() string { return EventTypeTicketChanged }
func (e TicketChangedEvent) Topic() string     { return TopicEscalation }
func (e TicketChangedEvent) Subject() string   { return e.TicketID }

// AuditEvent is a durable record of a privileged or terminal action.
type AuditEvent struct {
	ID        string
	Action    string
	Actor     string
	Target    string
	Detail    string
	Timestamp time.Time
}

// NewAudit stamps an audit event with a fresh id and the current time.
func NewAudit(action, actor, target, detail string) AuditEvent {
	return AuditEvent{
		ID:        ulid.Make().String(),
		Action:    action,
		Actor:     actor,
		Target:    target,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

func (e AuditEvent) EventType() string { return EventTypeAudit }
func (e AuditEvent) Topic() string     { return TopicAudit }
func (e AuditEvent) Subject() string   { return e.Target }
