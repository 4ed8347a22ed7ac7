package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/handoff"
)

// ErrInvalidTransition is returned for status changes the task lifecycle
// does not allow.
var ErrInvalidTransition = errors.New("invalid task transition")

// Status is the persisted task status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed moves out of each status.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Type is the kind of work a task performs.
type Type string

const (
	TypeDesign         Type = "design"
	TypeImplementation Type = "implementation"
	TypeReview         Type = "review"
	TypeTest           Type = "test"
	TypeSecurity       Type = "security"
	TypeDocumentation  Type = "documentation"
	TypeDeployment     Type = "deployment"
	TypeInvestigation  Type = "investigation"
)

// TypeForRole maps a role tag such as "review:code" to its task type.
// Unknown prefixes map to implementation.
func TypeForRole(role string) Type {
	prefix, _, _ := strings.Cut(role, ":")
	switch Type(prefix) {
	case TypeDesign, TypeImplementation, TypeReview, TypeTest, TypeSecurity,
		TypeDocumentation, TypeDeployment, TypeInvestigation:
		return Type(prefix)
	}
	return TypeImplementation
}

// Priority ranks tasks P1 (highest) to P4.
type Priority string

const (
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
	P4 Priority = "P4"
)

// Failure describes why a task failed and which escalation levels were
// already tried for it.
type Failure struct {
	Reason string   `json:"reason"`
	Levels []string `json:"levels,omitempty"`
}

// Task is a node in the DAG.
type Task struct {
	ID          string
	ParentID    string
	Title       string
	Description string
	Type        Type
	Priority    Priority
	Score       int
	Status      Status
	DependsOn   []string

	Role       string // capability tag bound to the task
	Team       string // DEV, SEC, INF or QA
	Phase      string
	Rationale  string
	Confidence float64

	Constraints     []string
	SuccessCriteria []string
	Timeout         time.Duration // zero means the scheduler default

	Version  int64 // bumped on every mutation
	Attempts int
	Failure  *Failure
	Output   *handoff.Result
}

// Transition moves the task to status to.
func (t *Task) Transition(to Status) error {
	for _, allowed := range transitions[t.Status] {
		if allowed == to {
			t.Status = to
			t.Version++
			return nil
		}
	}
	return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	cp.DependsOn = append([]string(nil), task.DependsOn...)
	cp.Constraints = append([]string(nil), task.Constraints...)
	cp.SuccessCriteria = append([]string(nil), task.SuccessCriteria...)
	if task.Failure != nil {
		f := *task.Failure
		f.Levels = append([]string(nil), task.Failure.Levels...)
		cp.Failure = &f
	}
	if task.Output != nil {
		out := *task.Output
		cp.Output = &out
	}
	return &cp
}
