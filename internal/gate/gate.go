// Package gate implements quality gates: approval checkpoints that block a
// DAG edge until every required role has approved.
package gate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotRequired is returned for a decision from a role the gate does
	// not list.
	ErrNotRequired = errors.New("role is not a required approver")
	// ErrGateClosed is returned when a decision changes a gate that has
	// already passed or failed.
	ErrGateClosed = errors.New("gate is closed")
	// ErrNotActive is returned for decisions on a gate whose predecessors
	// have not completed.
	ErrNotActive = errors.New("gate is not active")
	// ErrOutOfOrder is returned when an ordered gate receives an approval
	// before the roles declared ahead of it.
	ErrOutOfOrder = errors.New("approval out of order")
	// ErrOverrideDenied is returned for overrides without a human actor and
	// a reason.
	ErrOverrideDenied = errors.New("override denied")
	// ErrInvalidDecision is returned for decisions other than approve or
	// reject.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Status is the persisted gate status.
type Status string

const (
	StatusPending Status = "pending"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// Decision is an approver's verdict.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Approval is one recorded decision.
type Approval struct {
	GateID   string    `json:"gate_id"`
	Role     string    `json:"role"`
	Decision Decision  `json:"decision"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Override force-passes a gate. Only a human actor with a stated reason may
// override.
type Override struct {
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	Human  bool      `json:"human"`
	At     time.Time `json:"at"`
}

// Gate guards the edges From → To.
type Gate struct {
	ID         string
	Checkpoint string
	Required   []string
	Ordered    bool
	Status     Status
	Approvals  map[string]Approval
	From       []string
	To         []string
	Active     bool
	Round      int
	Timeout    time.Duration
	Override   *Override
}

// New creates a pending, inactive gate.
func New(id, checkpoint string, required []string, ordered bool, from, to []string) *Gate {
	return &Gate{
		ID:         id,
		Checkpoint: checkpoint,
		Required:   append([]string(nil), required...),
		Ordered:    ordered,
		Status:     StatusPending,
		Approvals:  make(map[string]Approval),
		From:       append([]string(nil), from...),
		To:         append([]string(nil), to...),
	}
}

// Evaluate derives a gate status from its decisions. Any reject fails the
// gate; it passes once every required role approved.
func Evaluate(required []string, approvals map[string]Approval) Status {
	for _, a := range approvals {
		if a.Decision == Reject {
			return StatusFailed
		}
	}
	for _, role := range required {
		if a, ok := approvals[role]; !ok || a.Decision != Approve {
			return StatusPending
		}
	}
	return StatusPassed
}

// Record applies a decision and reports whether the gate changed. A repeated
// identical decision is a no-op; a different one from the same role
// replaces it while the gate is still pending.
func (g *Gate) Record(a Approval) (bool, error) {
	if a.Decision != Approve && a.Decision != Reject {
		return false, fmt.Errorf("%w: %q", ErrInvalidDecision, a.Decision)
	}
	if !g.requires(a.Role) {
		return false, fmt.Errorf("%w: %s on gate %s", ErrNotRequired, a.Role, g.ID)
	}
	if prev, ok := g.Approvals[a.Role]; ok && prev.Decision == a.Decision && prev.Reason == a.Reason {
		return false, nil
	}
	if g.Status != StatusPending {
		return false, fmt.Errorf("%w: gate %s is %s", ErrGateClosed, g.ID, g.Status)
	}
	if !g.Active {
		return false, fmt.Errorf("%w: gate %s", ErrNotActive, g.ID)
	}
	if g.Ordered && a.Decision == Approve {
		for _, role := range g.Required {
			if role == a.Role {
				break
			}
			if prev, ok := g.Approvals[role]; !ok || prev.Decision != Approve {
				return false, fmt.Errorf("%w: %s must approve before %s", ErrOutOfOrder, role, a.Role)
			}
		}
	}
	a.GateID = g.ID
	if a.At.IsZero() {
		a.At = time.Now()
	}
	g.Approvals[a.Role] = a
	g.Status = Evaluate(g.Required, g.Approvals)
	return true, nil
}

// ApplyOverride force-passes the gate.
func (g *Gate) ApplyOverride(o Override) error {
	if !o.Human || o.Actor == "" || o.Reason == "" {
		return fmt.Errorf("%w: gate %s requires a human actor and a reason", ErrOverrideDenied, g.ID)
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	g.Override = &o
	g.Status = StatusPassed
	return nil
}

// Reattach moves a failed gate onto a new set of predecessors for the next
// round. Decisions are cleared and the gate waits for activation again.
func (g *Gate) Reattach(from []string) {
	g.From = append([]string(nil), from...)
	g.Round++
	g.Status = StatusPending
	g.Active = false
	g.Approvals = make(map[string]Approval)
	g.Override = nil
}

// Rejection returns the recorded reject decision, if any.
func (g *Gate) Rejection() (Approval, bool) {
	for _, role := range g.Required {
		if a, ok := g.Approvals[role]; ok && a.Decision == Reject {
			return a, true
		}
	}
	return Approval{}, false
}

// Guards reports whether the gate blocks node id.
func (g *Gate) Guards(id string) bool {
	for _, to := range g.To {
		if to == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (g *Gate) Clone() *Gate {
	c := *g
	c.Required = append([]string(nil), g.Required...)
	c.From = append([]string(nil), g.From...)
	c.To = append([]string(nil), g.To...)
	c.Approvals = make(map[string]Approval, len(g.Approvals))
	for k, v := range g.Approvals {
		c.Approvals[k] = v
	}
	if g.Override != nil {
		o := *g.Override
		c.Override = &o
	}
	return &c
}

func (g *Gate) requires(role string) bool {
	for _, r := range g.Required {
		if r == role {
			return true
		}
	}
	return false
}
