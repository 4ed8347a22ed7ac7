package escalation

import "time"

// AnchorKind is what a ticket blocks.
type AnchorKind string

const (
	AnchorNode     AnchorKind = "node"
	AnchorGate     AnchorKind = "gate"
	AnchorConflict AnchorKind = "conflict"
)

// Anchor identifies the blocked node, gate, or conflict barrier.
type Anchor struct {
	Kind AnchorKind `json:"kind"`
	ID   string     `json:"id"`
}

func (a Anchor) String() string { return string(a.Kind) + ":" + a.ID }

// Action is what a resolution asks the scheduler to do with the anchor.
type Action string

const (
	// ActionResume unblocks the anchor and re-dispatches it if paused.
	ActionResume Action = "resume"
	// ActionCancel cancels the anchored node.
	ActionCancel Action = "cancel"
)

// Resolution closes a ticket.
type Resolution struct {
	Actor    string    `json:"actor"`
	Action   Action    `json:"action"`
	Decision string    `json:"decision,omitempty"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at"`
}

// Change is one entry in a ticket's level history.
type Change struct {
	Level Level     `json:"level"`
	Owner string    `json:"owner"`
	At    time.Time `json:"at"`
	Cause string    `json:"cause"`
}

// Ticket is a timer-driven record that promotes an unresolved blocker
// through the ladder. Its level never decreases.
type Ticket struct {
	ID         string        `json:"id"`
	Anchor     Anchor        `json:"anchor"`
	Team       string        `json:"team"`
	Reason     string        `json:"reason"`
	Level      Level         `json:"level"`
	Owner      string        `json:"owner"`
	Timeout    time.Duration `json:"timeout"`
	CreatedAt  time.Time     `json:"created_at"`
	Resolved   bool          `json:"resolved"`
	History    []Change      `json:"history"`
	Resolution *Resolution   `json:"resolution,omitempty"`
}

func (t *Ticket) clone() Ticket {
	c := *t
	c.History = append([]Change(nil), t.History...)
	if t.Resolution != nil {
		r := *t.Resolution
		c.Resolution = &r
	}
	return c
}
