// Package conflict detects contradictory recommendations from sibling
// executors and settles them, either from a precedent table or by handing
// them to an authority through an escalation ticket.
package conflict

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/handoff"
	"github.com/aristath/conductor/internal/logging"
)

// Category decides who may settle a conflict.
type Category string

const (
	Technical Category = "technical"
	Approach  Category = "approach"
	Resource  Category = "resource"
)

func parseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case Approach:
		return Approach
	case Resource:
		return Resource
	}
	return Technical
}

// Output is what one sibling node returned.
type Output struct {
	NodeID          string
	Role            string
	Recommendations []handoff.Recommendation
}

// Position is one sibling's stance on a subject.
type Position struct {
	NodeID string
	Role   string
	Stance string
}

// Conflict is two or more siblings disagreeing on a subject.
type Conflict struct {
	Subject   string
	Category  Category
	Positions []Position
}

// Stances returns the distinct stances, sorted.
func (c Conflict) Stances() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range c.Positions {
		if !seen[p.Stance] {
			seen[p.Stance] = true
			out = append(out, p.Stance)
		}
	}
	sort.Strings(out)
	return out
}

// Signature identifies the shape of a conflict independent of subject and
// sibling order.
func (c Conflict) Signature() string {
	return string(c.Category) + ":" + strings.Join(c.Stances(), "|")
}

// Detect finds subjects on which siblings took different stances. Results
// are ordered by subject. A subject tagged approach or resource by any
// sibling takes that category; resource outranks approach.
func Detect(outputs []Output) []Conflict {
	type group struct {
		category  Category
		positions []Position
	}
	groups := make(map[string]*group)
	for _, out := range outputs {
		for _, rec := range out.Recommendations {
			subject := strings.TrimSpace(rec.Subject)
			if subject == "" {
				continue
			}
			g, ok := groups[subject]
			if !ok {
				g = &group{category: Technical}
				groups[subject] = g
			}
			switch parseCategory(rec.Category) {
			case Resource:
				g.category = Resource
			case Approach:
				if g.category != Resource {
					g.category = Approach
				}
			}
			g.positions = append(g.positions, Position{NodeID: out.NodeID, Role: out.Role, Stance: strings.TrimSpace(rec.Stance)})
		}
	}

	subjects := make([]string, 0, len(groups))
	for s := range groups {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	var conflicts []Conflict
	for _, s := range subjects {
		g := groups[s]
		c := Conflict{Subject: s, Category: g.category, Positions: g.positions}
		if len(c.Stances()) > 1 {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

// Precedent is a recorded decision for a technical conflict signature.
type Precedent struct {
	Stances   []string `yaml:"stances"`
	Winner    string   `yaml:"winner"`
	Rationale string   `yaml:"rationale"`
}

func (p Precedent) signature() string {
	stances := append([]string(nil), p.Stances...)
	sort.Strings(stances)
	return string(Technical) + ":" + strings.Join(stances, "|")
}

// PrecedentTable looks up technical precedents by signature.
type PrecedentTable struct {
	bySignature map[string]Precedent
}

// NewPrecedentTable indexes precedents. A precedent whose winner is not one
// of its stances is rejected.
func NewPrecedentTable(precedents ...Precedent) (*PrecedentTable, error) {
	t := &PrecedentTable{bySignature: make(map[string]Precedent)}
	for _, p := range precedents {
		if len(p.Stances) < 2 {
			return nil, &faults.ValidationError{Subject: "precedent", Reason: "needs at least two stances"}
		}
		found := false
		for _, s := range p.Stances {
			if s == p.Winner {
				found = true
			}
		}
		if !found {
			return nil, &faults.ValidationError{Subject: "precedent " + p.signature(), Reason: fmt.Sprintf("winner %q is not a stance", p.Winner)}
		}
		t.bySignature[p.signature()] = p
	}
	return t, nil
}

// LoadPrecedents reads a YAML precedent list.
func LoadPrecedents(path string) (*PrecedentTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read precedents: %w", err)
	}
	var f struct {
		Precedents []Precedent `yaml:"precedents"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse precedents: %w", err)
	}
	return NewPrecedentTable(f.Precedents...)
}

// Lookup returns the precedent for a technical conflict.
func (t *PrecedentTable) Lookup(c Conflict) (Precedent, bool) {
	if t == nil || c.Category != Technical {
		return Precedent{}, false
	}
	p, ok := t.bySignature[c.Signature()]
	return p, ok
}

// Opener opens escalation tickets. *escalation.Manager satisfies it.
type Opener interface {
	Open(anchor escalation.Anchor, team, reason string, start escalation.Level) (escalation.Ticket, error)
}

// Outcome is how a conflict was settled.
type Outcome struct {
	Conflict     Conflict
	AutoResolved bool
	Winner       string
	Rationale    string
	TicketID     string
}

// Err returns a ConflictUnresolved for escalated outcomes.
func (o Outcome) Err() error {
	if o.AutoResolved {
		return nil
	}
	return &faults.ConflictUnresolved{
		Subject:  o.Conflict.Subject,
		Category: string(o.Conflict.Category),
		Stances:  o.Conflict.Stances(),
		TicketID: o.TicketID,
	}
}

// Resolver settles conflicts. It never picks a winner on its own.
type Resolver struct {
	precedents *PrecedentTable
	opener     Opener
	logger     *slog.Logger
}

// NewResolver creates a resolver. precedents may be nil.
func NewResolver(precedents *PrecedentTable, opener Opener, logger *slog.Logger) *Resolver {
	return &Resolver{precedents: precedents, opener: opener, logger: logging.Component(logger, "conflict")}
}

// Resolve settles c. Anything without a technical precedent opens an L2
// ticket anchored to the barrier successor.
func (r *Resolver) Resolve(c Conflict, successorID, team string) (Outcome, error) {
	if p, ok := r.precedents.Lookup(c); ok {
		r.logger.Info("conflict auto-resolved by precedent",
			"subject", c.Subject, "signature", c.Signature(), "winner", p.Winner)
		return Outcome{Conflict: c, AutoResolved: true, Winner: p.Winner, Rationale: p.Rationale}, nil
	}

	reason := fmt.Sprintf("%s conflict on %q: %s", c.Category, c.Subject, strings.Join(c.Stances(), " vs "))
	ticket, err := r.opener.Open(escalation.Anchor{Kind: escalation.AnchorConflict, ID: successorID}, team, reason, escalation.L2)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to escalate conflict on %q: %w", c.Subject, err)
	}
	r.logger.Warn("conflict escalated", "subject", c.Subject, "category", string(c.Category), "ticket", ticket.ID)
	return Outcome{Conflict: c, TicketID: ticket.ID, Rationale: reason}, nil
}
