// Package routing maps a task description to ranked executor roles using a
// hot-swappable rule table.
package routing

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aristath/conductor/internal/complexity"
	"github.com/aristath/conductor/internal/logging"
)

const (
	// DefaultTieEpsilon is the confidence gap under which the top two
	// candidates are considered tied.
	DefaultTieEpsilon = 0.05

	maxCandidates = 3
)

// Policy decides what the decomposer does with an ambiguous route.
type Policy string

const (
	PolicyClarify    Policy = "clarify"
	PolicyDomainLead Policy = "domain-lead"
)

// ParsePolicy parses a policy name; empty means PolicyDomainLead.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyDomainLead:
		return PolicyDomainLead, nil
	case PolicyClarify:
		return PolicyClarify, nil
	}
	return "", fmt.Errorf("unknown ambiguity policy %q", s)
}

// CoordinatorRole is the fallback role for a team when nothing matches.
func CoordinatorRole(team complexity.Domain) string {
	return "coordinator:" + strings.ToLower(string(team))
}

// LeadRole is the domain lead for a team.
func LeadRole(team complexity.Domain) string {
	return "lead:" + strings.ToLower(string(team))
}

// Request is what the router needs to know about a task.
type Request struct {
	Description string
	Team        complexity.Domain
}

// Candidate is one ranked role.
type Candidate struct {
	Role       string
	Confidence float64
	Rationale  string
	Rule       string
	Default    bool
}

// Result is the ordered candidate list: primary first, then up to two
// secondaries.
type Result struct {
	Candidates   []Candidate
	Ambiguous    bool
	TableVersion string
}

// Primary returns the top candidate.
func (r Result) Primary() Candidate {
	if len(r.Candidates) == 0 {
		return Candidate{}
	}
	return r.Candidates[0]
}

// Roles returns the candidate roles in rank order.
func (r Result) Roles() []string {
	out := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		out[i] = c.Role
	}
	return out
}

// Option configures a Router.
type Option func(*Router)

// WithTieEpsilon overrides DefaultTieEpsilon.
func WithTieEpsilon(eps float64) Option {
	return func(r *Router) {
		if eps >= 0 {
			r.epsilon = eps
		}
	}
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logging.Component(logger, "router") }
}

// Router evaluates the current rule table. Safe for concurrent use.
type Router struct {
	table   atomic.Pointer[RuleTable]
	epsilon float64
	logger  *slog.Logger
}

// New creates a router over table.
func New(table *RuleTable, opts ...Option) *Router {
	r := &Router{epsilon: DefaultTieEpsilon, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	if table == nil {
		table = DefaultTable()
	}
	r.table.Store(table)
	return r
}

// Table returns the active rule table.
func (r *Router) Table() *RuleTable { return r.table.Load() }

// Swap installs a new rule table and returns the previous one. Routes already
// computed are unaffected.
func (r *Router) Swap(table *RuleTable) *RuleTable {
	old := r.table.Swap(table)
	r.logger.Info("rule table swapped", "from", old.Version(), "to", table.Version(), "rules", len(table.rules))
	return old
}

// Route ranks the roles whose rules match the request.
func (r *Router) Route(req Request) Result {
	table := r.table.Load()
	text := strings.ToLower(req.Description)

	var matched []compiledRule
	var hits []string
	for _, rule := range table.rules {
		for i, pred := range rule.preds {
			if pred(text) {
				matched = append(matched, rule)
				hits = append(hits, rule.Patterns[i])
				break
			}
		}
	}

	if len(matched) == 0 {
		team := req.Team
		if team == "" {
			team = complexity.DomainDev
		}
		return Result{
			Candidates: []Candidate{{
				Role:      CoordinatorRole(team),
				Rationale: "no rule matched; routed to domain coordinator",
				Default:   true,
			}},
			TableVersion: table.Version(),
		}
	}

	order := make([]int, len(matched))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := matched[order[a]], matched[order[b]]
		if ra.Priority != rb.Priority {
			return ra.Priority < rb.Priority
		}
		return ra.index < rb.index
	})

	res := Result{TableVersion: table.Version()}
	seen := make(map[string]bool)
	for _, i := range order {
		rule := matched[i]
		if seen[rule.Role] {
			continue
		}
		seen[rule.Role] = true
		res.Candidates = append(res.Candidates, Candidate{
			Role:       rule.Role,
			Confidence: rule.Confidence,
			Rationale:  fmt.Sprintf("rule %q matched %q", ruleLabel(rule.Rule, rule.index), hits[i]),
			Rule:       rule.Name,
		})
		if len(res.Candidates) == maxCandidates {
			break
		}
	}

	if len(res.Candidates) > 1 {
		gap := math.Abs(res.Candidates[0].Confidence - res.Candidates[1].Confidence)
		res.Ambiguous = gap < r.epsilon
	}
	return res
}
