package decompose

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/complexity"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/routing"
	"github.com/aristath/conductor/internal/scheduler"
)

// Outcome says whether a plan can be scheduled.
type Outcome string

const (
	OutcomePlanned               Outcome = "planned"
	OutcomeClarificationRequired Outcome = "clarification_required"
)

// Strategy names how a plan was built.
type Strategy string

const (
	StrategyTemplate   Strategy = "template"
	StrategySingle     Strategy = "single"
	StrategyConsult    Strategy = "consult"
	StrategyMultiPhase Strategy = "multi-phase"
)

// Request is an incoming unit of work.
type Request struct {
	ID              string // optional plan id; generated when empty
	Title           string
	Description     string
	Metadata        complexity.Metadata
	Team            complexity.Domain // owning team; inferred when empty
	Priority        scheduler.Priority
	Template        string // force a template by name
	Constraints     []string
	SuccessCriteria []string
	Timeout         time.Duration // per-node timeout; zero means the scheduler default
}

// Plan is a validated DAG ready for scheduling, or a request for
// clarification.
type Plan struct {
	ID         string
	Outcome    Outcome
	Strategy   Strategy
	Question   string // set when clarification is required
	Team       complexity.Domain
	Assessment complexity.Assessment
	Route      routing.Result
	Template   string // name@version when a template was instantiated

	DAG   *scheduler.DAG
	Gates []*gate.Gate
}

// Schedulable reports whether the plan has a DAG to run.
func (p *Plan) Schedulable() bool {
	return p != nil && p.Outcome == OutcomePlanned && p.DAG != nil && p.DAG.Len() > 0
}

// Summary renders the plan one task per line in topological order.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s: %s (%s, score %d, team %s)\n", p.ID, p.Outcome, p.Strategy, p.Assessment.Score, p.Team)
	if p.Template != "" {
		fmt.Fprintf(&b, "template: %s\n", p.Template)
	}
	if p.Question != "" {
		fmt.Fprintf(&b, "question: %s\n", p.Question)
	}
	if p.DAG == nil {
		return b.String()
	}

	order, err := p.DAG.Validate()
	if err != nil {
		fmt.Fprintf(&b, "invalid: %v\n", err)
		return b.String()
	}
	edges := make(map[string][]string)
	for _, e := range p.DAG.Edges() {
		edges[e.To] = append(edges[e.To], fmt.Sprintf("%s(%s)", e.From, e.Kind))
	}
	for _, id := range order {
		t, _ := p.DAG.Get(id)
		fmt.Fprintf(&b, "  %-28s %-14s %-26s %s", t.ID, t.Type, t.Role, t.Team)
		if deps := edges[id]; len(deps) > 0 {
			sort.Strings(deps)
			fmt.Fprintf(&b, " <- %s", strings.Join(deps, ", "))
		}
		b.WriteByte('\n')
	}
	for _, g := range p.Gates {
		fmt.Fprintf(&b, "  gate %s [%s] %v -> %v approvers %v", g.ID, g.Checkpoint, g.From, g.To, g.Required)
		if g.Ordered {
			b.WriteString(" ordered")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
