// Package decompose turns an incoming unit of work into a validated task DAG
// with quality gates.
//
// A request that matches a workflow template instantiates the template's
// phases. Anything else is shaped by its complexity score: a single node for
// simple work, a primary node behind parallel consults for moderate work,
// and a gated multi-phase pipeline across teams for complex work.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/complexity"
	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/routing"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/workflow"
)

// Score bands.
const (
	singleMax  = 3
	consultMax = 6
)

// DefaultGateTimeout applies to generated gates and template gates that
// declare none.
const DefaultGateTimeout = 4 * time.Hour

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithPolicy sets how ambiguous routes are handled.
func WithPolicy(p routing.Policy) Option {
	return func(d *Decomposer) { d.policy = p }
}

// WithGateTimeout overrides DefaultGateTimeout.
func WithGateTimeout(t time.Duration) Option {
	return func(d *Decomposer) {
		if t > 0 {
			d.gateTimeout = t
		}
	}
}

// WithIDGenerator replaces the uuid plan id generator.
func WithIDGenerator(fn func() string) Option {
	return func(d *Decomposer) { d.newID = fn }
}

// WithLogger sets the decomposer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decomposer) { d.logger = logging.Component(logger, "decompose") }
}

// Decomposer builds plans. It holds no mutable state and is safe for
// concurrent use.
type Decomposer struct {
	scorer      *complexity.Scorer
	router      *routing.Router
	catalog     *workflow.Catalog
	policy      routing.Policy
	gateTimeout time.Duration
	newID       func() string
	logger      *slog.Logger
}

// New creates a decomposer. A nil scorer uses the default keyword scorer, a
// nil router the built-in rule table; a nil catalog disables templates.
func New(scorer *complexity.Scorer, router *routing.Router, catalog *workflow.Catalog, opts ...Option) *Decomposer {
	if scorer == nil {
		scorer = complexity.NewScorer(complexity.NewKeywordClassifier(), complexity.DefaultWeights())
	}
	if router == nil {
		router = routing.New(nil)
	}
	d := &Decomposer{
		scorer:      scorer,
		router:      router,
		catalog:     catalog,
		policy:      routing.PolicyDomainLead,
		gateTimeout: DefaultGateTimeout,
		newID:       uuid.NewString,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// stage is one phase of a plan before it becomes tasks.
type stage struct {
	name     string
	typ      scheduler.Type // empty: derived from each role
	roles    []string
	team     complexity.Domain // empty: derived from each role
	parallel bool
	gate     *workflow.GateSpec
	note     string
}

// Decompose scores and routes req and builds its plan. A plan whose route
// is ambiguous under the clarify policy has no DAG and outcome
// clarification_required. Malformed templates or graphs return a
// ValidationError.
func (d *Decomposer) Decompose(ctx context.Context, req Request) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, &faults.ValidationError{Subject: "request", Reason: "empty description"}
	}

	assessment := d.scorer.Assess(req.Description, req.Metadata)
	team := req.Team
	if team == "" {
		team = complexity.Primary(assessment.Metadata.Domains)
	}
	plan := &Plan{
		ID:         req.ID,
		Outcome:    OutcomePlanned,
		Team:       team,
		Assessment: assessment,
		Route:      d.router.Route(routing.Request{Description: req.Description, Team: team}),
	}
	if plan.ID == "" {
		plan.ID = d.newID()
	}

	stages, ranked, err := d.stages(req, plan)
	if err != nil {
		return nil, err
	}
	if plan.Outcome == OutcomeClarificationRequired {
		d.logger.Info("clarification required", "plan", plan.ID, "candidates", plan.Route.Roles())
		return plan, nil
	}
	if err := d.assemble(req, plan, stages, ranked); err != nil {
		return nil, err
	}

	d.logger.Info("task decomposed",
		"plan", plan.ID,
		"strategy", string(plan.Strategy),
		"score", assessment.Score,
		"team", string(team),
		"tasks", plan.DAG.Len(),
		"gates", len(plan.Gates))
	return plan, nil
}

// stages picks the strategy and lays out its phases. It also returns the
// effective candidates, with the domain lead in front when an ambiguous
// route was handed to it.
func (d *Decomposer) stages(req Request, plan *Plan) ([]stage, []routing.Candidate, error) {
	candidates := plan.Route.Candidates
	if tmpl, ok, err := d.template(req); err != nil {
		return nil, nil, err
	} else if ok {
		plan.Strategy = StrategyTemplate
		plan.Template = tmpl.Name + "@" + tmpl.Version
		return d.templateStages(tmpl, plan.Team), candidates, nil
	}

	if plan.Route.Ambiguous {
		if d.policy == routing.PolicyClarify {
			plan.Outcome = OutcomeClarificationRequired
			plan.Question = clarifyQuestion(plan.Route)
			return nil, nil, nil
		}
		lead := routing.Candidate{
			Role:       routing.LeadRole(plan.Team),
			Confidence: plan.Route.Primary().Confidence,
			Rationale:  "ambiguous route between " + strings.Join(plan.Route.Roles(), ", ") + "; domain lead decides",
		}
		candidates = append([]routing.Candidate{lead}, candidates...)
	}

	score := plan.Assessment.Score
	switch {
	case score <= singleMax:
		plan.Strategy = StrategySingle
		return []stage{{name: "task", roles: []string{candidates[0].Role}, team: plan.Team}}, candidates, nil
	case score <= consultMax:
		plan.Strategy = StrategyConsult
		return consultStages(candidates, plan.Team), candidates, nil
	default:
		plan.Strategy = StrategyMultiPhase
		return d.multiPhaseStages(candidates, plan.Assessment.Metadata), candidates, nil
	}
}

func (d *Decomposer) template(req Request) (workflow.Template, bool, error) {
	if req.Template != "" {
		t, ok := d.catalog.Get(req.Template)
		if !ok {
			return workflow.Template{}, false, &faults.ValidationError{Subject: "request", Reason: "unknown template " + req.Template}
		}
		return t, true, nil
	}
	t, ok := d.catalog.Match(req.Description)
	return t, ok, nil
}

// templateStages binds each template phase to roles. Phases with a routing
// hint take the router's primary role, or every candidate when the phase
// runs in parallel.
func (d *Decomposer) templateStages(tmpl workflow.Template, team complexity.Domain) []stage {
	out := make([]stage, 0, len(tmpl.Phases))
	for _, p := range tmpl.Phases {
		st := stage{
			name:     p.Name,
			typ:      scheduler.Type(p.Type),
			roles:    p.Roles,
			parallel: p.Mode == workflow.ModeParallel,
			gate:     p.Gate,
			note:     fmt.Sprintf("template %s@%s phase %s", tmpl.Name, tmpl.Version, p.Name),
		}
		if len(st.roles) == 0 {
			res := d.router.Route(routing.Request{Description: p.RouteHint, Team: team})
			if st.parallel {
				st.roles = res.Roles()
			} else {
				st.roles = []string{res.Primary().Role}
			}
			st.note += fmt.Sprintf(" routed %q (rules %s)", p.RouteHint, res.TableVersion)
		}
		out = append(out, st)
	}
	return out
}

// consultStages puts the owning team's secondary candidates in front of the
// primary as parallel consults. Candidates owned by another team are dropped;
// when none is left the team's lead takes the primary.
func consultStages(candidates []routing.Candidate, team complexity.Domain) []stage {
	var roles []string
	for _, c := range candidates {
		if RoleTeam(c.Role, team) == team && !slices.Contains(roles, c.Role) {
			roles = append(roles, c.Role)
		}
	}
	if len(roles) == 0 {
		roles = []string{routing.LeadRole(team)}
	}
	primary := []string{roles[0]}
	if len(roles) == 1 {
		return []stage{{name: "primary", roles: primary, team: team}}
	}
	return []stage{
		{name: "consult", roles: roles[1:], team: team, parallel: true},
		{name: "primary", roles: primary, team: team},
	}
}

// multiPhaseStages lays out design, implementation and then one phase per
// further team the work touches, with a gate on every boundary. A route
// candidate of a phase's type takes that phase's role.
func (d *Decomposer) multiPhaseStages(candidates []routing.Candidate, md complexity.Metadata) []stage {
	pick := func(t scheduler.Type, fallback string) string {
		for _, c := range candidates {
			if scheduler.TypeForRole(c.Role) == t && !c.Default {
				return c.Role
			}
		}
		return fallback
	}
	touches := func(dom complexity.Domain) bool { return slices.Contains(md.Domains, dom) }

	stages := []stage{
		{name: "design", typ: scheduler.TypeDesign, roles: []string{pick(scheduler.TypeDesign, "design:architecture")}, team: complexity.DomainDev},
		{name: "implementation", typ: scheduler.TypeImplementation, roles: []string{pick(scheduler.TypeImplementation, "implementation:backend")}, team: complexity.DomainDev},
	}
	if touches(complexity.DomainSec) || md.SecuritySensitive || md.SensitiveData {
		stages = append(stages, stage{name: "security", typ: scheduler.TypeSecurity, roles: []string{pick(scheduler.TypeSecurity, "security:review")}, team: complexity.DomainSec})
	}
	stages = append(stages, stage{name: "test", typ: scheduler.TypeTest, roles: []string{pick(scheduler.TypeTest, "test:integration")}, team: complexity.DomainQA})
	if touches(complexity.DomainInf) || md.ProductionImpact {
		stages = append(stages, stage{name: "deploy", typ: scheduler.TypeDeployment, roles: []string{pick(scheduler.TypeDeployment, "deployment:release")}, team: complexity.DomainInf})
	}

	for i := range stages[:len(stages)-1] {
		next := stages[i+1]
		stages[i].gate = &workflow.GateSpec{
			Checkpoint: stages[i].name + "-to-" + next.name,
			Approvers:  []string{routing.LeadRole(next.team)},
			Timeout:    d.gateTimeout,
		}
	}
	return stages
}

// assemble turns stages into tasks, typed edges and gates, then validates
// the graph.
func (d *Decomposer) assemble(req Request, plan *Plan, stages []stage, candidates []routing.Candidate) error {
	dag := scheduler.NewDAG()
	prefix := plan.ID
	ranked := make(map[string]routing.Candidate)
	for _, c := range candidates {
		if _, ok := ranked[c.Role]; !ok {
			ranked[c.Role] = c
		}
	}

	var (
		prev         []string
		prevParallel bool
		pendingGate  *workflow.GateSpec
		gateFrom     []string
	)
	for si, st := range stages {
		if len(st.roles) == 0 {
			return &faults.ValidationError{Subject: "phase " + st.name, Reason: "no roles"}
		}
		ids := make([]string, len(st.roles))
		for j, role := range st.roles {
			ids[j] = prefix + "-" + st.name
			if len(st.roles) > 1 {
				ids[j] = fmt.Sprintf("%s-%d", ids[j], j+1)
			}
			task := d.newTask(req, plan, st, role, ranked)
			task.ID = ids[j]
			if err := dag.AddTask(task); err != nil {
				return err
			}

			deps, kind := prev, scheduler.EdgeSequential
			if prevParallel {
				kind = scheduler.EdgeParallel
			}
			if !st.parallel && j > 0 {
				deps, kind = ids[j-1:j], scheduler.EdgeSequential
			}
			for _, dep := range deps {
				if err := dag.AddEdge(dep, task.ID, kind); err != nil {
					return err
				}
			}
		}

		entry, exits := ids[:1], ids[len(ids)-1:]
		if st.parallel {
			entry, exits = ids, ids
		}
		if pendingGate != nil {
			plan.Gates = append(plan.Gates, d.newGate(fmt.Sprintf("%s-gate-%d", prefix, len(plan.Gates)+1), pendingGate, gateFrom, entry))
		}
		pendingGate, gateFrom = st.gate, exits
		prev, prevParallel = exits, st.parallel

		if si == len(stages)-1 && pendingGate != nil {
			return &faults.ValidationError{Subject: "phase " + st.name, Reason: "gate has no downstream phase"}
		}
	}

	if _, err := dag.Validate(); err != nil {
		return err
	}
	plan.DAG = dag
	return nil
}

func (d *Decomposer) newTask(req Request, plan *Plan, st stage, role string, ranked map[string]routing.Candidate) *scheduler.Task {
	typ := st.typ
	if typ == "" {
		typ = scheduler.TypeForRole(role)
	}
	team := st.team
	if team == "" {
		team = RoleTeam(role, plan.Team)
	}

	rationale, confidence := st.note, 1.0
	if c, ok := ranked[role]; ok {
		confidence = c.Confidence
		if rationale == "" {
			rationale = c.Rationale
		}
	}
	if rationale == "" {
		rationale = string(plan.Strategy) + " phase " + st.name
	}

	title := req.Title
	if title == "" {
		title = firstLine(req.Description)
	}
	if plan.Strategy != StrategySingle {
		title = st.name + ": " + title
	}

	criteria := append([]string(nil), req.SuccessCriteria...)
	if len(criteria) == 0 {
		criteria = []string{fmt.Sprintf("%s work for %q is delivered", typ, firstLine(req.Description))}
	}

	return &scheduler.Task{
		Title:           title,
		Description:     req.Description,
		Type:            typ,
		Priority:        priority(req, plan.Assessment),
		Score:           plan.Assessment.Score,
		Role:            role,
		Team:            string(team),
		Phase:           st.name,
		Rationale:       rationale,
		Confidence:      confidence,
		Constraints:     append([]string(nil), req.Constraints...),
		SuccessCriteria: criteria,
		Timeout:         req.Timeout,
	}
}

func (d *Decomposer) newGate(id string, spec *workflow.GateSpec, from, to []string) *gate.Gate {
	g := gate.New(id, spec.Checkpoint, spec.Approvers, spec.Ordered, from, to)
	g.Timeout = spec.Timeout
	if g.Timeout <= 0 {
		g.Timeout = d.gateTimeout
	}
	return g
}

// RoleTeam maps a role tag to the team that owns it. Lead and coordinator
// roles carry their team as the suffix; unknown roles belong to fallback.
func RoleTeam(role string, fallback complexity.Domain) complexity.Domain {
	prefix, suffix, _ := strings.Cut(role, ":")
	switch prefix {
	case "lead", "coordinator", "domain-lead":
		if d, ok := complexity.ParseDomain(suffix); ok {
			return d
		}
	case "security":
		return complexity.DomainSec
	case "deployment", "ops":
		return complexity.DomainInf
	case "test", "qa":
		return complexity.DomainQA
	case "design", "implementation", "review", "documentation":
		return complexity.DomainDev
	}
	if fallback == "" {
		return complexity.DomainDev
	}
	return fallback
}

// priority uses the requested priority, else derives one: urgent work is
// P1, then by score band.
func priority(req Request, a complexity.Assessment) scheduler.Priority {
	switch {
	case req.Priority != "":
		return req.Priority
	case a.Metadata.Urgent:
		return scheduler.P1
	case a.Score > consultMax:
		return scheduler.P2
	case a.Score > singleMax:
		return scheduler.P3
	}
	return scheduler.P4
}

func clarifyQuestion(r routing.Result) string {
	var opts []string
	for _, c := range r.Candidates {
		opts = append(opts, fmt.Sprintf("%s (%.2f)", c.Role, c.Confidence))
	}
	return "which role should own this task: " + strings.Join(opts, " or ") + "?"
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > 72 {
		s = s[:69] + "..."
	}
	return s
}
