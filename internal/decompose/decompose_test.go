package decompose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/complexity"
	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/routing"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/workflow"
)

func fixedID(id string) Option {
	return WithIDGenerator(func() string { return id })
}

// metadataOnly scores from explicit metadata alone.
func metadataOnly() *complexity.Scorer {
	return complexity.NewScorer(nil, complexity.DefaultWeights())
}

func edgeKinds(dag *scheduler.DAG) map[[2]string]scheduler.EdgeKind {
	out := make(map[[2]string]scheduler.EdgeKind)
	for _, e := range dag.Edges() {
		out[[2]string{e.From, e.To}] = e.Kind
	}
	return out
}

func task(t *testing.T, p *Plan, id string) *scheduler.Task {
	t.Helper()
	got, ok := p.DAG.Get(id)
	require.True(t, ok, "task %s not in plan", id)
	return got
}

func TestTypoIsSingleNode(t *testing.T) {
	d := New(nil, nil, workflow.Defaults(), fixedID("p1"))

	plan, err := d.Decompose(context.Background(), Request{Description: "fix a typo in a log message"})
	require.NoError(t, err)

	assert.LessOrEqual(t, plan.Assessment.Score, 1)
	assert.Equal(t, OutcomePlanned, plan.Outcome)
	assert.Equal(t, StrategySingle, plan.Strategy)
	assert.Empty(t, plan.Template)
	assert.Empty(t, plan.Gates)
	require.Equal(t, 1, plan.DAG.Len())
	assert.True(t, plan.Schedulable())

	node := task(t, plan, "p1-task")
	assert.Equal(t, "implementation:backend", node.Role)
	assert.Equal(t, scheduler.TypeImplementation, node.Type)
	assert.GreaterOrEqual(t, node.Confidence, 0.8)
	assert.Equal(t, "DEV", node.Team)
	assert.Equal(t, scheduler.P4, node.Priority)
	assert.Equal(t, "fix a typo in a log message", node.Title)
	assert.Empty(t, node.DependsOn)
}

func TestAuthenticationUsesSecureFeatureTemplate(t *testing.T) {
	d := New(nil, nil, workflow.Defaults(), fixedID("p1"))

	plan, err := d.Decompose(context.Background(), Request{Description: "add authentication to the public API"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, plan.Assessment.Score, 7)
	assert.Equal(t, StrategyTemplate, plan.Strategy)
	assert.Equal(t, "secure-feature@1", plan.Template)

	order, err := plan.DAG.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"p1-design", "p1-implementation", "p1-security", "p1-review", "p1-test", "p1-deploy"}, order)

	require.Len(t, plan.Gates, 4)
	var checkpoints []string
	for _, g := range plan.Gates {
		checkpoints = append(checkpoints, g.Checkpoint)
	}
	assert.Equal(t, []string{"security", "code-review", "test-readiness", "deploy"}, checkpoints)

	security := plan.Gates[0]
	assert.Equal(t, []string{"p1-implementation"}, security.From)
	assert.Equal(t, []string{"p1-security"}, security.To)
	assert.Equal(t, []string{"security:lead"}, security.Required)

	deploy := plan.Gates[3]
	assert.True(t, deploy.Ordered)
	assert.Equal(t, []string{"qa:lead", "ops:lead"}, deploy.Required)
	assert.Equal(t, []string{"p1-deploy"}, deploy.To)

	sec := task(t, plan, "p1-security")
	assert.Equal(t, scheduler.TypeSecurity, sec.Type)
	assert.Equal(t, "SEC", sec.Team)
	assert.Contains(t, sec.Rationale, "secure-feature@1")

	kinds := edgeKinds(plan.DAG)
	assert.Equal(t, scheduler.EdgeSequential, kinds[[2]string{"p1-implementation", "p1-security"}])
	assert.Len(t, kinds, 5)
}

func TestHotfixParallelPhaseAndRouteHint(t *testing.T) {
	d := New(nil, nil, workflow.Defaults(), fixedID("hf"))

	plan, err := d.Decompose(context.Background(), Request{Description: "hotfix for the checkout outage"})
	require.NoError(t, err)
	assert.Equal(t, "hotfix@1", plan.Template)
	require.Equal(t, 4, plan.DAG.Len())

	fix := task(t, plan, "hf-fix")
	assert.Equal(t, "implementation:backend", fix.Role)
	assert.Contains(t, fix.Rationale, `routed "fix bug"`)

	v1 := task(t, plan, "hf-verify-1")
	v2 := task(t, plan, "hf-verify-2")
	assert.Equal(t, "test:integration", v1.Role)
	assert.Equal(t, "review:code", v2.Role)
	assert.Equal(t, []string{"hf-fix"}, v1.DependsOn)
	assert.Equal(t, []string{"hf-fix"}, v2.DependsOn)
	assert.Equal(t, "QA", v1.Team)

	require.Len(t, plan.Gates, 1)
	assert.Equal(t, []string{"hf-fix"}, plan.Gates[0].From)
	assert.Equal(t, []string{"hf-verify-1", "hf-verify-2"}, plan.Gates[0].To)
	assert.Equal(t, scheduler.P1, fix.Priority, "hotfix is urgent")
}

func TestSequentialTemplatePhaseChainsRoles(t *testing.T) {
	catalog, err := workflow.NewCatalog(workflow.Template{
		Name:     "release",
		Version:  "2",
		Triggers: []string{"cut a release"},
		Phases: []workflow.Phase{
			{Name: "build", Roles: []string{"implementation:backend", "review:code"},
				Gate: &workflow.GateSpec{Checkpoint: "ship", Approvers: []string{"ops:lead"}}},
			{Name: "ship", Roles: []string{"deployment:release"}},
		},
	})
	require.NoError(t, err)

	d := New(nil, nil, catalog, fixedID("r"), WithGateTimeout(0))
	plan, err := d.Decompose(context.Background(), Request{Description: "cut a release of the agent"})
	require.NoError(t, err)

	kinds := edgeKinds(plan.DAG)
	assert.Equal(t, scheduler.EdgeSequential, kinds[[2]string{"r-build-1", "r-build-2"}])
	assert.Equal(t, scheduler.EdgeSequential, kinds[[2]string{"r-build-2", "r-ship"}])
	assert.NotContains(t, kinds, [2]string{"r-build-1", "r-ship"})

	require.Len(t, plan.Gates, 1)
	assert.Equal(t, []string{"r-build-2"}, plan.Gates[0].From)
	assert.Equal(t, DefaultGateTimeout, plan.Gates[0].Timeout)
	assert.Equal(t, scheduler.TypeReview, task(t, plan, "r-build-2").Type)
	assert.Equal(t, "INF", task(t, plan, "r-ship").Team)
}

// moderateRouter routes the words of "fix the login crash" to roles of
// several teams.
func moderateRouter(t *testing.T, rules ...routing.Rule) *routing.Router {
	t.Helper()
	table, err := routing.NewRuleTable("test", rules, routing.KeywordMatcher{})
	require.NoError(t, err)
	return routing.New(table)
}

func moderateMetadata() complexity.Metadata {
	return complexity.Metadata{Domains: []complexity.Domain{complexity.DomainDev}, Roles: []string{"a", "b"}, Urgent: true}
}

func TestModerateScoreAddsConsults(t *testing.T) {
	router := moderateRouter(t,
		routing.Rule{Name: "auth", Patterns: []string{"login"}, Role: "security:review", Priority: 1, Confidence: 0.9},
		routing.Rule{Name: "bug", Patterns: []string{"crash"}, Role: "implementation:backend", Priority: 2, Confidence: 0.8},
		routing.Rule{Name: "crash-review", Patterns: []string{"crash"}, Role: "review:code", Priority: 3, Confidence: 0.7},
	)
	d := New(metadataOnly(), router, nil, fixedID("c"))

	plan, err := d.Decompose(context.Background(), Request{Description: "fix the login crash", Metadata: moderateMetadata()})
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Assessment.Score)
	assert.Equal(t, StrategyConsult, plan.Strategy)
	assert.False(t, plan.Route.Ambiguous)
	require.Equal(t, complexity.DomainDev, plan.Team)

	primary := task(t, plan, "c-primary")
	consult := task(t, plan, "c-consult")
	assert.Equal(t, "implementation:backend", primary.Role)
	assert.Equal(t, "review:code", consult.Role)
	for _, node := range plan.DAG.Tasks() {
		assert.NotEqual(t, "security:review", node.Role, "consults stay within the owning team")
		assert.Equal(t, "DEV", node.Team)
		assert.Equal(t, complexity.DomainDev, RoleTeam(node.Role, ""))
	}
	assert.Equal(t, scheduler.EdgeParallel, edgeKinds(plan.DAG)[[2]string{"c-consult", "c-primary"}])
	assert.Empty(t, plan.Gates)
	assert.Equal(t, scheduler.P1, primary.Priority)
}

func TestModerateScoreWithoutTeamRolesGoesToLead(t *testing.T) {
	router := moderateRouter(t,
		routing.Rule{Name: "auth", Patterns: []string{"login"}, Role: "security:review", Priority: 1, Confidence: 0.9},
		routing.Rule{Name: "qa", Patterns: []string{"crash"}, Role: "test:integration", Priority: 2, Confidence: 0.7},
	)
	d := New(metadataOnly(), router, nil, fixedID("c"))

	plan, err := d.Decompose(context.Background(), Request{Description: "fix the login crash", Metadata: moderateMetadata()})
	require.NoError(t, err)
	assert.Equal(t, StrategyConsult, plan.Strategy)
	require.Equal(t, 1, plan.DAG.Len())
	primary := task(t, plan, "c-primary")
	assert.Equal(t, "lead:dev", primary.Role)
	assert.Equal(t, "DEV", primary.Team)
}

func TestPlanIDsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	seen := make(map[string]string)
	for _, id := range []string{"job-1", "job-2"} {
		d := New(nil, nil, workflow.Defaults(), fixedID(id))
		plan, err := d.Decompose(ctx, Request{Description: "fix a typo in a log message"})
		require.NoError(t, err)
		for _, node := range plan.DAG.Tasks() {
			assert.True(t, strings.HasPrefix(node.ID, id+"-"), "task %s not prefixed by plan %s", node.ID, id)
			if other, dup := seen[node.ID]; dup {
				t.Errorf("task %s produced by both %s and %s", node.ID, other, id)
			}
			seen[node.ID] = id
		}
	}
	assert.Contains(t, seen, "job-1-task")
	assert.Contains(t, seen, "job-2-task")
}

func TestAmbiguousRouteUsesDomainLead(t *testing.T) {
	d := New(metadataOnly(), nil, nil, fixedID("a"))
	md := complexity.Metadata{Domains: []complexity.Domain{complexity.DomainDev}, Roles: []string{"a", "b"}, Integrations: 1}
	desc := "add an api endpoint, update the docs and add regression tests"

	plan, err := d.Decompose(context.Background(), Request{Description: desc, Metadata: md})
	require.NoError(t, err)
	require.True(t, plan.Route.Ambiguous)
	assert.Equal(t, StrategyConsult, plan.Strategy)

	primary := task(t, plan, "a-primary")
	assert.Equal(t, "lead:dev", primary.Role)
	assert.Contains(t, primary.Rationale, "domain lead decides")

	for i, role := range []string{"implementation:backend", "documentation:technical"} {
		consult := task(t, plan, "a-consult-"+string(rune('1'+i)))
		assert.Equal(t, role, consult.Role)
		assert.Equal(t, "DEV", consult.Team)
		assert.Equal(t, scheduler.EdgeParallel, edgeKinds(plan.DAG)[[2]string{consult.ID, "a-primary"}])
	}
	assert.Equal(t, 3, plan.DAG.Len(), "test:integration belongs to QA and is not consulted")
}

func TestAmbiguousRouteWithClarifyPolicy(t *testing.T) {
	d := New(metadataOnly(), nil, nil, WithPolicy(routing.PolicyClarify))

	plan, err := d.Decompose(context.Background(), Request{Description: "add an api endpoint and update the docs"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeClarificationRequired, plan.Outcome)
	assert.Nil(t, plan.DAG)
	assert.False(t, plan.Schedulable())
	assert.Contains(t, plan.Question, "implementation:backend")
	assert.Contains(t, plan.Question, "documentation:technical")
	assert.NotEmpty(t, plan.ID)
	assert.Contains(t, plan.Summary(), "clarification_required")
}

func TestHighScoreBuildsGatedPhasesAcrossTeams(t *testing.T) {
	d := New(metadataOnly(), nil, nil, fixedID("m"), WithGateTimeout(0))
	md := complexity.Metadata{
		Domains:           []complexity.Domain{complexity.DomainDev, complexity.DomainSec, complexity.DomainInf},
		SecuritySensitive: true,
		ProductionImpact:  true,
	}

	plan, err := d.Decompose(context.Background(), Request{Description: "rework the session handling", Metadata: md})
	require.NoError(t, err)
	assert.Equal(t, 10, plan.Assessment.Score)
	assert.Equal(t, StrategyMultiPhase, plan.Strategy)
	assert.True(t, plan.Route.Primary().Default)

	order, err := plan.DAG.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"m-design", "m-implementation", "m-security", "m-test", "m-deploy"}, order)

	teams := map[string]string{"m-design": "DEV", "m-implementation": "DEV", "m-security": "SEC", "m-test": "QA", "m-deploy": "INF"}
	for id, team := range teams {
		assert.Equal(t, team, task(t, plan, id).Team, id)
		assert.Equal(t, scheduler.P2, task(t, plan, id).Priority, id)
	}

	require.Len(t, plan.Gates, 4, "every phase boundary is gated")
	want := []struct{ checkpoint, approver, from, to string }{
		{"design-to-implementation", "lead:dev", "m-design", "m-implementation"},
		{"implementation-to-security", "lead:sec", "m-implementation", "m-security"},
		{"security-to-test", "lead:qa", "m-security", "m-test"},
		{"test-to-deploy", "lead:inf", "m-test", "m-deploy"},
	}
	for i, w := range want {
		g := plan.Gates[i]
		assert.Equal(t, w.checkpoint, g.Checkpoint)
		assert.Equal(t, []string{w.approver}, g.Required)
		assert.Equal(t, []string{w.from}, g.From)
		assert.Equal(t, []string{w.to}, g.To)
		assert.Equal(t, DefaultGateTimeout, g.Timeout)
	}
}

func TestHighScoreWithoutSecurityOrProduction(t *testing.T) {
	d := New(metadataOnly(), nil, nil, fixedID("q"))
	md := complexity.Metadata{Domains: []complexity.Domain{complexity.DomainDev, complexity.DomainQA}, Roles: []string{"a", "b", "c"}, Integrations: 2}

	plan, err := d.Decompose(context.Background(), Request{Description: "design the billing schema", Metadata: md})
	require.NoError(t, err)
	require.Equal(t, StrategyMultiPhase, plan.Strategy)

	order, err := plan.DAG.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"q-design", "q-implementation", "q-test"}, order)
	assert.Len(t, plan.Gates, 2)
	assert.Equal(t, "design:architecture", task(t, plan, "q-design").Role)
}

func TestRequestedTemplate(t *testing.T) {
	d := New(nil, nil, workflow.Defaults(), fixedID("t"))

	plan, err := d.Decompose(context.Background(), Request{Description: "rotate the certificates", Template: "infrastructure-change"})
	require.NoError(t, err)
	assert.Equal(t, "infrastructure-change@1", plan.Template)
	assert.Len(t, plan.Gates, 2)

	_, err = d.Decompose(context.Background(), Request{Description: "rotate the certificates", Template: "nope"})
	var ve *faults.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Reason, "unknown template")
}

func TestRequestFieldsCarryToTasks(t *testing.T) {
	d := New(nil, nil, nil, fixedID("f"))

	plan, err := d.Decompose(context.Background(), Request{
		Title:           "Typo",
		Description:     "fix a typo in the README",
		Priority:        scheduler.P2,
		Constraints:     []string{"no behaviour change"},
		SuccessCriteria: []string{"spelling is correct"},
	})
	require.NoError(t, err)

	node := task(t, plan, "f-task")
	assert.Equal(t, "Typo", node.Title)
	assert.Equal(t, scheduler.P2, node.Priority)
	assert.Equal(t, []string{"no behaviour change"}, node.Constraints)
	assert.Equal(t, []string{"spelling is correct"}, node.SuccessCriteria)
}

func TestDecomposeRejectsBadInput(t *testing.T) {
	d := New(nil, nil, nil)

	_, err := d.Decompose(context.Background(), Request{Description: "   "})
	var ve *faults.ValidationError
	assert.True(t, errors.As(err, &ve))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Decompose(ctx, Request{Description: "fix a typo"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	d := New(nil, nil, workflow.Defaults())

	a, err := d.Decompose(context.Background(), Request{Description: "add authentication to the public API"})
	require.NoError(t, err)
	b, err := d.Decompose(context.Background(), Request{Description: "add authentication to the public API"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	for _, tk := range a.DAG.Tasks() {
		_, clash := b.DAG.Get(tk.ID)
		assert.False(t, clash, "task id %s reused across plans", tk.ID)
	}
}

func TestRoleTeam(t *testing.T) {
	tests := []struct {
		role string
		want complexity.Domain
	}{
		{"security:review", complexity.DomainSec},
		{"deployment:release", complexity.DomainInf},
		{"ops:lead", complexity.DomainInf},
		{"test:integration", complexity.DomainQA},
		{"qa:lead", complexity.DomainQA},
		{"lead:sec", complexity.DomainSec},
		{"coordinator:inf", complexity.DomainInf},
		{"review:code", complexity.DomainDev},
		{"custom", complexity.DomainQA},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleTeam(tt.role, complexity.DomainQA))
		})
	}
}
