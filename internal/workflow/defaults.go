package workflow

import "time"

// SecureFeature is the multi-phase template for security-sensitive features.
// Gates guard implementation→security, security→review, review→test and
// test→deploy.
func SecureFeature() Template {
	return Template{
		Name:     "secure-feature",
		Version:  "1",
		Triggers: []string{"authentication", "authorization", "oauth", "login flow", "access control"},
		Phases: []Phase{
			{Name: "design", Type: "design", Roles: []string{"design:architecture"}},
			{Name: "implementation", Type: "implementation", Roles: []string{"implementation:backend"},
				Gate: &GateSpec{Checkpoint: "security", Approvers: []string{"security:lead"}, Timeout: 4 * time.Hour}},
			{Name: "security", Type: "security", Roles: []string{"security:review"},
				Gate: &GateSpec{Checkpoint: "code-review", Approvers: []string{"review:lead"}, Timeout: 4 * time.Hour}},
			{Name: "review", Type: "review", Roles: []string{"review:code"},
				Gate: &GateSpec{Checkpoint: "test-readiness", Approvers: []string{"qa:lead"}, Timeout: 4 * time.Hour}},
			{Name: "test", Type: "test", Roles: []string{"test:integration"},
				Gate: &GateSpec{Checkpoint: "deploy", Approvers: []string{"qa:lead", "ops:lead"}, Ordered: true, Timeout: 24 * time.Hour}},
			{Name: "deploy", Type: "deployment", Roles: []string{"deployment:release"}},
		},
	}
}

// Hotfix is the fast path for production regressions.
func Hotfix() Template {
	return Template{
		Name:     "hotfix",
		Version:  "1",
		Triggers: []string{"hotfix", "production bug", "outage"},
		Phases: []Phase{
			{Name: "investigate", Type: "investigation", Roles: []string{"investigation:triage"}},
			{Name: "fix", Type: "implementation", RouteHint: "fix bug",
				Gate: &GateSpec{Checkpoint: "review", Approvers: []string{"review:lead"}, Timeout: time.Hour}},
			{Name: "verify", Type: "test", Mode: ModeParallel, Roles: []string{"test:integration", "review:code"}},
		},
	}
}

// InfrastructureChange covers infrastructure work that ships through a release.
func InfrastructureChange() Template {
	return Template{
		Name:     "infrastructure-change",
		Version:  "1",
		Triggers: []string{"terraform", "kubernetes", "migrate cluster"},
		Phases: []Phase{
			{Name: "design", Type: "design", Roles: []string{"design:architecture"},
				Gate: &GateSpec{Checkpoint: "design-review", Approvers: []string{"lead:inf"}, Timeout: 4 * time.Hour}},
			{Name: "implementation", Type: "implementation", Roles: []string{"deployment:release"}},
			{Name: "test", Type: "test", Roles: []string{"test:integration"},
				Gate: &GateSpec{Checkpoint: "release", Approvers: []string{"ops:lead"}, Timeout: 4 * time.Hour}},
			{Name: "deploy", Type: "deployment", Roles: []string{"deployment:release"}},
		},
	}
}

// Defaults returns the built-in catalog.
func Defaults() *Catalog {
	c, err := NewCatalog(SecureFeature(), Hotfix(), InfrastructureChange())
	if err != nil {
		panic("workflow: built-in templates invalid: " + err.Error())
	}
	return c
}
