package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalConfig    string
		projectConfig   string
		expectExecutors int
		expectProviders int
		checkExecutor   string
		expectProvider  string
		expectInstances int
		expectRoles     []string
		expectMax       int
		expectPolicy    string
	}{
		{
			name:            "No config files - returns defaults",
			expectExecutors: 6,
			expectProviders: 3,
			expectMax:       4,
			expectPolicy:    "domain-lead",
		},
		{
			name: "Global only - adds new executor",
			globalConfig: `
providers:
  local:
    command: ./bin/agent
executors:
  css:
    provider: local
    roles: [implementation:frontend]
`,
			expectExecutors: 7,
			expectProviders: 4,
			checkExecutor:   "css",
			expectProvider:  "local",
			expectInstances: 0,
			expectRoles:     []string{"implementation:frontend"},
			expectMax:       4,
			expectPolicy:    "domain-lead",
		},
		{
			name: "Project only - overrides one field, keeps the rest",
			projectConfig: `
executors:
  backend:
    instances: 5
scheduler:
  max_concurrent: 8
`,
			expectExecutors: 6,
			expectProviders: 3,
			checkExecutor:   "backend",
			expectProvider:  "claude",
			expectInstances: 5,
			expectRoles:     []string{"implementation:backend", "implementation:frontend"},
			expectMax:       8,
			expectPolicy:    "domain-lead",
		},
		{
			name: "Project overrides global - project wins",
			globalConfig: `
routing:
  policy: clarify
executors:
  reviewer:
    provider: claude
`,
			projectConfig: `
routing:
  policy: domain-lead
executors:
  reviewer:
    provider: goose
`,
			expectExecutors: 6,
			expectProviders: 3,
			checkExecutor:   "reviewer",
			expectProvider:  "goose",
			expectInstances: 0,
			expectRoles:     []string{"review:code", "security:review"},
			expectMax:       4,
			expectPolicy:    "domain-lead",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != "" {
				globalPath = writeFile(t, tmpDir, "global.yaml", tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != "" {
				projectPath = writeFile(t, tmpDir, "project.yaml", tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := len(cfg.Executors); got != tt.expectExecutors {
				t.Errorf("executors count = %d, want %d", got, tt.expectExecutors)
			}
			if got := len(cfg.Providers); got != tt.expectProviders {
				t.Errorf("providers count = %d, want %d", got, tt.expectProviders)
			}
			if cfg.Scheduler.MaxConcurrent != tt.expectMax {
				t.Errorf("max_concurrent = %d, want %d", cfg.Scheduler.MaxConcurrent, tt.expectMax)
			}
			if cfg.Routing.Policy != tt.expectPolicy {
				t.Errorf("policy = %q, want %q", cfg.Routing.Policy, tt.expectPolicy)
			}

			if tt.checkExecutor == "" {
				return
			}
			ex, exists := cfg.Executors[tt.checkExecutor]
			if !exists {
				t.Fatalf("expected executor %q not found", tt.checkExecutor)
			}
			if ex.Provider != tt.expectProvider {
				t.Errorf("executor %q provider = %q, want %q", tt.checkExecutor, ex.Provider, tt.expectProvider)
			}
			if ex.Instances != tt.expectInstances {
				t.Errorf("executor %q instances = %d, want %d", tt.checkExecutor, ex.Instances, tt.expectInstances)
			}
			if strings.Join(ex.Roles, ",") != strings.Join(tt.expectRoles, ",") {
				t.Errorf("executor %q roles = %v, want %v", tt.checkExecutor, ex.Roles, tt.expectRoles)
			}
		})
	}
}

func TestLoadDurationsAndLadder(t *testing.T) {
	tmpDir := t.TempDir()
	projectPath := writeFile(t, tmpDir, "project.yaml", `
scheduler:
  node_timeout: 90s
escalation:
  levels:
    - owner: "lead:{team}"
      timeout: 5m
    - owner: "domain-lead:{team}"
      timeout: 30m
    - owner: engineering-manager
      timeout: 2h
    - owner: director
      timeout: 8h
    - owner: human-operator
      timeout: 0s
`)

	cfg, err := Load("", projectPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.NodeTimeout != 90*time.Second {
		t.Errorf("node_timeout = %s, want 1m30s", cfg.Scheduler.NodeTimeout)
	}
	if cfg.Scheduler.GateTimeout != 4*time.Hour {
		t.Errorf("gate_timeout default lost: %s", cfg.Scheduler.GateTimeout)
	}

	ladder, err := cfg.Escalation.Ladder()
	if err != nil {
		t.Fatalf("ladder: %v", err)
	}
	if len(ladder) != 5 {
		t.Fatalf("ladder has %d levels, want 5", len(ladder))
	}
	if ladder[3].Timeout != 8*time.Hour || ladder[3].Owner != "director" {
		t.Errorf("L4 = %+v, want director after 8h (lists replace, not merge)", ladder[3])
	}
	if got := ladder[0].OwnerFor("SEC"); got != "lead:sec" {
		t.Errorf("L1 owner = %q, want lead:sec", got)
	}
}

func TestLoadDefaultLadderMatchesEscalation(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ladder, err := cfg.Escalation.Ladder()
	if err != nil {
		t.Fatalf("ladder: %v", err)
	}
	if len(ladder) != 5 {
		t.Fatalf("default ladder has %d levels, want 5", len(ladder))
	}
	if ladder[4].Owner != "human-operator" || ladder[4].Timeout != 0 {
		t.Errorf("L5 = %+v, want human-operator without timeout", ladder[4])
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("CONDUCTOR_SCHEDULER_MAX_CONCURRENT", "12")
	t.Setenv("CONDUCTOR_LOGGING_LEVEL", "debug")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 12 {
		t.Errorf("max_concurrent = %d, want 12", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_JSONConfig(t *testing.T) {
	tmpDir := t.TempDir()
	globalPath := writeFile(t, tmpDir, "global.json", `{"storage": {"path": "/var/lib/conductor.db"}}`)

	cfg, err := Load(globalPath, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/conductor.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
}

func TestLoad_Malformed(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := writeFile(t, tmpDir, "global.json", "{invalid json")
	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global config") {
		t.Errorf("error should name the layer: %v", err)
	}

	projectPath := writeFile(t, tmpDir, "project.yaml", "scheduler: [unclosed")
	if _, err := Load("", projectPath); err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{"unknown provider", "executors:\n  x:\n    provider: nope\n    roles: [a]\n", `unknown provider "nope"`},
		{"no roles", "executors:\n  x:\n    provider: claude\n", "no roles"},
		{"bad policy", "routing:\n  policy: coin-flip\n", "routing.policy"},
		{"zero concurrency", "scheduler:\n  max_concurrent: 0\n", "max_concurrent"},
		{"shrinking ladder", "escalation:\n  levels:\n    - owner: a\n      timeout: 1h\n    - owner: b\n      timeout: 5m\n    - owner: c\n      timeout: 2h\n    - owner: d\n      timeout: 3h\n    - owner: e\n      timeout: 0s\n", "must exceed"},
		{"short ladder", "escalation:\n  levels:\n    - owner: a\n      timeout: 1h\n    - owner: b\n      timeout: 0s\n", "want 5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "project.yaml", tt.config)
			_, err := Load("", path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.yaml", "/nonexistent/project.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if len(cfg.Executors) != 6 {
		t.Errorf("executors count = %d, want 6", len(cfg.Executors))
	}
	if cfg.Storage.Path != ".conductor/state.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
}
