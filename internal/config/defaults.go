package config

import (
	"time"

	"github.com/aristath/conductor/internal/escalation"
)

// DefaultConfig returns the default configuration with built-in providers,
// executors and the standard escalation ladder.
func DefaultConfig() *Config {
	var levels []LevelConfig
	for _, step := range escalation.DefaultLadder() {
		levels = append(levels, LevelConfig{Owner: step.Owner, Timeout: step.Timeout})
	}

	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent:   4,
			NodeTimeout:     30 * time.Minute,
			CancelGrace:     10 * time.Second,
			GateTimeout:     4 * time.Hour,
			BreakerTrips:    5,
			BreakerCooldown: 30 * time.Second,
		},
		Routing: RoutingConfig{
			Policy:     "domain-lead",
			TieEpsilon: 0.05,
		},
		Escalation: EscalationConfig{Levels: levels},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Args:    []string{"-p", "--output-format", "text"},
			},
			"codex": {
				Command: "codex",
				Args:    []string{"exec", "-"},
			},
			"goose": {
				Command: "goose",
				Args:    []string{"run", "-i", "-"},
			},
		},
		Executors: map[string]ExecutorConfig{
			"architect": {
				Provider: "claude",
				Roles:    []string{"design:architecture", "investigation:triage"},
			},
			"backend": {
				Provider:  "claude",
				Roles:     []string{"implementation:backend", "implementation:frontend"},
				Instances: 2,
			},
			"reviewer": {
				Provider: "codex",
				Roles:    []string{"review:code", "security:review"},
			},
			"tester": {
				Provider: "goose",
				Roles:    []string{"test:integration"},
			},
			"release": {
				Provider: "claude",
				Roles:    []string{"deployment:release", "documentation:technical"},
			},
			"lead": {
				Provider: "claude",
				Roles:    []string{"*"},
			},
		},
		Storage: StorageConfig{Path: ".conductor/state.db"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
