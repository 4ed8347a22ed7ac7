package config

import (
	"time"

	"github.com/aristath/conductor/internal/escalation"
)

// ProviderConfig defines a transport: the command an executor instance
// launches per task. Several executors can share one provider. Env holds
// KEY=VALUE pairs.
type ProviderConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`
	Env     []string `mapstructure:"env" yaml:"env,omitempty"`
	Dir     string   `mapstructure:"dir" yaml:"dir,omitempty"`
}

// ExecutorConfig binds a provider to the roles it serves. Roles may
// include "*" for any role without a dedicated executor; Instances
// defaults to 1; Args are appended after the provider's.
type ExecutorConfig struct {
	Provider  string   `mapstructure:"provider" yaml:"provider"`
	Roles     []string `mapstructure:"roles" yaml:"roles"`
	Instances int      `mapstructure:"instances" yaml:"instances,omitempty"`
	Args      []string `mapstructure:"args" yaml:"args,omitempty"`
}

// SchedulerConfig tunes dispatch.
type SchedulerConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	NodeTimeout     time.Duration `mapstructure:"node_timeout" yaml:"node_timeout"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	GateTimeout     time.Duration `mapstructure:"gate_timeout" yaml:"gate_timeout"`
	BreakerTrips    uint32        `mapstructure:"breaker_trips" yaml:"breaker_trips"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// RoutingConfig selects the rule table and ambiguity handling. An empty
// RulesFile uses the built-in rules; Watch reloads RulesFile on change.
type RoutingConfig struct {
	RulesFile  string  `mapstructure:"rules_file" yaml:"rules_file,omitempty"`
	Policy     string  `mapstructure:"policy" yaml:"policy"`
	TieEpsilon float64 `mapstructure:"tie_epsilon" yaml:"tie_epsilon"`
	Watch      bool    `mapstructure:"watch" yaml:"watch"`
}

// LevelConfig is one rung of the escalation ladder. Owner may contain
// {team}.
type LevelConfig struct {
	Owner   string        `mapstructure:"owner" yaml:"owner"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EscalationConfig defines the ladder, lowest level first.
type EscalationConfig struct {
	Levels []LevelConfig `mapstructure:"levels" yaml:"levels"`
}

// Ladder converts the configured levels into a validated ladder.
func (e EscalationConfig) Ladder() (escalation.Ladder, error) {
	ladder := make(escalation.Ladder, len(e.Levels))
	for i, l := range e.Levels {
		ladder[i] = escalation.Step{Level: escalation.Level(i + 1), Owner: l.Owner, Timeout: l.Timeout}
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}

// StorageConfig locates the SQLite database. An empty path keeps state in
// memory.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig exposes prometheus metrics. An empty address disables the
// endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`
}

// TemplatesConfig points at extra workflow templates. The built-in
// templates are used when File is empty.
type TemplatesConfig struct {
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// ConflictsConfig points at technical precedents used to settle barrier
// conflicts without escalation.
type ConflictsConfig struct {
	PrecedentsFile string `mapstructure:"precedents_file" yaml:"precedents_file,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler  SchedulerConfig           `mapstructure:"scheduler" yaml:"scheduler"`
	Routing    RoutingConfig             `mapstructure:"routing" yaml:"routing"`
	Escalation EscalationConfig          `mapstructure:"escalation" yaml:"escalation"`
	Providers  map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Executors  map[string]ExecutorConfig `mapstructure:"executors" yaml:"executors"`
	Storage    StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Logging    LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
	Templates  TemplatesConfig           `mapstructure:"templates" yaml:"templates"`
	Conflicts  ConflictsConfig           `mapstructure:"conflicts" yaml:"conflicts"`
}
