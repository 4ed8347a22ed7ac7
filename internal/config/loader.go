package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/routing"
)

// EnvPrefix prefixes environment overrides, e.g.
// CONDUCTOR_SCHEDULER_MAX_CONCURRENT.
const EnvPrefix = "CONDUCTOR"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Maps such as providers and executors merge per
// key. Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	// Merge global config if exists
	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}

	// Merge project config if exists (highest precedence)
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath is ~/.conductor/config.yaml.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".conductor", "config.yaml"), nil
}

// ProjectPath is .conductor/config.yaml relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".conductor", "config.yaml")
}

// LoadDefault loads configuration from GlobalPath and ProjectPath.
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// setDefaults seeds v with DefaultConfig. Going through YAML keeps the
// default keys identical to what Save writes.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}
	var defaults map[string]any
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return fmt.Errorf("decoding defaults: %w", err)
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return nil
}

// mergeConfigFile merges the YAML or JSON file at path into v. An empty
// path or a missing file is skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}

	file := viper.New()
	file.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		file.SetConfigType("yaml")
	}
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := v.MergeConfigMap(file.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

// Provider looks up a provider by name. Keys read through viper are
// lower-cased, so the lookup ignores case.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	if p, ok := c.Providers[name]; ok {
		return p, true
	}
	p, ok := c.Providers[strings.ToLower(name)]
	return p, ok
}

// Validate checks cross-references and limits.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent))
	}
	if c.Scheduler.NodeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.node_timeout must be positive, got %s", c.Scheduler.NodeTimeout))
	}
	if _, err := routing.ParsePolicy(c.Routing.Policy); err != nil {
		errs = append(errs, fmt.Errorf("routing.policy: %w", err))
	}
	if c.Routing.TieEpsilon < 0 || c.Routing.TieEpsilon >= 1 {
		errs = append(errs, fmt.Errorf("routing.tie_epsilon must be in [0,1), got %g", c.Routing.TieEpsilon))
	}
	if _, err := c.Escalation.Ladder(); err != nil {
		errs = append(errs, fmt.Errorf("escalation: %w", err))
	}
	for name, ex := range c.Executors {
		if _, ok := c.Provider(ex.Provider); !ok {
			errs = append(errs, fmt.Errorf("executor %s: unknown provider %q", name, ex.Provider))
		}
		if len(ex.Roles) == 0 {
			errs = append(errs, fmt.Errorf("executor %s: no roles", name))
		}
		if ex.Instances < 0 {
			errs = append(errs, fmt.Errorf("executor %s: negative instances", name))
		}
	}
	for name, p := range c.Providers {
		if strings.TrimSpace(p.Command) == "" {
			errs = append(errs, fmt.Errorf("provider %s: command required", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
