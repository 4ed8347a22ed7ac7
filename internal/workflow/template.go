// Package workflow holds the read-only catalog of workflow templates: named,
// versioned phase sequences the decomposer instantiates when a task matches
// one of their trigger phrases.
package workflow

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/faults"
)

// Mode is how a phase's roles run relative to each other.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// GateSpec declares a quality gate on the boundary leaving a phase.
type GateSpec struct {
	Checkpoint string        `yaml:"checkpoint"`
	Approvers  []string      `yaml:"approvers"`
	Ordered    bool          `yaml:"ordered"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Phase is one step of a template. Either Roles or RouteHint must be set;
// a hint is resolved through the router at decomposition time.
type Phase struct {
	Name      string    `yaml:"name"`
	Type      string    `yaml:"type"`
	Roles     []string  `yaml:"roles"`
	RouteHint string    `yaml:"route_hint"`
	Mode      Mode      `yaml:"mode"`
	Gate      *GateSpec `yaml:"gate"`
}

// Template is a named, versioned phase sequence.
type Template struct {
	Name     string   `yaml:"name"`
	Version  string   `yaml:"version"`
	Triggers []string `yaml:"triggers"`
	Phases   []Phase  `yaml:"phases"`
}

// Matches reports whether a trigger phrase occurs in description.
func (t Template) Matches(description string) (string, bool) {
	text := strings.ToLower(description)
	for _, trig := range t.Triggers {
		if trig = strings.ToLower(strings.TrimSpace(trig)); trig != "" && strings.Contains(text, trig) {
			return trig, true
		}
	}
	return "", false
}

func (t Template) validate() error {
	if t.Name == "" {
		return &faults.ValidationError{Subject: "template", Reason: "missing name"}
	}
	if len(t.Phases) == 0 {
		return &faults.ValidationError{Subject: "template " + t.Name, Reason: "no phases"}
	}
	seen := make(map[string]bool)
	for i, p := range t.Phases {
		subject := fmt.Sprintf("template %s phase %d", t.Name, i)
		if p.Name == "" {
			return &faults.ValidationError{Subject: subject, Reason: "missing name"}
		}
		if seen[p.Name] {
			return &faults.ValidationError{Subject: subject, Reason: "duplicate phase " + p.Name}
		}
		seen[p.Name] = true
		if len(p.Roles) == 0 && p.RouteHint == "" {
			return &faults.ValidationError{Subject: subject, Reason: "phase needs roles or a route hint"}
		}
		switch p.Mode {
		case "", ModeSequential, ModeParallel:
		default:
			return &faults.ValidationError{Subject: subject, Reason: fmt.Sprintf("unknown mode %q", p.Mode)}
		}
		if p.Gate != nil {
			if len(p.Gate.Approvers) == 0 {
				return &faults.ValidationError{Subject: subject, Reason: "gate without approvers"}
			}
			if i == len(t.Phases)-1 {
				return &faults.ValidationError{Subject: subject, Reason: "gate on final phase guards nothing"}
			}
		}
	}
	return nil
}

// Catalog is an immutable set of templates, matched in declaration order.
type Catalog struct {
	templates []Template
}

// NewCatalog validates templates and builds a catalog.
func NewCatalog(templates ...Template) (*Catalog, error) {
	names := make(map[string]bool)
	for _, t := range templates {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if names[t.Name] {
			return nil, &faults.ValidationError{Subject: "template " + t.Name, Reason: "duplicate name"}
		}
		names[t.Name] = true
	}
	return &Catalog{templates: append([]Template(nil), templates...)}, nil
}

// Match returns the first template with a trigger in description.
func (c *Catalog) Match(description string) (Template, bool) {
	if c == nil {
		return Template{}, false
	}
	for _, t := range c.templates {
		if _, ok := t.Matches(description); ok {
			return t, true
		}
	}
	return Template{}, false
}

// Get returns a template by name.
func (c *Catalog) Get(name string) (Template, bool) {
	if c == nil {
		return Template{}, false
	}
	for _, t := range c.templates {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

// Names lists template names in declaration order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.templates))
	for i, t := range c.templates {
		out[i] = t.Name
	}
	return out
}

// Load reads templates from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	var f struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse templates file: %w", err)
	}
	return NewCatalog(f.Templates...)
}
