package routing

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/faults"
)

// Rule maps a set of patterns to a role. Lower Priority wins.
type Rule struct {
	Name       string   `yaml:"name"`
	Patterns   []string `yaml:"patterns"`
	Role       string   `yaml:"role"`
	Priority   int      `yaml:"priority"`
	Confidence float64  `yaml:"confidence"`
}

// Matcher turns a pattern into a predicate over a lower-cased description.
type Matcher interface {
	Compile(pattern string) (func(text string) bool, error)
}

// KeywordMatcher matches by substring containment.
type KeywordMatcher struct{}

// Compile implements Matcher.
func (KeywordMatcher) Compile(pattern string) (func(string) bool, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	return func(text string) bool { return strings.Contains(text, p) }, nil
}

// RegexMatcher matches patterns as case-insensitive regular expressions.
type RegexMatcher struct{}

// Compile implements Matcher.
func (RegexMatcher) Compile(pattern string) (func(string) bool, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	return re.MatchString, nil
}

// MatcherByName resolves a matcher name from a rules file.
func MatcherByName(name string) (Matcher, error) {
	switch strings.ToLower(name) {
	case "", "keyword":
		return KeywordMatcher{}, nil
	case "regex":
		return RegexMatcher{}, nil
	}
	return nil, fmt.Errorf("unknown matcher %q", name)
}

type compiledRule struct {
	Rule
	index int
	preds []func(string) bool
}

// RuleTable is an immutable, versioned set of compiled rules.
type RuleTable struct {
	version string
	rules   []compiledRule
}

// NewRuleTable validates and compiles rules in declaration order.
func NewRuleTable(version string, rules []Rule, m Matcher) (*RuleTable, error) {
	if m == nil {
		m = KeywordMatcher{}
	}
	t := &RuleTable{version: version}
	for i, r := range rules {
		if r.Role == "" {
			return nil, &faults.ValidationError{Subject: "rule " + ruleLabel(r, i), Reason: "missing role"}
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, &faults.ValidationError{Subject: "rule " + ruleLabel(r, i), Reason: fmt.Sprintf("confidence %.2f outside [0,1]", r.Confidence)}
		}
		if len(r.Patterns) == 0 {
			return nil, &faults.ValidationError{Subject: "rule " + ruleLabel(r, i), Reason: "no patterns"}
		}
		cr := compiledRule{Rule: r, index: i}
		cr.Patterns = append([]string(nil), r.Patterns...)
		for _, p := range r.Patterns {
			fn, err := m.Compile(p)
			if err != nil {
				return nil, &faults.ValidationError{Subject: "rule " + ruleLabel(r, i), Reason: "bad pattern " + p, Err: err}
			}
			cr.preds = append(cr.preds, fn)
		}
		t.rules = append(t.rules, cr)
	}
	return t, nil
}

// Version returns the table version.
func (t *RuleTable) Version() string { return t.version }

// Rules returns a copy of the rules in declaration order.
func (t *RuleTable) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.Rule
		out[i].Patterns = append([]string(nil), r.Patterns...)
	}
	return out
}

func ruleLabel(r Rule, i int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", i)
}

type rulesFile struct {
	Version string `yaml:"version"`
	Matcher string `yaml:"matcher"`
	Rules   []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule table.
func ParseRules(data []byte) (*RuleTable, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, &faults.ValidationError{Subject: "rules file", Reason: "no rules"}
	}
	m, err := MatcherByName(f.Matcher)
	if err != nil {
		return nil, err
	}
	return NewRuleTable(f.Version, f.Rules, m)
}

// LoadRules reads a YAML rule table from disk.
func LoadRules(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	t, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// DefaultRules is the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "security", Patterns: []string{"auth", "login", "password", "credential", "vulnerab", "encrypt", "permission"}, Role: "security:review", Priority: 5, Confidence: 0.9},
		{Name: "copy-edit", Patterns: []string{"typo", "spelling", "wording"}, Role: "implementation:backend", Priority: 10, Confidence: 0.9},
		{Name: "infrastructure", Patterns: []string{"deploy", "kubernetes", "terraform", "pipeline", "infrastructure"}, Role: "deployment:release", Priority: 10, Confidence: 0.85},
		{Name: "design", Patterns: []string{"design", "architect", "schema"}, Role: "design:architecture", Priority: 15, Confidence: 0.8},
		{Name: "api", Patterns: []string{"api", "endpoint", "handler"}, Role: "implementation:backend", Priority: 15, Confidence: 0.8},
		{Name: "frontend", Patterns: []string{"frontend", "css", "react", "layout"}, Role: "implementation:frontend", Priority: 15, Confidence: 0.8},
		{Name: "testing", Patterns: []string{"test", "coverage", "regression"}, Role: "test:integration", Priority: 20, Confidence: 0.8},
		{Name: "docs", Patterns: []string{"document", "readme", "docs"}, Role: "documentation:technical", Priority: 20, Confidence: 0.8},
		{Name: "review", Patterns: []string{"review", "audit"}, Role: "review:code", Priority: 20, Confidence: 0.8},
		{Name: "bugfix", Patterns: []string{"fix", "bug", "crash"}, Role: "implementation:backend", Priority: 30, Confidence: 0.75},
		{Name: "investigation", Patterns: []string{"investigate", "debug", "slow", "why"}, Role: "investigation:triage", Priority: 30, Confidence: 0.7},
	}
}

// DefaultTable compiles DefaultRules with the keyword matcher.
func DefaultTable() *RuleTable {
	t, err := NewRuleTable("builtin", DefaultRules(), KeywordMatcher{})
	if err != nil {
		panic(fmt.Sprintf("routing: default rules invalid: %v", err))
	}
	return t
}
