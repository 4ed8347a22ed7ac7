package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/complexity"
	"github.com/aristath/conductor/internal/decompose"
	"github.com/aristath/conductor/internal/scheduler"
)

// requestFlags are the request fields settable from the command line.
type requestFlags struct {
	id                string
	title             string
	team              string
	priority          string
	template          string
	domains           []string
	roles             []string
	security          bool
	securityConfirmed bool
	production        bool
	sensitive         bool
	urgent            bool
	ambiguous         bool
	integrations      int
	constraints       []string
	criteria          []string
	timeout           time.Duration
}

// bindMetadata registers the scoring flags.
func (f *requestFlags) bindMetadata(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringSliceVar(&f.domains, "domain", nil, "touched domains (DEV, SEC, INF, QA)")
	fs.StringSliceVar(&f.roles, "role", nil, "roles known to be involved")
	fs.BoolVar(&f.security, "security", false, "security sensitive")
	fs.BoolVar(&f.securityConfirmed, "security-confirmed", false, "security impact confirmed by review")
	fs.BoolVar(&f.production, "production", false, "affects production")
	fs.BoolVar(&f.sensitive, "sensitive-data", false, "touches sensitive data")
	fs.BoolVar(&f.urgent, "urgent", false, "urgent")
	fs.BoolVar(&f.ambiguous, "ambiguous", false, "requirements are ambiguous")
	fs.IntVar(&f.integrations, "integrations", 0, "number of external integrations")
	fs.StringVar(&f.team, "team", "", "owning team; inferred when empty")
}

// bindRequest registers the scoring flags plus the planning ones.
func (f *requestFlags) bindRequest(cmd *cobra.Command) {
	f.bindMetadata(cmd)
	fs := cmd.Flags()
	fs.StringVar(&f.id, "id", "", "plan id; generated when empty")
	fs.StringVar(&f.title, "title", "", "task title; first line of the description when empty")
	fs.StringVar(&f.priority, "priority", "", "P1 to P4; derived when empty")
	fs.StringVar(&f.template, "template", "", "force a workflow template")
	fs.StringArrayVar(&f.constraints, "constraint", nil, "constraint carried to every task")
	fs.StringArrayVar(&f.criteria, "criterion", nil, "success criterion carried to every task")
	fs.DurationVar(&f.timeout, "timeout", 0, "per-task timeout")
}

func (f *requestFlags) metadata() (complexity.Metadata, error) {
	md := complexity.Metadata{
		Roles:             f.roles,
		SecuritySensitive: f.security,
		SecurityConfirmed: f.securityConfirmed,
		ProductionImpact:  f.production,
		Integrations:      f.integrations,
		SensitiveData:     f.sensitive,
		Urgent:            f.urgent,
		Ambiguous:         f.ambiguous,
	}
	for _, s := range f.domains {
		d, ok := complexity.ParseDomain(s)
		if !ok {
			return md, fmt.Errorf("unknown domain %q", s)
		}
		md.Domains = append(md.Domains, d)
	}
	return md, nil
}

func (f *requestFlags) request(desc string) (decompose.Request, error) {
	md, err := f.metadata()
	if err != nil {
		return decompose.Request{}, err
	}
	req := decompose.Request{
		ID:              f.id,
		Title:           f.title,
		Description:     desc,
		Metadata:        md,
		Template:        f.template,
		Constraints:     f.constraints,
		SuccessCriteria: f.criteria,
		Timeout:         f.timeout,
	}
	if req.Team, err = parseTeam(f.team); err != nil {
		return req, err
	}
	if req.Priority, err = parsePriority(f.priority); err != nil {
		return req, err
	}
	return req, nil
}

func parseTeam(s string) (complexity.Domain, error) {
	if s == "" {
		return "", nil
	}
	d, ok := complexity.ParseDomain(s)
	if !ok {
		return "", fmt.Errorf("unknown team %q", s)
	}
	return d, nil
}

func parsePriority(s string) (scheduler.Priority, error) {
	switch p := scheduler.Priority(strings.ToUpper(s)); p {
	case "":
		return "", nil
	case scheduler.P1, scheduler.P2, scheduler.P3, scheduler.P4:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// requestFile is the YAML form of a batch of requests.
type requestFile struct {
	Requests []struct {
		ID              string         `yaml:"id"`
		Title           string         `yaml:"title"`
		Description     string         `yaml:"description"`
		Metadata        map[string]any `yaml:"metadata"`
		Team            string         `yaml:"team"`
		Priority        string         `yaml:"priority"`
		Template        string         `yaml:"template"`
		Constraints     []string       `yaml:"constraints"`
		SuccessCriteria []string       `yaml:"success_criteria"`
		Timeout         time.Duration  `yaml:"timeout"`
	} `yaml:"requests"`
}

// loadRequests reads a YAML batch of requests.
func loadRequests(path string) ([]decompose.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read requests: %w", err)
	}
	var f requestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse requests: %w", err)
	}
	if len(f.Requests) == 0 {
		return nil, fmt.Errorf("%s: no requests", path)
	}

	reqs := make([]decompose.Request, 0, len(f.Requests))
	for i, r := range f.Requests {
		team, err := parseTeam(r.Team)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i+1, err)
		}
		priority, err := parsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i+1, err)
		}
		reqs = append(reqs, decompose.Request{
			ID:              r.ID,
			Title:           r.Title,
			Description:     r.Description,
			Metadata:        complexity.ParseMetadata(r.Metadata),
			Team:            team,
			Priority:        priority,
			Template:        r.Template,
			Constraints:     r.Constraints,
			SuccessCriteria: r.SuccessCriteria,
			Timeout:         r.Timeout,
		})
	}
	return reqs, nil
}
