package complexity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Domain is a team identifier. Values are persisted verbatim.
type Domain string

const (
	DomainDev Domain = "DEV"
	DomainSec Domain = "SEC"
	DomainInf Domain = "INF"
	DomainQA  Domain = "QA"
)

// Domains lists every known domain in canonical order. Ordering of merged
// domain sets always follows this slice.
var Domains = []Domain{DomainDev, DomainSec, DomainInf, DomainQA}

// ParseDomain normalizes s into a known domain.
func ParseDomain(s string) (Domain, bool) {
	d := Domain(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Domains {
		if d == known {
			return d, true
		}
	}
	return "", false
}

// Primary returns the owning domain of a domain set: the first one in
// canonical order, or DEV when the set is empty.
func Primary(domains []Domain) Domain {
	for _, known := range Domains {
		for _, d := range domains {
			if d == known {
				return d
			}
		}
	}
	return DomainDev
}

// Metadata holds the scoring factors for a task. Unset flags are false.
type Metadata struct {
	Domains           []Domain
	Roles             []string
	SecuritySensitive bool
	SecurityConfirmed bool
	ProductionImpact  bool
	Integrations      int
	SensitiveData     bool
	Urgent            bool
	Ambiguous         bool
}

// Merge ORs two metadata sets together.
func Merge(a, b Metadata) Metadata {
	out := Metadata{
		Domains:           mergeDomains(a.Domains, b.Domains),
		Roles:             mergeStrings(a.Roles, b.Roles),
		SecuritySensitive: a.SecuritySensitive || b.SecuritySensitive,
		SecurityConfirmed: a.SecurityConfirmed || b.SecurityConfirmed,
		ProductionImpact:  a.ProductionImpact || b.ProductionImpact,
		Integrations:      max(a.Integrations, b.Integrations),
		SensitiveData:     a.SensitiveData || b.SensitiveData,
		Urgent:            a.Urgent || b.Urgent,
		Ambiguous:         a.Ambiguous || b.Ambiguous,
	}
	return out
}

// ParseMetadata reads metadata from a loosely-typed map such as decoded JSON
// or YAML. Absent or wrongly-typed keys leave the factor unset.
func ParseMetadata(raw map[string]any) Metadata {
	var md Metadata
	if raw == nil {
		return md
	}
	for _, s := range stringList(raw["domains"]) {
		if d, ok := ParseDomain(s); ok {
			md.Domains = append(md.Domains, d)
		}
	}
	md.Domains = mergeDomains(md.Domains, nil)
	md.Roles = mergeStrings(stringList(raw["roles"]), nil)
	md.SecuritySensitive = boolValue(raw["security_sensitive"])
	md.SecurityConfirmed = boolValue(raw["security_confirmed"])
	md.ProductionImpact = boolValue(raw["production_impact"])
	md.SensitiveData = boolValue(raw["sensitive_data"])
	md.Urgent = boolValue(raw["urgent"])
	md.Ambiguous = boolValue(raw["ambiguous"])

	switch v := raw["integrations"].(type) {
	case int:
		md.Integrations = max(v, 0)
	case int64:
		md.Integrations = max(int(v), 0)
	case float64:
		md.Integrations = max(int(v), 0)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			md.Integrations = max(n, 0)
		}
	case []any, []string:
		md.Integrations = len(stringList(v))
	}
	return md
}

func boolValue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	}
	return false
}

func stringList(v any) []string {
	switch l := v.(type) {
	case string:
		if l == "" {
			return nil
		}
		return []string{l}
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func mergeDomains(a, b []Domain) []Domain {
	seen := make(map[Domain]bool, len(a)+len(b))
	for _, d := range a {
		seen[d] = true
	}
	for _, d := range b {
		seen[d] = true
	}
	var out []Domain
	for _, known := range Domains {
		if seen[known] {
			out = append(out, known)
		}
	}
	return out
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
