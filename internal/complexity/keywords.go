package complexity

import (
	"strings"
	"unicode"
)

// Classifier infers scoring factors from a free-text description.
type Classifier interface {
	Classify(description string) Metadata
}

// KeywordTable maps whole-word keywords to the factors they imply. A keyword
// ending in "*" matches any word with that prefix; a keyword containing
// spaces matches a run of consecutive words.
type KeywordTable struct {
	Domains           map[Domain][]string
	SecurityConfirmed []string
	Production        []string
	Integration       []string
	SensitiveData     []string
	Urgent            []string
	Ambiguous         []string
}

// DefaultKeywords is the built-in keyword table.
var DefaultKeywords = KeywordTable{
	Domains: map[Domain][]string{
		DomainDev: {"fix", "add", "implement", "refactor", "code", "bug", "feature", "typo", "endpoint"},
		DomainSec: {"auth*", "security", "vulnerab*", "credential*", "token*", "encrypt*", "permission*"},
		DomainInf: {"deploy*", "infra*", "kubernetes", "terraform", "pipeline*", "cluster*"},
		DomainQA:  {"test*", "coverage", "qa", "regression*"},
	},
	SecurityConfirmed: []string{"exploit*", "cve", "breach*", "zero-day"},
	Production:        []string{"public api", "production", "customer*", "live"},
	Integration:       []string{"public api", "third-party", "webhook*", "oauth", "external", "integration*"},
	SensitiveData:     []string{"pii", "password*", "credit card", "ssn", "personal data", "gdpr"},
	Urgent:            []string{"urgent", "asap", "hotfix", "outage", "immediately"},
	Ambiguous:         []string{"maybe", "somehow", "unclear", "tbd", "something like"},
}

// KeywordClassifier is the default Classifier.
type KeywordClassifier struct {
	Table KeywordTable
}

// NewKeywordClassifier returns a classifier over DefaultKeywords.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{Table: DefaultKeywords}
}

// Classify implements Classifier. Security sensitivity follows from touching
// the SEC domain.
func (c *KeywordClassifier) Classify(description string) Metadata {
	words := tokenize(description)
	var md Metadata

	for _, d := range Domains {
		if matchAny(words, c.Table.Domains[d]) {
			md.Domains = append(md.Domains, d)
		}
	}
	md.SecuritySensitive = containsDomain(md.Domains, DomainSec)
	md.SecurityConfirmed = matchAny(words, c.Table.SecurityConfirmed)
	md.ProductionImpact = matchAny(words, c.Table.Production)
	md.SensitiveData = matchAny(words, c.Table.SensitiveData)
	md.Urgent = matchAny(words, c.Table.Urgent)
	md.Ambiguous = matchAny(words, c.Table.Ambiguous)
	for _, kw := range c.Table.Integration {
		if match(words, kw) {
			md.Integrations++
		}
	}
	return md
}

func containsDomain(domains []Domain, d Domain) bool {
	for _, x := range domains {
		if x == d {
			return true
		}
	}
	return false
}

// tokenize lower-cases s and splits it into words. Hyphens stay inside words.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

func matchAny(words []string, keywords []string) bool {
	for _, kw := range keywords {
		if match(words, kw) {
			return true
		}
	}
	return false
}

func match(words []string, keyword string) bool {
	parts := strings.Fields(strings.ToLower(keyword))
	if len(parts) == 0 {
		return false
	}
	for i := 0; i+len(parts) <= len(words); i++ {
		ok := true
		for j, p := range parts {
			if !matchWord(words[i+j], p) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func matchWord(word, pattern string) bool {
	if stem, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(word, stem)
	}
	return word == pattern
}
