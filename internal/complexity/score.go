// Package complexity assigns a 0-10 complexity score to a task.
//
// The score is a capped weighted sum over factors that come from explicit
// metadata, OR-merged with whatever a Classifier infers from the description.
package complexity

import "fmt"

// MaxScore caps every score.
const MaxScore = 10

// Weights are the per-factor contributions.
type Weights struct {
	Domain            int
	ExtraRole         int
	Security          int
	SecurityConfirmed int
	Production        int
	Integration       int
	SensitiveData     int
	Urgent            int
	Ambiguous         int
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{
		Domain:            1,
		ExtraRole:         2,
		Security:          2,
		SecurityConfirmed: 3,
		Production:        3,
		Integration:       1,
		SensitiveData:     3,
		Urgent:            1,
		Ambiguous:         2,
	}
}

// Factor is one line of a score breakdown.
type Factor struct {
	Name   string
	Points int
}

// Assessment is the full result of scoring a task.
type Assessment struct {
	Score    int
	Factors  []Factor
	Metadata Metadata
}

func (a Assessment) String() string {
	return fmt.Sprintf("score %d (%d factors)", a.Score, len(a.Factors))
}

// Scorer computes complexity scores. It holds no mutable state.
type Scorer struct {
	classifier Classifier
	weights    Weights
}

// NewScorer returns a scorer. A nil classifier disables inference and uses
// explicit metadata only.
func NewScorer(classifier Classifier, weights Weights) *Scorer {
	return &Scorer{classifier: classifier, weights: weights}
}

var defaultScorer = NewScorer(NewKeywordClassifier(), DefaultWeights())

// Score scores a task with the default classifier and weights.
func Score(description string, md Metadata) int {
	return defaultScorer.Score(description, md)
}

// Score returns the capped complexity score.
func (s *Scorer) Score(description string, md Metadata) int {
	return s.Assess(description, md).Score
}

// Assess returns the score together with the factors that produced it.
//
// Required roles are the union of explicit roles and touched domains; only
// roles beyond the first add points, since a single-role task needs no
// coordination.
func (s *Scorer) Assess(description string, md Metadata) Assessment {
	if s.classifier != nil {
		md = Merge(md, s.classifier.Classify(description))
	}
	w := s.weights

	var factors []Factor
	add := func(name string, points int) {
		if points > 0 {
			factors = append(factors, Factor{Name: name, Points: points})
		}
	}

	add("domains", w.Domain*len(md.Domains))
	if roles := max(len(md.Roles), len(md.Domains)); roles > 1 {
		add("roles", w.ExtraRole*(roles-1))
	}
	switch {
	case md.SecurityConfirmed:
		add("security", w.SecurityConfirmed)
	case md.SecuritySensitive:
		add("security", w.Security)
	}
	if md.ProductionImpact {
		add("production", w.Production)
	}
	add("integrations", w.Integration*md.Integrations)
	if md.SensitiveData {
		add("sensitive_data", w.SensitiveData)
	}
	if md.Urgent {
		add("urgent", w.Urgent)
	}
	if md.Ambiguous {
		add("ambiguous", w.Ambiguous)
	}

	total := 0
	for _, f := range factors {
		total += f.Points
	}
	return Assessment{Score: min(total, MaxScore), Factors: factors, Metadata: md}
}
