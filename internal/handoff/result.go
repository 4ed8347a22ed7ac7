package handoff

// Recommendation is a stance an executor takes on a subject. Two siblings
// taking different stances on the same subject are in conflict.
type Recommendation struct {
	Subject  string `json:"subject"`
	Stance   string `json:"stance"`
	Category string `json:"category,omitempty"` // technical, approach, resource
}

// Result is what a receiver hands back when it finishes.
type Result struct {
	Content         string           `json:"content"`
	Artifacts       []Artifact       `json:"artifacts,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}
