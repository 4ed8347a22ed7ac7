// Package handoff defines the Context Package: the structured record the
// scheduler hands to an executor at every phase boundary.
//
// A package is built by the sender, sealed on handoff, and from then on only
// its artifact list may grow.
package handoff

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSealed is returned when a sealed package is mutated.
var ErrSealed = errors.New("context package is sealed")

// ArtifactKind classifies an artifact reference. The engine treats artifacts
// as opaque.
type ArtifactKind string

const (
	ArtifactDocument ArtifactKind = "document"
	ArtifactCode     ArtifactKind = "code"
	ArtifactLink     ArtifactKind = "link"
)

// Artifact is a typed reference produced during a phase.
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	Ref      string       `json:"ref"`
	Title    string       `json:"title,omitempty"`
	Producer string       `json:"producer,omitempty"`
}

// Metadata identifies the task the package belongs to.
type Metadata struct {
	TaskID         string    `json:"task_id"`
	ParentID       string    `json:"parent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Priority       string    `json:"priority"`
	Classification string    `json:"classification"`
}

// Routing records who sent the package, to whom, and why.
type Routing struct {
	Origin       string   `json:"origin"`
	Destinations []string `json:"destinations"`
	Rationale    string   `json:"rationale"`
	Confidence   float64  `json:"confidence"`
}

// Deadline is the target completion time for the receiver.
type Deadline struct {
	Target time.Time     `json:"target"`
	Hard   bool          `json:"hard"`
	Buffer time.Duration `json:"buffer"`
}

// Escalation describes when and to whom the receiver escalates.
type Escalation struct {
	Triggers []string `json:"triggers"`
	Path     []string `json:"path"`
	Level    int      `json:"level"`
}

// Checklist tracks the handoff contract between sender and receiver.
type Checklist struct {
	SenderCompleted  []string `json:"sender_completed"`
	ReceiverRequired []string `json:"receiver_required"`
}

// Contents is the mutable-until-sealed body of a package.
type Contents struct {
	Metadata        Metadata   `json:"metadata"`
	Routing         Routing    `json:"routing"`
	Constraints     []string   `json:"constraints,omitempty"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
	Deadline        Deadline   `json:"deadline"`
	Escalation      Escalation `json:"escalation"`
	Checklist       Checklist  `json:"handoff_checklist"`
}

// Package is a Context Package. The zero value is not usable; call New.
type Package struct {
	id string

	mu        sync.RWMutex
	sealed    bool
	contents  Contents
	artifacts []Artifact
}

// New creates an unsealed package.
func New(contents Contents) *Package {
	if contents.Metadata.CreatedAt.IsZero() {
		contents.Metadata.CreatedAt = time.Now()
	}
	return &Package{
		id:       uuid.NewString(),
		contents: cloneContents(contents),
	}
}

// ID returns the package identifier.
func (p *Package) ID() string { return p.id }

// Seal freezes everything but the artifact list. Sealing twice is a no-op.
func (p *Package) Seal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = true
}

// Sealed reports whether the package has been handed off.
func (p *Package) Sealed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sealed
}

// Update applies fn to the contents. Fails with ErrSealed once sealed.
func (p *Package) Update(fn func(*Contents)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrSealed
	}
	fn(&p.contents)
	return nil
}

// SetRouting replaces the routing section.
func (p *Package) SetRouting(r Routing) error {
	return p.Update(func(c *Contents) { c.Routing = r })
}

// SetMetadata replaces the metadata section.
func (p *Package) SetMetadata(m Metadata) error {
	return p.Update(func(c *Contents) { c.Metadata = m })
}

// AppendArtifact adds artifacts. Allowed before and after sealing.
func (p *Package) AppendArtifact(a ...Artifact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.artifacts = append(p.artifacts, a...)
}

// Contents returns a copy of the package body.
func (p *Package) Contents() Contents {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneContents(p.contents)
}

// Metadata returns a copy of the metadata section.
func (p *Package) Metadata() Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.contents.Metadata
}

// Routing returns a copy of the routing section.
func (p *Package) Routing() Routing {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r := p.contents.Routing
	r.Destinations = append([]string(nil), r.Destinations...)
	return r
}

// Artifacts returns a copy of the artifact list.
func (p *Package) Artifacts() []Artifact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Artifact(nil), p.artifacts...)
}

type wirePackage struct {
	ID        string     `json:"id"`
	Sealed    bool       `json:"sealed"`
	Artifacts []Artifact `json:"artifacts"`
	Contents
}

// MarshalJSON encodes the package for executors that read it from a pipe.
func (p *Package) MarshalJSON() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(wirePackage{
		ID:        p.id,
		Sealed:    p.sealed,
		Artifacts: p.artifacts,
		Contents:  p.contents,
	})
}

func cloneContents(c Contents) Contents {
	out := c
	out.Routing.Destinations = append([]string(nil), c.Routing.Destinations...)
	out.Constraints = append([]string(nil), c.Constraints...)
	out.SuccessCriteria = append([]string(nil), c.SuccessCriteria...)
	out.Escalation.Triggers = append([]string(nil), c.Escalation.Triggers...)
	out.Escalation.Path = append([]string(nil), c.Escalation.Path...)
	out.Checklist.SenderCompleted = append([]string(nil), c.Checklist.SenderCompleted...)
	out.Checklist.ReceiverRequired = append([]string(nil), c.Checklist.ReceiverRequired...)
	return out
}
