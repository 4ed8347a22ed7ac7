package handoff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPackage() *Package {
	return New(Contents{
		Metadata: Metadata{TaskID: "t-1", Priority: "P2", Classification: "implementation/5"},
		Routing:  Routing{Origin: "coordinator:dev", Destinations: []string{"implementation:backend"}, Confidence: 0.9},
	})
}

func TestSealBlocksMetadataAndRouting(t *testing.T) {
	p := newTestPackage()
	require.NoError(t, p.SetRouting(Routing{Origin: "design:architecture", Destinations: []string{"implementation:backend"}}))

	p.Seal()
	assert.True(t, p.Sealed())

	assert.ErrorIs(t, p.SetRouting(Routing{Origin: "someone-else"}), ErrSealed)
	assert.ErrorIs(t, p.SetMetadata(Metadata{TaskID: "other"}), ErrSealed)
	assert.ErrorIs(t, p.Update(func(c *Contents) { c.Constraints = nil }), ErrSealed)

	assert.Equal(t, "design:architecture", p.Routing().Origin)
	assert.Equal(t, "t-1", p.Metadata().TaskID)
}

func TestArtifactsAppendAfterSeal(t *testing.T) {
	p := newTestPackage()
	p.AppendArtifact(Artifact{Kind: ArtifactDocument, Ref: "docs/design.md"})
	p.Seal()
	p.AppendArtifact(Artifact{Kind: ArtifactCode, Ref: "internal/auth/handler.go"})

	arts := p.Artifacts()
	require.Len(t, arts, 2)
	assert.Equal(t, ArtifactCode, arts[1].Kind)
}

func TestAccessorsReturnCopies(t *testing.T) {
	p := newTestPackage()
	p.Seal()

	r := p.Routing()
	r.Destinations[0] = "mutated"
	assert.Equal(t, "implementation:backend", p.Routing().Destinations[0])

	c := p.Contents()
	c.Metadata.TaskID = "mutated"
	assert.Equal(t, "t-1", p.Metadata().TaskID)
}

func TestMarshalJSON(t *testing.T) {
	p := newTestPackage()
	p.AppendArtifact(Artifact{Kind: ArtifactLink, Ref: "https://example.com/rfc"})
	p.Seal()

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p.ID(), decoded["id"])
	assert.Equal(t, true, decoded["sealed"])
	assert.Contains(t, decoded, "handoff_checklist")
	assert.Len(t, decoded["artifacts"], 1)
}
