package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeGate(ordered bool, roles ...string) *Gate {
	g := New("g1", "deploy", roles, ordered, []string{"test"}, []string{"deploy"})
	g.Active = true
	return g
}

func TestEvaluate(t *testing.T) {
	required := []string{"qa:lead", "ops:lead"}
	tests := []struct {
		name      string
		approvals map[string]Approval
		want      Status
	}{
		{"none", nil, StatusPending},
		{"partial", map[string]Approval{"qa:lead": {Decision: Approve}}, StatusPending},
		{"all approve", map[string]Approval{"qa:lead": {Decision: Approve}, "ops:lead": {Decision: Approve}}, StatusPassed},
		{"one reject", map[string]Approval{"qa:lead": {Decision: Approve}, "ops:lead": {Decision: Reject}}, StatusFailed},
		{"reject before others", map[string]Approval{"ops:lead": {Decision: Reject}}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(required, tt.approvals))
		})
	}
}

func TestRecordIdempotent(t *testing.T) {
	g := activeGate(false, "qa:lead", "ops:lead")

	changed, err := g.Record(Approval{Role: "qa:lead", Decision: Approve, Reason: "green"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = g.Record(Approval{Role: "qa:lead", Decision: Approve, Reason: "green"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, g.Approvals, 1)
	assert.Equal(t, StatusPending, g.Status)

	// A different decision from the same role overwrites.
	changed, err = g.Record(Approval{Role: "qa:lead", Decision: Reject, Reason: "flaky suite"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusFailed, g.Status)

	// Replaying the reject on a failed gate is still a no-op.
	changed, err = g.Record(Approval{Role: "qa:lead", Decision: Reject, Reason: "flaky suite"})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = g.Record(Approval{Role: "ops:lead", Decision: Approve})
	assert.ErrorIs(t, err, ErrGateClosed)
}

func TestRecordRejectsUnknownAndInactive(t *testing.T) {
	g := New("g2", "security", []string{"security:lead"}, false, nil, nil)

	_, err := g.Record(Approval{Role: "security:lead", Decision: Approve})
	assert.ErrorIs(t, err, ErrNotActive)

	g.Active = true
	_, err = g.Record(Approval{Role: "intern", Decision: Approve})
	assert.ErrorIs(t, err, ErrNotRequired)

	_, err = g.Record(Approval{Role: "security:lead", Decision: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestOrderedGate(t *testing.T) {
	g := activeGate(true, "qa:lead", "ops:lead")

	_, err := g.Record(Approval{Role: "ops:lead", Decision: Approve})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = g.Record(Approval{Role: "qa:lead", Decision: Approve})
	require.NoError(t, err)
	_, err = g.Record(Approval{Role: "ops:lead", Decision: Approve})
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, g.Status)

	// Rejections are accepted regardless of order.
	g2 := activeGate(true, "qa:lead", "ops:lead")
	_, err = g2.Record(Approval{Role: "ops:lead", Decision: Reject, Reason: "no rollback plan"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, g2.Status)
	rej, ok := g2.Rejection()
	require.True(t, ok)
	assert.Equal(t, "no rollback plan", rej.Reason)
}

func TestOverride(t *testing.T) {
	g := activeGate(false, "security:lead")

	tests := []Override{
		{Actor: "bot", Reason: "ci says ok"},
		{Actor: "", Reason: "because", Human: true},
		{Actor: "alice", Human: true},
	}
	for _, o := range tests {
		assert.ErrorIs(t, g.ApplyOverride(o), ErrOverrideDenied)
	}
	assert.Equal(t, StatusPending, g.Status)

	require.NoError(t, g.ApplyOverride(Override{Actor: "alice", Reason: "incident 42", Human: true}))
	assert.Equal(t, StatusPassed, g.Status)
	require.NotNil(t, g.Override)
	assert.False(t, g.Override.At.IsZero())
}

func TestReattach(t *testing.T) {
	g := activeGate(false, "security:lead")
	_, err := g.Record(Approval{Role: "security:lead", Decision: Reject, Reason: "missing rate limit"})
	require.NoError(t, err)

	clone := g.Clone()
	g.Reattach([]string{"remediation-1"})

	assert.Equal(t, 1, g.Round)
	assert.Equal(t, StatusPending, g.Status)
	assert.False(t, g.Active)
	assert.Empty(t, g.Approvals)
	assert.Equal(t, []string{"remediation-1"}, g.From)
	assert.True(t, g.Guards("deploy"))

	assert.Equal(t, StatusFailed, clone.Status)
	assert.Len(t, clone.Approvals, 1)
}
