package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/gate"
)

// remediationType picks the task type for fixing a rejected phase: phases
// that produce changes are reworked, the rest are reviewed again.
func remediationType(owner Type) Type {
	switch owner {
	case TypeImplementation, TypeSecurity, TypeDeployment:
		return TypeImplementation
	default:
		return TypeReview
	}
}

// remediate handles a failed gate. It adds one remediation task parented to
// the gate's owning phase, re-attaches the gate to the remediation's
// completion, and makes the gate's successors wait for it.
func (s *Scheduler) remediate(g *gate.Gate) error {
	rejection, _ := g.Rejection()
	owner, ok := s.dag.Get(s.gateOwner[g.ID])
	if !ok {
		return fmt.Errorf("gate %s: owning task %q not found", g.ID, s.gateOwner[g.ID])
	}
	reject := &faults.GateRejection{GateID: g.ID, Checkpoint: g.Checkpoint, Role: rejection.Role, Reason: rejection.Reason}

	remediation := &Task{
		ID:          fmt.Sprintf("%s-remediation-%d", owner.ID, g.Round+1),
		ParentID:    owner.ID,
		Title:       fmt.Sprintf("Remediate %s rejection of %s", g.Checkpoint, owner.Title),
		Description: reject.Error(),
		Type:        remediationType(owner.Type),
		Priority:    owner.Priority,
		Score:       owner.Score,
		Role:        owner.Role,
		Team:        owner.Team,
		Phase:       owner.Phase,
		Rationale:   "gate rejection",
		Confidence:  1,
		Constraints: append(append([]string(nil), owner.Constraints...), "address: "+rejection.Reason),
		SuccessCriteria: []string{
			fmt.Sprintf("%s approves the %s checkpoint", rejection.Role, g.Checkpoint),
		},
		Timeout:   owner.Timeout,
		DependsOn: append([]string(nil), g.From...),
	}
	if err := s.dag.AddTask(remediation); err != nil {
		return fmt.Errorf("failed to add remediation for gate %s: %w", g.ID, err)
	}
	for _, to := range g.To {
		if err := s.dag.AddEdge(remediation.ID, to, EdgeSequential); err != nil {
			return fmt.Errorf("failed to block %s on remediation: %w", to, err)
		}
	}
	// Re-validate the DAG to catch any cycles
	if _, err := s.dag.Validate(); err != nil {
		return fmt.Errorf("remediation for gate %s would corrupt the DAG: %w", g.ID, err)
	}

	g.Reattach([]string{remediation.ID})
	s.stopGateTimer(g.ID)
	s.saveGate(g)

	task, _ := s.dag.Get(remediation.ID)
	s.saveTask(task)
	edges := s.dag.Incoming(remediation.ID)
	for _, to := range g.To {
		edges = append(edges, Edge{From: remediation.ID, To: to, Kind: EdgeSequential})
	}
	s.record(func(ctx context.Context, r Recorder) error { return r.SaveEdges(ctx, edges) })

	s.publish(events.DAGChangedEvent{Added: []string{remediation.ID}, Reason: reject.Error(), Timestamp: time.Now()})
	s.audit(events.NewAudit(events.AuditRemediation, rejection.Role, remediation.ID, reject.Error()))
	s.logger.Warn("gate rejected, remediation added", "gate", g.ID, "round", g.Round, "remediation", remediation.ID, "reason", rejection.Reason)
	return nil
}
