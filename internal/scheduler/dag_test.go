package scheduler

import (
	"errors"
	"strings"
	"testing"

	"github.com/aristath/conductor/internal/faults"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *DAG
		wantErr     bool
		errContains string
		wantLen     int
	}{
		{
			name: "valid linear chain",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A"})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{"B"}})
				return dag
			},
			wantLen: 3,
		},
		{
			name: "barrier join",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A"})
				dag.AddTask(&Task{ID: "B"})
				dag.AddTask(&Task{ID: "C"})
				dag.AddEdge("A", "C", EdgeParallel)
				dag.AddEdge("B", "C", EdgeParallel)
				return dag
			},
			wantLen: 3,
		},
		{
			name: "direct cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"B"}})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"B"}})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"C"}})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self-loop",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "missing dependency",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"nonexistent"}})
				return dag
			},
			wantErr:     true,
			errContains: "nonexistent",
		},
		{
			name: "disconnected components",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A"})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				dag.AddTask(&Task{ID: "C"})
				dag.AddTask(&Task{ID: "D", DependsOn: []string{"C"}})
				return dag
			},
			wantLen: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := tt.setup().Validate()

			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ve *faults.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected ValidationError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Error message %q doesn't contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if len(order) != tt.wantLen {
				t.Errorf("Expected %d tasks in order, got %d: %v", tt.wantLen, len(order), order)
			}
		})
	}
}

func TestDAGAddTaskRejectsDuplicates(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTask(&Task{ID: "A"}); err != nil {
		t.Fatal(err)
	}
	err := dag.AddTask(&Task{ID: "A"})
	var ve *faults.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for duplicate id, got %v", err)
	}
	if err := dag.AddEdge("A", "missing", EdgeSequential); err == nil {
		t.Error("expected error for edge to unknown task")
	}
}

// TestDAGEligible tests dependency resolution and task eligibility.
func TestDAGEligible(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *DAG
		expectedIDs []string
	}{
		{
			name: "initial eligible",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A"})
				dag.AddTask(&Task{ID: "B"})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{"A"}})
				return dag
			},
			expectedIDs: []string{"A", "B"},
		},
		{
			name: "completion unlocks dependents",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", Status: StatusCompleted})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				return dag
			},
			expectedIDs: []string{"B"},
		},
		{
			name: "partial completion",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", Status: StatusCompleted})
				dag.AddTask(&Task{ID: "B"})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{"A", "B"}})
				return dag
			},
			expectedIDs: []string{"B"},
		},
		{
			name: "failure blocks sequential edge",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", Status: StatusFailed})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				return dag
			},
			expectedIDs: nil,
		},
		{
			name: "failure allows best-effort edge",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", Status: StatusFailed})
				dag.AddTask(&Task{ID: "B"})
				dag.AddEdge("A", "B", EdgeBestEffort)
				return dag
			},
			expectedIDs: []string{"B"},
		},
		{
			name: "best-effort still waits for running predecessor",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", Status: StatusRunning})
				dag.AddTask(&Task{ID: "B"})
				dag.AddEdge("A", "B", EdgeBestEffort)
				return dag
			},
			expectedIDs: nil,
		},
		{
			name: "barrier waits for every sibling",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", Status: StatusCompleted})
				dag.AddTask(&Task{ID: "B", Status: StatusRunning})
				dag.AddTask(&Task{ID: "C"})
				dag.AddEdge("A", "C", EdgeParallel)
				dag.AddEdge("B", "C", EdgeParallel)
				return dag
			},
			expectedIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eligible := tt.setup().Eligible()

			var got []string
			for _, task := range eligible {
				got = append(got, task.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.expectedIDs, ",") {
				t.Errorf("Eligible() = %v, expected %v", got, tt.expectedIDs)
			}
		})
	}
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
		{StatusRunning, StatusPending, false},
	}
	for _, tt := range tests {
		task := &Task{ID: "A", Status: tt.from}
		err := task.Transition(tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: err = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
		if tt.ok && (task.Status != tt.to || task.Version != 1) {
			t.Errorf("%s -> %s: status %s version %d", tt.from, tt.to, task.Status, task.Version)
		}
	}
}

func TestDAGCascade(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A", Status: StatusFailed})
	dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
	dag.AddTask(&Task{ID: "C", DependsOn: []string{"B"}})
	dag.AddTask(&Task{ID: "D"})
	dag.AddEdge("A", "D", EdgeBestEffort)
	dag.AddTask(&Task{ID: "E", Status: StatusCompleted})
	dag.AddTask(&Task{ID: "F", DependsOn: []string{"E"}})

	cancelled := dag.Cascade("A")
	var ids []string
	for _, task := range cancelled {
		ids = append(ids, task.ID)
	}
	if strings.Join(ids, ",") != "B,C" {
		t.Errorf("Cascade cancelled %v, want [B C]", ids)
	}

	for id, want := range map[string]Status{"D": StatusPending, "E": StatusCompleted, "F": StatusPending} {
		task, _ := dag.Get(id)
		if task.Status != want {
			t.Errorf("task %s status = %s, want %s", id, task.Status, want)
		}
	}
}

func TestDAGAccessors(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A", Title: "Task A"})
	dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
	dag.AddEdge("A", "B", EdgeParallel)

	task, exists := dag.Get("A")
	if !exists || task.Title != "Task A" {
		t.Errorf("Get() = %+v, %v", task, exists)
	}
	task.Title = "mutated"
	if again, _ := dag.Get("A"); again.Title != "Task A" {
		t.Error("Get() must return a copy")
	}
	if _, exists := dag.Get("nonexistent"); exists {
		t.Error("Get() exists = true for nonexistent task, want false")
	}

	edges := dag.Edges()
	if len(edges) != 1 || edges[0].Kind != EdgeParallel {
		t.Errorf("AddEdge should retype the existing edge, got %+v", edges)
	}
	if leaves := dag.Leaves(); len(leaves) != 1 || leaves[0] != "B" {
		t.Errorf("Leaves() = %v", leaves)
	}

	updated, err := dag.Update("A", func(task *Task) {
		task.Status = StatusCompleted
		task.Attempts = 2
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusPending || updated.Attempts != 2 || updated.Version != 1 {
		t.Errorf("Update must keep status and bump version, got %+v", updated)
	}
	if _, err := dag.Transition("nonexistent", StatusRunning); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Transition on unknown task: %v", err)
	}
}

func TestParseEdgeKind(t *testing.T) {
	for in, want := range map[string]EdgeKind{"": EdgeSequential, "Parallel": EdgeParallel, "best-effort": EdgeBestEffort} {
		got, err := ParseEdgeKind(in)
		if err != nil || got != want {
			t.Errorf("ParseEdgeKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseEdgeKind("sometimes"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestTypeForRole(t *testing.T) {
	tests := map[string]Type{
		"security:review":         TypeSecurity,
		"implementation:backend":  TypeImplementation,
		"coordinator:dev":         TypeImplementation,
		"documentation:technical": TypeDocumentation,
	}
	for role, want := range tests {
		if got := TypeForRole(role); got != want {
			t.Errorf("TypeForRole(%q) = %s, want %s", role, got, want)
		}
	}
}
