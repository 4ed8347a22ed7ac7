package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/handoff"
	"github.com/aristath/conductor/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func saveTasks(t *testing.T, store *SQLiteStore, tasks ...*scheduler.Task) {
	t.Helper()
	for _, task := range tasks {
		if err := store.SaveTask(context.Background(), task); err != nil {
			t.Fatalf("failed to save %s: %v", task.ID, err)
		}
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := &scheduler.Task{
		ID:              "task-1",
		ParentID:        "root",
		Title:           "Add login endpoint",
		Type:            scheduler.TypeImplementation,
		Priority:        scheduler.P2,
		Score:           5,
		Status:          scheduler.StatusCompleted,
		Role:            "implementation:backend",
		Team:            "DEV",
		Phase:           "build",
		Confidence:      0.8,
		Constraints:     []string{"no new dependencies"},
		SuccessCriteria: []string{"tests pass"},
		Timeout:         90 * time.Second,
		Version:         3,
		Attempts:        2,
		Failure:         &scheduler.Failure{Reason: "earlier attempt", Levels: []string{"L1"}},
		Output: &handoff.Result{
			Content:         "done",
			Recommendations: []handoff.Recommendation{{Subject: "auth", Stance: "jwt", Category: "approach"}},
		},
	}
	saveTasks(t, store, &scheduler.Task{ID: "dep-1", Status: scheduler.StatusCompleted}, task)
	if err := store.SaveEdges(ctx, []scheduler.Edge{{From: "dep-1", To: "task-1", Kind: scheduler.EdgeParallel}}); err != nil {
		t.Fatalf("failed to save edges: %v", err)
	}

	retrieved, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if retrieved.Title != task.Title || retrieved.Role != task.Role || retrieved.Team != task.Team {
		t.Errorf("identity mismatch: got %+v", retrieved)
	}
	if retrieved.Status != scheduler.StatusCompleted || retrieved.Version != 3 || retrieved.Attempts != 2 {
		t.Errorf("state mismatch: status %s version %d attempts %d", retrieved.Status, retrieved.Version, retrieved.Attempts)
	}
	if retrieved.Timeout != 90*time.Second {
		t.Errorf("Timeout mismatch: got %v", retrieved.Timeout)
	}
	if len(retrieved.Constraints) != 1 || retrieved.Constraints[0] != "no new dependencies" {
		t.Errorf("Constraints mismatch: got %v", retrieved.Constraints)
	}
	if retrieved.Failure == nil || retrieved.Failure.Levels[0] != "L1" {
		t.Errorf("Failure mismatch: got %+v", retrieved.Failure)
	}
	if retrieved.Output == nil || retrieved.Output.Recommendations[0].Stance != "jwt" {
		t.Errorf("Output mismatch: got %+v", retrieved.Output)
	}
	if len(retrieved.DependsOn) != 1 || retrieved.DependsOn[0] != "dep-1" {
		t.Errorf("DependsOn mismatch: got %v", retrieved.DependsOn)
	}

	if _, err := store.GetTask(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTaskVersioning(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := &scheduler.Task{ID: "task-v", Status: scheduler.StatusPending, Version: 1}
	saveTasks(t, store, task)

	task.Status = scheduler.StatusRunning
	task.Version = 2
	saveTasks(t, store, task)

	// Same version again is idempotent
	saveTasks(t, store, task)

	stale := &scheduler.Task{ID: "task-v", Status: scheduler.StatusPending, Version: 1}
	err := store.SaveTask(ctx, stale)
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	retrieved, err := store.GetTask(ctx, "task-v")
	if err != nil {
		t.Fatal(err)
	}
	if retrieved.Status != scheduler.StatusRunning || retrieved.Version != 2 {
		t.Errorf("stale write must not land: got %s v%d", retrieved.Status, retrieved.Version)
	}
}

func TestPersistedEnumsAreChecked(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, &scheduler.Task{ID: "bad", Status: "paused"}); err == nil {
		t.Error("expected CHECK failure for unknown task status")
	}
	if err := store.SaveTask(ctx, &scheduler.Task{ID: "bad-team", Status: scheduler.StatusPending, Team: "OPS"}); err == nil {
		t.Error("expected CHECK failure for unknown team")
	}
	saveTasks(t, store, &scheduler.Task{ID: "ok", Status: scheduler.StatusPending})
	if err := store.AppendTranscript(ctx, "ok", "narration", "x"); err == nil {
		t.Error("expected CHECK failure for unknown message type")
	}
	if err := store.SaveBinding(ctx, scheduler.Binding{Instance: "i", State: "sleeping"}); err == nil {
		t.Error("expected CHECK failure for unknown agent state")
	}
}

func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	saveTasks(t, store,
		&scheduler.Task{ID: "list-task-1", Title: "Task 1", Status: scheduler.StatusCompleted},
		&scheduler.Task{ID: "list-task-2", Title: "Task 2", Status: scheduler.StatusRunning},
		&scheduler.Task{ID: "list-task-3", Title: "Task 3", Status: scheduler.StatusPending},
	)
	edges := []scheduler.Edge{
		{From: "list-task-1", To: "list-task-2"},
		{From: "list-task-1", To: "list-task-3", Kind: scheduler.EdgeBestEffort},
		{From: "list-task-2", To: "list-task-3", Kind: scheduler.EdgeSequential},
	}
	if err := store.SaveEdges(ctx, edges); err != nil {
		t.Fatal(err)
	}
	// Re-saving retypes in place.
	if err := store.SaveEdges(ctx, []scheduler.Edge{{From: "list-task-1", To: "list-task-2", Kind: scheduler.EdgeParallel}}); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	taskMap := make(map[string]*scheduler.Task)
	for _, task := range tasks {
		taskMap[task.ID] = task
	}
	if taskMap["list-task-1"].Title != "Task 1" {
		t.Errorf("Task 1 title mismatch")
	}
	if len(taskMap["list-task-2"].DependsOn) != 1 {
		t.Errorf("Task 2 should have 1 dependency, got %d", len(taskMap["list-task-2"].DependsOn))
	}
	if len(taskMap["list-task-3"].DependsOn) != 2 {
		t.Errorf("Task 3 should have 2 dependencies, got %d", len(taskMap["list-task-3"].DependsOn))
	}

	stored, err := store.ListEdges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 || stored[0].Kind != scheduler.EdgeParallel || stored[1].Kind != scheduler.EdgeBestEffort {
		t.Errorf("edges = %+v", stored)
	}
}

func TestForeignKeyEnforced(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	saveTasks(t, store, &scheduler.Task{ID: "fk-task", Status: scheduler.StatusPending})
	err := store.SaveEdges(ctx, []scheduler.Edge{{From: "nonexistent-dep", To: "fk-task"}})
	if err == nil {
		t.Fatal("expected error when inserting dependency on non-existent task, got nil")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "foreign key") && !strings.Contains(errStr, "constraint") && !strings.Contains(errStr, "FOREIGN KEY") {
		t.Logf("Warning: error doesn't explicitly mention foreign key: %v", err)
	}
}

func TestGateRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	saveTasks(t, store,
		&scheduler.Task{ID: "impl", Status: scheduler.StatusCompleted},
		&scheduler.Task{ID: "deploy", Status: scheduler.StatusPending},
	)
	g := gate.New("g-sec", "security", []string{"security:review", "review:code"}, true, []string{"impl"}, []string{"deploy"})
	g.Active = true
	g.Timeout = time.Minute
	if err := store.SaveGate(ctx, g); err != nil {
		t.Fatal(err)
	}

	reject := gate.Approval{GateID: "g-sec", Role: "security:review", Decision: gate.Reject, Reason: "xss"}
	if err := store.SaveApproval(ctx, reject); err != nil {
		t.Fatal(err)
	}
	g.Reattach([]string{"impl-remediation-1"})
	if err := store.SaveGate(ctx, g); err != nil {
		t.Fatal(err)
	}
	approve := gate.Approval{GateID: "g-sec", Role: "security:review", Decision: gate.Approve}
	if err := store.SaveApproval(ctx, approve); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetGate(ctx, "g-sec")
	if err != nil {
		t.Fatal(err)
	}
	if got.Round != 1 || got.Status != gate.StatusPending || got.Active || !got.Ordered || got.Timeout != time.Minute {
		t.Errorf("gate = %+v", got)
	}
	if len(got.From) != 1 || got.From[0] != "impl-remediation-1" || got.To[0] != "deploy" {
		t.Errorf("gate edges = %v -> %v", got.From, got.To)
	}
	if len(got.Approvals) != 1 || got.Approvals["security:review"].Decision != gate.Approve {
		t.Errorf("current-round approvals = %+v", got.Approvals)
	}

	all, err := store.ListApprovals(ctx, "g-sec")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Reason != "xss" {
		t.Errorf("approval log = %+v", all)
	}

	g.ApplyOverride(gate.Override{Actor: "alice", Reason: "incident", Human: true})
	if err := store.SaveGate(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetGate(ctx, "g-sec")
	if got.Status != gate.StatusPassed || got.Override == nil || got.Override.Actor != "alice" {
		t.Errorf("overridden gate = %+v", got)
	}

	if _, err := store.GetGate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTicketLevelNeverDecreases(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ticket := escalation.Ticket{
		ID:        "01TICKET",
		Anchor:    escalation.Anchor{Kind: escalation.AnchorNode, ID: "slow"},
		Team:      "INF",
		Reason:    "timed out twice",
		Level:     escalation.L2,
		Owner:     "domain-lead:inf",
		CreatedAt: time.Now(),
		History:   []escalation.Change{{Level: escalation.L1, Owner: "lead:inf", Cause: "opened"}},
	}
	if err := store.SaveTicket(ctx, ticket); err != nil {
		t.Fatal(err)
	}

	older := ticket
	older.Level = escalation.L1
	older.Owner = "lead:inf"
	if err := store.SaveTicket(ctx, older); err != nil {
		t.Fatal(err)
	}

	resolved := ticket
	resolved.Resolved = true
	resolved.Resolution = &escalation.Resolution{Actor: "domain-lead:inf", Action: escalation.ActionResume}
	if err := store.SaveTicket(ctx, resolved); err != nil {
		t.Fatal(err)
	}

	tickets, err := store.ListTickets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(tickets))
	}
	got := tickets[0]
	if got.Level != escalation.L2 || got.Owner != "domain-lead:inf" {
		t.Errorf("level regressed: %+v", got)
	}
	if !got.Resolved || got.Resolution == nil || got.Resolution.Actor != "domain-lead:inf" {
		t.Errorf("resolution = %+v", got.Resolution)
	}
	if got.Anchor.String() != "node:slow" || len(got.History) != 1 {
		t.Errorf("ticket = %+v", got)
	}
}

func TestBindingsAndTranscripts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	saveTasks(t, store, &scheduler.Task{ID: "T1", Status: scheduler.StatusRunning})
	b := scheduler.Binding{Instance: "impl-1", Roles: []string{"implementation:backend"}, State: scheduler.BindingRunning, TaskID: "T1"}
	if err := store.SaveBinding(ctx, b); err != nil {
		t.Fatal(err)
	}
	b.State = scheduler.BindingPaused
	if err := store.SaveBinding(ctx, b); err != nil {
		t.Fatal(err)
	}

	bindings, err := store.ListBindings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 1 || bindings[0].State != scheduler.BindingPaused || bindings[0].TaskID != "T1" {
		t.Errorf("bindings = %+v", bindings)
	}

	for _, msg := range [][2]string{{"assistant", "planning"}, {"tool_use", "grep: auth"}, {"system", "timed out"}} {
		if err := store.AppendTranscript(ctx, "T1", msg[0], msg[1]); err != nil {
			t.Fatal(err)
		}
	}
	transcript, err := store.Transcript(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if len(transcript) != 3 || transcript[0].Content != "planning" || transcript[2].MessageType != "system" {
		t.Errorf("transcript = %+v", transcript)
	}

	empty, err := store.Transcript(ctx, "nobody")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("empty transcript = %v, %v", empty, err)
	}
}

func TestAuditTrail(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	e := events.NewAudit(events.AuditGateOverride, "alice", "g-sec", "incident 42")
	if err := store.SaveAudit(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveAudit(ctx, e); err != nil {
		t.Fatalf("duplicate audit save should be a no-op: %v", err)
	}

	trail, err := store.ListAudit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 1 || trail[0].Actor != "alice" || trail[0].Action != events.AuditGateOverride {
		t.Errorf("audit trail = %+v", trail)
	}
}

func TestLoadFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "conductor.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	saveTasks(t, store,
		&scheduler.Task{ID: "A", Status: scheduler.StatusCompleted},
		&scheduler.Task{ID: "B", Status: scheduler.StatusPending},
	)
	if err := store.SaveEdges(ctx, []scheduler.Edge{{From: "A", To: "B"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveGate(ctx, gate.New("g1", "qa", []string{"test:e2e"}, false, []string{"A"}, []string{"B"})); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	st, err := reopened.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Tasks) != 2 || len(st.Edges) != 1 || len(st.Gates) != 1 {
		t.Errorf("state = %d tasks, %d edges, %d gates", len(st.Tasks), len(st.Edges), len(st.Gates))
	}
	if st.Gates[0].Checkpoint != "qa" || st.Gates[0].Status != gate.StatusPending {
		t.Errorf("gate = %+v", st.Gates[0])
	}
}
