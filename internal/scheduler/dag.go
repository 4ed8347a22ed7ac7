package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/conductor/internal/faults"
)

// EdgeKind types a dependency edge.
type EdgeKind string

const (
	// EdgeSequential requires the predecessor to complete.
	EdgeSequential EdgeKind = "sequential"
	// EdgeParallel joins sibling branches at a barrier. The successor
	// waits for every sibling to complete.
	EdgeParallel EdgeKind = "parallel"
	// EdgeBestEffort lets the successor run once the predecessor is
	// terminal, whatever its outcome.
	EdgeBestEffort EdgeKind = "best-effort"
)

// ParseEdgeKind converts s into an EdgeKind. Empty means sequential.
func ParseEdgeKind(s string) (EdgeKind, error) {
	switch k := EdgeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", EdgeSequential:
		return EdgeSequential, nil
	case EdgeParallel, EdgeBestEffort:
		return k, nil
	}
	return "", fmt.Errorf("unknown edge kind %q", s)
}

// Edge is a typed dependency From → To.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

type edgeKey struct{ from, to string }

// DAG represents a directed acyclic graph of tasks.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task     // All tasks indexed by ID
	order      []string             // insertion order
	kinds      map[edgeKey]EdgeKind // edge types
	dependents map[string][]string  // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		kinds:      make(map[edgeKey]EdgeKind),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a task to the DAG. Dependencies listed in DependsOn become
// sequential edges unless AddEdge types them. Returns error if task ID
// already exists.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if task.ID == "" {
		return &faults.ValidationError{Subject: "task", Reason: "empty id"}
	}
	if _, exists := d.tasks[task.ID]; exists {
		return &faults.ValidationError{Subject: task.ID, Reason: "duplicate task id"}
	}
	if task.Status == "" {
		task.Status = StatusPending
	}

	deps := task.DependsOn
	task.DependsOn = nil
	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)
	for _, depID := range deps {
		d.link(depID, task.ID, EdgeSequential)
	}
	return nil
}

// AddEdge adds or retypes the dependency from → to. The successor must
// already be in the DAG; a missing predecessor is reported by Validate.
func (d *DAG) AddEdge(from, to string, kind EdgeKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tasks[to]; !ok {
		return &faults.ValidationError{Subject: to, Reason: "edge to unknown task " + to}
	}
	if kind == "" {
		kind = EdgeSequential
	}
	d.link(from, to, kind)
	return nil
}

// link records an edge. Caller holds d.mu.
func (d *DAG) link(from, to string, kind EdgeKind) {
	key := edgeKey{from, to}
	if _, exists := d.kinds[key]; !exists {
		t := d.tasks[to]
		t.DependsOn = append(t.DependsOn, from)
		d.dependents[from] = append(d.dependents[from], to)
	}
	d.kinds[key] = kind
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs, or a ValidationError for a dangling dependency
// or a cycle.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// First, verify all dependencies exist
	for _, taskID := range d.order {
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, &faults.ValidationError{
					Subject: taskID,
					Reason:  fmt.Sprintf("depends on non-existent task %q", depID),
				}
			}
		}
	}

	// Build edges for topological sort
	var edges []toposort.Edge
	for _, taskID := range d.order {
		task := d.tasks[taskID]
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &faults.ValidationError{Subject: "dag", Reason: "contains a cycle", Err: err}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Every task must appear; a cycle with no entry point is dropped
	// silently by the sort.
	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, taskID := range d.order {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, &faults.ValidationError{
			Subject: "dag",
			Reason:  "contains a cycle through " + strings.Join(missing, ", "),
		}
	}

	return order, nil
}

// Eligible returns pending tasks whose dependencies are all satisfied, in
// insertion order. Gates and tickets are the scheduler's concern.
func (d *DAG) Eligible() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var eligible []*Task
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status != StatusPending {
			continue
		}
		if d.satisfied(task) {
			eligible = append(eligible, cloneTask(task))
		}
	}
	return eligible
}

// satisfied reports whether every dependency of task allows it to run.
// Caller holds d.mu.
func (d *DAG) satisfied(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := d.tasks[depID]
		if !exists {
			return false
		}
		switch {
		case dep.Status == StatusCompleted:
		case d.kinds[edgeKey{depID, task.ID}] == EdgeBestEffort && dep.Status.Terminal():
		default:
			return false
		}
	}
	return true
}

// Transition moves task id to status to and returns a copy.
func (d *DAG) Transition(id string, to Status) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	if err := task.Transition(to); err != nil {
		return nil, err
	}
	return cloneTask(task), nil
}

// Update applies fn to task id and bumps its version. Status must be
// changed through Transition.
func (d *DAG) Update(id string, fn func(*Task)) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	status := task.Status
	fn(task)
	task.Status = status
	task.Version++
	return cloneTask(task), nil
}

// Cascade cancels every not-yet-started task downstream of id, following
// all edges except best-effort ones. It returns the cancelled tasks in
// breadth-first order.
func (d *DAG) Cascade(id string) []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cancelled []*Task
	queue := []string{id}
	for len(queue) > 0 {
		from := queue[0]
		queue = queue[1:]
		for _, to := range d.dependents[from] {
			if d.kinds[edgeKey{from, to}] == EdgeBestEffort {
				continue
			}
			task := d.tasks[to]
			if task == nil || task.Status != StatusPending {
				continue
			}
			if err := task.Transition(StatusCancelled); err != nil {
				continue
			}
			cancelled = append(cancelled, cloneTask(task))
			queue = append(queue, to)
		}
	}
	return cancelled
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Incoming returns the typed edges into id.
func (d *DAG) Incoming(id string) []Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, ok := d.tasks[id]
	if !ok {
		return nil
	}
	edges := make([]Edge, 0, len(task.DependsOn))
	for _, from := range task.DependsOn {
		edges = append(edges, Edge{From: from, To: id, Kind: d.kinds[edgeKey{from, id}]})
	}
	return edges
}

// Edges returns every edge, grouped by successor in insertion order.
func (d *DAG) Edges() []Edge {
	var edges []Edge
	for _, id := range d.ids() {
		edges = append(edges, d.Incoming(id)...)
	}
	return edges
}

// Dependents returns the direct successors of id.
func (d *DAG) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[id]...)
}

// Leaves returns the ids of tasks nothing depends on, sorted.
func (d *DAG) Leaves() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var leaves []string
	for _, id := range d.order {
		if len(d.dependents[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// Counts returns the number of tasks per status.
func (d *DAG) Counts() map[Status]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[Status]int)
	for _, task := range d.tasks {
		counts[task.Status]++
	}
	return counts
}

// Done reports whether every task is terminal.
func (d *DAG) Done() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, task := range d.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

func (d *DAG) ids() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}
