package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/executor"
)

// BindingState is the persisted agent_state of an executor instance.
type BindingState string

const (
	BindingIdle    BindingState = "idle"
	BindingPending BindingState = "pending"
	BindingRunning BindingState = "running"
	BindingSuccess BindingState = "success"
	BindingError   BindingState = "error"
	BindingPaused  BindingState = "paused"
)

// available reports whether an instance in state s may take a new task.
func (s BindingState) available() bool {
	return s == BindingIdle || s == BindingSuccess || s == BindingError
}

// WildcardRole registers an instance for any role without a dedicated one.
const WildcardRole = "*"

// Binding is an executor instance and the task it is currently bound to.
type Binding struct {
	Instance string
	Roles    []string
	State    BindingState
	TaskID   string
	Updated  time.Time
}

// Pool tracks executor instances per role. Each instance is bound to at
// most one task at a time, whichever roles it serves.
type Pool struct {
	mu        sync.Mutex
	roles     map[string][]string // role -> instance ids in registration order
	executors map[string]executor.Executor
	bindings  map[string]*Binding
	watchers  map[chan struct{}]struct{}
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		roles:     make(map[string][]string),
		executors: make(map[string]executor.Executor),
		bindings:  make(map[string]*Binding),
		watchers:  make(map[chan struct{}]struct{}),
	}
}

// Watch returns a channel that receives whenever an instance becomes
// available. Schedulers sharing a pool use it to retry dispatch. Call the
// returned func to stop watching.
func (p *Pool) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.watchers[ch] = struct{}{}
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.watchers, ch)
		p.mu.Unlock()
	}
}

// wake signals watchers without blocking. Caller holds p.mu.
func (p *Pool) wake() {
	for ch := range p.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Register adds ex as an instance serving role. Registering the same
// instance under several roles shares one binding.
func (p *Pool) Register(role string, ex executor.Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := ex.ID()
	for _, existing := range p.roles[role] {
		if existing == id {
			return
		}
	}
	p.roles[role] = append(p.roles[role], id)
	p.executors[id] = ex
	b, ok := p.bindings[id]
	if !ok {
		b = &Binding{Instance: id, State: BindingIdle, Updated: time.Now()}
		p.bindings[id] = b
	}
	b.Roles = append(b.Roles, role)
}

// Has reports whether any instance can serve role.
func (p *Pool) Has(role string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates(role)) > 0
}

// Instances returns the number of instances that can serve role.
func (p *Pool) Instances(role string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates(role))
}

// candidates returns the instances for role, falling back to the wildcard.
// Caller holds p.mu.
func (p *Pool) candidates(role string) []string {
	if ids := p.roles[role]; len(ids) > 0 {
		return ids
	}
	return p.roles[WildcardRole]
}

// Acquire binds the first available instance for role, skipping excluded
// ones, to taskID and marks it pending.
func (p *Pool) Acquire(role, taskID string, exclude map[string]bool) (executor.Executor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.candidates(role) {
		if exclude[id] {
			continue
		}
		b := p.bindings[id]
		if !b.State.available() {
			continue
		}
		p.bind(b, taskID)
		return p.executors[id], true
	}
	return nil, false
}

// AcquireInstance binds instance to taskID if it is available or already
// bound to taskID.
func (p *Pool) AcquireInstance(instance, taskID string) (executor.Executor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[instance]
	if !ok {
		return nil, false
	}
	if b.TaskID != taskID && !b.State.available() {
		return nil, false
	}
	p.bind(b, taskID)
	return p.executors[instance], true
}

func (p *Pool) bind(b *Binding, taskID string) {
	b.TaskID = taskID
	b.State = BindingPending
	b.Updated = time.Now()
}

// Set changes an instance's state and keeps its task.
func (p *Pool) Set(instance string, state BindingState) (Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[instance]
	if !ok {
		return Binding{}, false
	}
	b.State = state
	b.Updated = time.Now()
	return cloneBinding(b), true
}

// Release unbinds an instance's task and records its final state.
func (p *Pool) Release(instance string, state BindingState) (Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[instance]
	if !ok {
		return Binding{}, false
	}
	b.TaskID = ""
	b.State = state
	b.Updated = time.Now()
	if state.available() {
		p.wake()
	}
	return cloneBinding(b), true
}

// Bindings returns every binding sorted by instance id.
func (p *Pool) Bindings() []Binding {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Binding, 0, len(p.bindings))
	for _, b := range p.bindings {
		out = append(out, cloneBinding(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func cloneBinding(b *Binding) Binding {
	c := *b
	c.Roles = append([]string(nil), b.Roles...)
	return c
}

// CountExcept returns how many instances could serve role, excluding the
// given ones, whatever their current state.
func (p *Pool) CountExcept(role string, exclude map[string]bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, id := range p.candidates(role) {
		if !exclude[id] {
			n++
		}
	}
	return n
}
