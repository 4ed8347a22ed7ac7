// Package escalation promotes unresolved blockers through an ordered ladder
// of authorities and notifies every owner along the way.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/resilience"
)

var (
	// ErrNotFound is returned for unknown ticket ids.
	ErrNotFound = errors.New("ticket not found")
	// ErrResolved is returned when resolving a ticket twice.
	ErrResolved = errors.New("ticket already resolved")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("escalation manager closed")
)

// Notification is delivered to one recipient for one ticket level.
type Notification struct {
	TicketID  string
	Anchor    Anchor
	Level     Level
	Recipient string
	Reason    string
}

// Notifier delivers notifications. Errors are retried with backoff.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes notifications to a logger.
type LogNotifier struct{ Logger *slog.Logger }

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logging.Component(l.Logger, "notify").Info("escalation notice",
		"ticket", n.TicketID, "level", n.Level.String(), "recipient", n.Recipient,
		"anchor", n.Anchor.String(), "reason", n.Reason)
	return nil
}

type sentKey struct {
	ticket    string
	level     Level
	recipient string
}

type entry struct {
	ticket Ticket
	timer  *time.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(l, "escalation") }
}

// WithOnChange registers a hook called with a snapshot after every open,
// promotion, and resolution. It runs outside the manager's lock.
func WithOnChange(fn func(Ticket)) Option { return func(m *Manager) { m.Watch(fn) } }

// WithRetry overrides notification retry policy.
func WithRetry(cfg resilience.RetryConfig) Option { return func(m *Manager) { m.retry = cfg } }

// Manager owns all tickets. Its mutex serializes every ticket mutation.
type Manager struct {
	ladder   Ladder
	notifier Notifier
	logger   *slog.Logger
	retry    resilience.RetryConfig

	mu      sync.Mutex
	entries map[string]*entry
	sent    map[sentKey]bool
	closed  bool

	lmu       sync.Mutex
	listeners map[int]func(Ticket)
	nextID    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager over ladder.
func NewManager(ladder Ladder, opts ...Option) (*Manager, error) {
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = 5
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ladder:    append(Ladder(nil), ladder...),
		logger:    logging.Nop(),
		retry:     retry,
		entries:   make(map[string]*entry),
		sent:      make(map[sentKey]bool),
		listeners: make(map[int]func(Ticket)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = LogNotifier{Logger: m.logger}
	}
	return m, nil
}

// Ladder returns the configured ladder.
func (m *Manager) Ladder() Ladder { return append(Ladder(nil), m.ladder...) }

// Open creates a ticket at start, or returns the existing unresolved ticket
// for the same anchor.
func (m *Manager) Open(anchor Anchor, team, reason string, start Level) (Ticket, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Ticket{}, ErrClosed
	}
	for _, e := range m.entries {
		if e.ticket.Anchor == anchor && !e.ticket.Resolved {
			t := e.ticket.clone()
			m.mu.Unlock()
			return t, nil
		}
	}

	if start < L1 {
		start = L1
	}
	if start > m.ladder.Top() {
		start = m.ladder.Top()
	}
	step := m.ladder.Step(start)
	now := time.Now()
	e := &entry{ticket: Ticket{
		ID:        ulid.Make().String(),
		Anchor:    anchor,
		Team:      team,
		Reason:    reason,
		Level:     start,
		Owner:     step.OwnerFor(team),
		Timeout:   step.Timeout,
		CreatedAt: now,
		History:   []Change{{Level: start, Owner: step.OwnerFor(team), At: now, Cause: "opened"}},
	}}
	m.entries[e.ticket.ID] = e
	m.arm(e)
	pending := m.pendingNotifications(&e.ticket)
	snapshot := e.ticket.clone()
	m.mu.Unlock()

	m.logger.Warn("ticket opened", "ticket", snapshot.ID, "anchor", anchor.String(), "level", start.String(), "owner", snapshot.Owner, "reason", reason)
	m.deliver(pending)
	m.changed(snapshot)
	return snapshot, nil
}

// Promote raises a ticket one level immediately.
func (m *Manager) Promote(id, cause string) (Ticket, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Ticket{}, ErrClosed
	}
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.ticket.Resolved {
		m.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %s", ErrResolved, id)
	}
	pending, promoted := m.promoteLocked(e, cause)
	snapshot := e.ticket.clone()
	m.mu.Unlock()

	if promoted {
		m.deliver(pending)
		m.changed(snapshot)
	}
	return snapshot, nil
}

// Resolve closes a ticket and stops promotion.
func (m *Manager) Resolve(id string, res Resolution) (Ticket, error) {
	if res.Action == "" {
		res.Action = ActionResume
	}
	if res.At.IsZero() {
		res.At = time.Now()
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.ticket.Resolved {
		m.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %s", ErrResolved, id)
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.ticket.Resolved = true
	e.ticket.Resolution = &res
	snapshot := e.ticket.clone()
	m.mu.Unlock()

	m.logger.Info("ticket resolved", "ticket", id, "level", snapshot.Level.String(), "actor", res.Actor, "action", string(res.Action))
	m.changed(snapshot)
	return snapshot, nil
}

// Get returns a ticket snapshot.
func (m *Manager) Get(id string) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Ticket{}, false
	}
	return e.ticket.clone(), true
}

// List returns every ticket, oldest first.
func (m *Manager) List() []Ticket {
	m.mu.Lock()
	out := make([]Ticket, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.ticket.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops all timers and waits for in-flight notifications, which are
// bounded by the retry policy.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.cancel()
}

// arm schedules the next promotion. Caller holds m.mu.
func (m *Manager) arm(e *entry) {
	if e.ticket.Timeout <= 0 {
		return
	}
	id := e.ticket.ID
	level := e.ticket.Level
	e.timer = time.AfterFunc(e.ticket.Timeout, func() { m.expire(id, level) })
}

func (m *Manager) expire(id string, level Level) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || m.closed || e.ticket.Resolved || e.ticket.Level != level {
		m.mu.Unlock()
		return
	}
	pending, promoted := m.promoteLocked(e, "timeout at "+level.String())
	snapshot := e.ticket.clone()
	m.mu.Unlock()

	if promoted {
		m.logger.Warn("ticket promoted", "ticket", id, "level", snapshot.Level.String(), "owner", snapshot.Owner)
		m.deliver(pending)
		m.changed(snapshot)
	}
}

// promoteLocked raises e one level. Caller holds m.mu.
func (m *Manager) promoteLocked(e *entry, cause string) ([]Notification, bool) {
	if e.ticket.Level >= m.ladder.Top() {
		return nil, false
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	next := e.ticket.Level + 1
	step := m.ladder.Step(next)
	e.ticket.Level = next
	e.ticket.Owner = step.OwnerFor(e.ticket.Team)
	e.ticket.Timeout = step.Timeout
	e.ticket.History = append(e.ticket.History, Change{Level: next, Owner: e.ticket.Owner, At: time.Now(), Cause: cause})
	m.arm(e)
	return m.pendingNotifications(&e.ticket), true
}

// pendingNotifications returns undelivered notices for every owner up to the
// ticket's level and marks them sent. Caller holds m.mu.
func (m *Manager) pendingNotifications(t *Ticket) []Notification {
	var out []Notification
	for lvl := L1; lvl <= t.Level; lvl++ {
		recipient := m.ladder.Step(lvl).OwnerFor(t.Team)
		key := sentKey{ticket: t.ID, level: t.Level, recipient: recipient}
		if m.sent[key] {
			continue
		}
		m.sent[key] = true
		out = append(out, Notification{
			TicketID:  t.ID,
			Anchor:    t.Anchor,
			Level:     t.Level,
			Recipient: recipient,
			Reason:    t.Reason,
		})
	}
	return out
}

func (m *Manager) deliver(ns []Notification) {
	for _, n := range ns {
		m.wg.Add(1)
		go func(n Notification) {
			defer m.wg.Done()
			err := resilience.Retry(m.ctx, m.retry, func() error {
				return m.notifier.Notify(m.ctx, n)
			})
			if err != nil {
				m.logger.Error("notification delivery failed", "ticket", n.TicketID, "level", n.Level.String(), "recipient", n.Recipient, "error", err)
			}
		}(n)
	}
}

// Watch registers fn for ticket changes until the returned func is called.
// fn must not block; it may be called concurrently.
func (m *Manager) Watch(fn func(Ticket)) (cancel func()) {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) changed(t Ticket) {
	m.lmu.Lock()
	fns := make([]func(Ticket), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.lmu.Unlock()
	for _, fn := range fns {
		fn(t.clone())
	}
}
