package events

import (
	"fmt"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskStartedEvent{
		ID:        "task-1",
		Name:      "design",
		Role:      "design:architecture",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.Subject() != "task-1" {
			t.Errorf("expected subject 'task-1', got '%s'", received.Subject())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicGate, 10)
	ch2 := bus.Subscribe(TopicGate, 10)

	bus.Publish(GateResolvedEvent{GateID: "gate-1", Status: "passed", Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Subject() != "gate-1" {
				t.Errorf("subscriber %d: expected gate-1, got '%s'", i+1, received.Subject())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TaskOutputEvent{ID: fmt.Sprintf("task-%d", i), Line: "x", Timestamp: time.Now()})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	if got := bus.Dropped(); got != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", got)
	}
	select {
	case received := <-ch:
		if received.Subject() != "task-0" {
			t.Errorf("expected first event to be kept, got %s", received.Subject())
		}
	default:
		t.Error("expected at least one event in buffer")
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("unexpected event on closed topic channel")
	}
	for range all {
		t.Error("unexpected event on closed all-topic channel")
	}

	late := bus.Subscribe(TopicDAG, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(NewAudit(AuditGateOverride, "alice", "gate-1", "incident"))

	var nilBus *EventBus
	nilBus.Publish(DAGProgressEvent{})
}

// TestTopicIsolation verifies events only reach their own topic.
func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	auditCh := bus.Subscribe(TopicAudit, 10)

	bus.Publish(TaskCompletedEvent{ID: "task-1", Timestamp: time.Now()})
	bus.Publish(NewAudit(AuditTaskFailed, "scheduler", "task-2", "executor error"))

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskCompleted {
			t.Errorf("task channel: expected task event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-auditCh:
		audit, ok := received.(AuditEvent)
		if !ok {
			t.Fatalf("audit channel: expected AuditEvent, got %T", received)
		}
		if audit.ID == "" || audit.Action != AuditTaskFailed {
			t.Errorf("unexpected audit event %+v", audit)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("audit channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-auditCh:
		t.Error("audit channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TaskStartedEvent{ID: "task-1", Timestamp: time.Now()})
	bus.Publish(TicketChangedEvent{TicketID: "T1", Level: "L1", Timestamp: time.Now()})
	bus.Publish(DAGProgressEvent{Total: 3, Completed: 1, Pending: 2, Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	for _, want := range []string{EventTypeTaskStarted, EventTypeTicketChanged, EventTypeDAGProgress} {
		if !receivedTypes[want] {
			t.Errorf("SubscribeAll did not receive %s", want)
		}
	}
}
