package bus

import (
	"context"
	"testing"
	"time"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectSessionCreated, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := NewEvent(SubjectSessionCreated, "test", map[string]any{"context_id": "ctx-1"})
	if err := b.Publish(context.Background(), SubjectSessionCreated, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := waitEvent(t, received)
	if got.Data["context_id"] != "ctx-1" {
		t.Errorf("unexpected event data %v", got.Data)
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 2)
	if _, err := b.Subscribe("session.*", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), SubjectSessionDied, NewEvent(SubjectSessionDied, "test", nil))
	_ = b.Publish(context.Background(), SubjectTaskUpdated, NewEvent(SubjectTaskUpdated, "test", nil))

	got := waitEvent(t, received)
	if got.Type != SubjectSessionDied {
		t.Errorf("expected session.died, got %s", got.Type)
	}
	select {
	case e := <-received:
		t.Errorf("task.updated should not match session.*: %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectTaskUpdated, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Fatalf("fresh subscription should be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), SubjectTaskUpdated, NewEvent(SubjectTaskUpdated, "test", nil))
	select {
	case <-received:
		t.Fatalf("unsubscribed handler must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()
	if b.IsConnected() {
		t.Fatalf("closed bus should not report connected")
	}
	if err := b.Publish(context.Background(), SubjectTaskUpdated, NewEvent(SubjectTaskUpdated, "test", nil)); err == nil {
		t.Fatalf("publish on closed bus must fail")
	}
}
