//go:build !integration

package stream_test

import (
	"context"
	"testing"
	"time"

	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/infra/stream"
)

func publish(t *testing.T, bus *stream.MemoryBus, workflowID string, seq int64, typ model.EventType) {
	t.Helper()
	if err := bus.Publish(context.Background(), model.NewProgressEvent(workflowID, seq, typ, model.ProgressPayload{})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func collect(t *testing.T, sub interface {
	Events() <-chan model.ProgressEvent
}, want int) []model.ProgressEvent {
	t.Helper()
	var out []model.ProgressEvent
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out with %d of %d events", len(out), want)
		}
	}
	return out
}

func TestLateSubscriberReplaysHistory(t *testing.T) {
	bus := stream.NewMemoryBus(16, 10*time.Millisecond)

	publish(t, bus, "wf-1", 1, model.EventStarted)
	publish(t, bus, "wf-1", 2, model.EventStageProgress)

	sub, err := bus.Subscribe(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	events := collect(t, sub, 2)
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("replayed sequences = %d,%d, want 1,2", events[0].Sequence, events[1].Sequence)
	}
}

func TestSubscriptionClosesAfterTerminalPlusGrace(t *testing.T) {
	bus := stream.NewMemoryBus(16, 5*time.Millisecond)

	sub, err := bus.Subscribe(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publish(t, bus, "wf-1", 1, model.EventStarted)
	publish(t, bus, "wf-1", 2, model.EventCompleted)

	events := collect(t, sub, 2)
	if events[1].Type != model.EventCompleted {
		t.Fatalf("last event = %s, want completed", events[1].Type)
	}

	select {
	case _, open := <-sub.Events():
		if open {
			t.Fatal("unexpected event after terminal")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not close after terminal event plus grace")
	}
}

func TestEventsAreKeyedPerWorkflow(t *testing.T) {
	bus := stream.NewMemoryBus(16, 10*time.Millisecond)

	sub, err := bus.Subscribe(context.Background(), "wf-a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	publish(t, bus, "wf-b", 1, model.EventStarted)
	publish(t, bus, "wf-a", 1, model.EventStarted)

	events := collect(t, sub, 1)
	if events[0].WorkflowID != "wf-a" {
		t.Fatalf("received event for %s on wf-a subscription", events[0].WorkflowID)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected cross-workflow event: %s", ev.WorkflowID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHistoryCappedAtMaxLen(t *testing.T) {
	bus := stream.NewMemoryBus(4, 10*time.Millisecond)

	for i := int64(1); i <= 10; i++ {
		publish(t, bus, "wf-1", i, model.EventStageProgress)
	}

	sub, err := bus.Subscribe(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	events := collect(t, sub, 4)
	if events[0].Sequence != 7 {
		t.Fatalf("oldest replayed sequence = %d, want 7 (history capped at 4)", events[0].Sequence)
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	bus := stream.NewMemoryBus(16, 10*time.Millisecond)

	sub, err := bus.Subscribe(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()

	// Publishing after Close must not panic on a closed channel.
	publish(t, bus, "wf-1", 1, model.EventStarted)

	if _, open := <-sub.Events(); open {
		t.Fatal("events channel still open after Close")
	}
}
