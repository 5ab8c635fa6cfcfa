package broadcast_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/duolab/duologue/internal/broadcast"
	"github.com/duolab/duologue/internal/log"
	"github.com/duolab/duologue/internal/testutil"
)

func TestBroadcastDelivers(t *testing.T) {
	t.Parallel()

	sink := &testutil.CaptureSink{}
	b := broadcast.New(sink, log.NewNop())
	convID := uuid.New()

	if !b.Chunk(context.Background(), convID, "Ada", "assistant", "hello") {
		t.Fatal("Chunk returned false for a healthy sink")
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("captured %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Name != broadcast.EventChunk {
		t.Errorf("event name = %q, want %q", ev.Name, broadcast.EventChunk)
	}
	if ev.ConversationID != convID {
		t.Errorf("conversation ID = %v, want %v", ev.ConversationID, convID)
	}
	if ev.Data["chunk"] != "hello" {
		t.Errorf("chunk = %v, want hello", ev.Data["chunk"])
	}
}

func TestBroadcastSizeGuard(t *testing.T) {
	t.Parallel()

	sink := &testutil.CaptureSink{}
	b := broadcast.New(sink, log.NewNop(), broadcast.WithMaxPayloadBytes(128))

	ok := b.Chunk(context.Background(), uuid.New(), "Ada", "assistant", strings.Repeat("x", 256))
	if ok {
		t.Error("oversized event must return false")
	}
	if len(sink.Events()) != 0 {
		t.Error("oversized event must never reach the sink")
	}
}

func TestBroadcastSwallowsSinkErrors(t *testing.T) {
	t.Parallel()

	sink := &testutil.CaptureSink{Err: errors.New("bus down")}
	b := broadcast.New(sink, log.NewNop())

	if b.StatusChanged(context.Background(), uuid.New(), "completed") {
		t.Error("failed dispatch must return false")
	}
}

func TestBroadcastNilSink(t *testing.T) {
	t.Parallel()

	b := broadcast.New(nil, log.NewNop())
	if b.Failed(context.Background(), uuid.New(), "x") {
		t.Error("nil sink must report undelivered")
	}
}

func TestBusDeliversPerConversation(t *testing.T) {
	t.Parallel()

	bus := broadcast.NewBus(log.NewNop())
	defer bus.Close()

	convA := uuid.New()
	convB := uuid.New()
	subA := bus.Subscribe(convA)
	defer subA.Cancel()
	subB := bus.Subscribe(convB)
	defer subB.Cancel()

	b := broadcast.New(bus, log.NewNop())
	b.StatusChanged(context.Background(), convA, "completed")

	select {
	case ev := <-subA.Events():
		if ev.ConversationID != convA {
			t.Errorf("got event for %v, want %v", ev.ConversationID, convA)
		}
	default:
		t.Fatal("subscriber A received nothing")
	}

	select {
	case ev := <-subB.Events():
		t.Fatalf("subscriber B received event %v for another conversation", ev.Name)
	default:
	}
}

func TestBusNonBlockingDelivery(t *testing.T) {
	t.Parallel()

	bus := broadcast.NewBus(log.NewNop())
	defer bus.Close()

	convID := uuid.New()
	sub := bus.Subscribe(convID)
	defer sub.Cancel()

	b := broadcast.New(bus, log.NewNop())
	// Exceed the subscriber buffer without reading; Publish must not block.
	for i := 0; i < 200; i++ {
		b.Chunk(context.Background(), convID, "Ada", "assistant", "x")
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	bus := broadcast.NewBus(log.NewNop())
	sub := bus.Subscribe(uuid.New())
	bus.Close()

	if _, open := <-sub.Events(); open {
		t.Error("subscription channel must be closed after bus Close")
	}
}

func TestSubscriptionCancelIdempotent(t *testing.T) {
	t.Parallel()

	bus := broadcast.NewBus(log.NewNop())
	defer bus.Close()

	sub := bus.Subscribe(uuid.New())
	sub.Cancel()
	sub.Cancel()
}
