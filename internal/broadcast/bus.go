package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber channel capacity. Delivery is
// non-blocking, so a slow subscriber loses events past this buffer.
const subscriberBuffer = 64

// Bus is an in-process Sink with per-conversation subscriptions.
// It is the sink used by the CLI follower and by tests.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

// Subscription is a live feed of events for one conversation.
type Subscription struct {
	ch     chan Event
	bus    *Bus
	convID uuid.UUID
	once   sync.Once
}

// Events returns the channel events arrive on. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel removes the subscription from the bus and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// NewBus creates an empty in-process event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		logger: logger.With("component", "broadcast.bus"),
	}
}

// Subscribe registers interest in events for one conversation.
func (b *Bus) Subscribe(conversationID uuid.UUID) *Subscription {
	sub := &Subscription{
		ch:     make(chan Event, subscriberBuffer),
		bus:    b,
		convID: conversationID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	set, ok := b.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers event to every subscriber of its conversation without
// blocking. Events for full subscriber buffers are dropped.
func (b *Bus) Publish(_ context.Context, event Event, _ []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for sub := range b.subs[event.ConversationID] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("subscriber buffer full, dropping event",
				"event", event.Name,
				"conversation_id", event.ConversationID)
		}
	}
	return nil
}

// Close shuts down the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	set := b.subs[s.convID]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.convID)
	}
}
