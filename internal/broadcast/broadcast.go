// Package broadcast delivers conversation events to listeners without ever
// letting a delivery failure interrupt the work that produced the event.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// Event names emitted during a conversation run.
const (
	EventChunk              = "conversation.chunk"
	EventTurnCompleted      = "conversation.turn_completed"
	EventStatusChanged      = "conversation.status_changed"
	EventConversationFailed = "conversation.failed"
)

// DefaultMaxPayloadBytes bounds the serialized size of a single event.
// Oversized events are dropped rather than truncated.
const DefaultMaxPayloadBytes = 64 * 1024

// Event is a single notification about a conversation.
type Event struct {
	Name           string         `json:"event"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Data           map[string]any `json:"data,omitempty"`
}

// Sink receives serialized events. Implementations may fan out to
// websockets, a message broker, or an in-process bus.
type Sink interface {
	Publish(ctx context.Context, event Event, payload []byte) error
}

// Broadcaster serializes events and hands them to a Sink. Failures are
// logged and swallowed so generation never stalls on a listener.
type Broadcaster struct {
	sink     Sink
	maxBytes int
	logger   *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithMaxPayloadBytes overrides the serialized size limit.
func WithMaxPayloadBytes(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.maxBytes = n
		}
	}
}

// New creates a Broadcaster over the given sink. A nil sink yields a
// broadcaster that reports every event as undelivered.
func New(sink Sink, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		sink:     sink,
		maxBytes: DefaultMaxPayloadBytes,
		logger:   logger.With("component", "broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast serializes and publishes event. It returns true when the sink
// accepted the event and false otherwise. Errors never propagate to the
// caller.
func (b *Broadcaster) Broadcast(ctx context.Context, event Event) bool {
	if b.sink == nil {
		return false
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("event serialization failed",
			"event", event.Name,
			"conversation_id", event.ConversationID,
			"error", err)
		return false
	}
	if len(payload) > b.maxBytes {
		b.logger.Warn("event payload too large, dropping",
			"event", event.Name,
			"conversation_id", event.ConversationID,
			"size", len(payload),
			"limit", b.maxBytes)
		return false
	}

	if err := b.sink.Publish(ctx, event, payload); err != nil {
		b.logger.Warn("event delivery failed",
			"event", event.Name,
			"conversation_id", event.ConversationID,
			"error", err)
		return false
	}
	return true
}

// Chunk broadcasts a streamed fragment of an assistant turn.
func (b *Broadcaster) Chunk(ctx context.Context, conversationID uuid.UUID, personaName, role, text string) bool {
	return b.Broadcast(ctx, Event{
		Name:           EventChunk,
		ConversationID: conversationID,
		Data: map[string]any{
			"persona": personaName,
			"role":    role,
			"chunk":   text,
		},
	})
}

// TurnCompleted broadcasts that a full turn was persisted.
func (b *Broadcaster) TurnCompleted(ctx context.Context, conversationID uuid.UUID, personaName string, sequence int, content string) bool {
	return b.Broadcast(ctx, Event{
		Name:           EventTurnCompleted,
		ConversationID: conversationID,
		Data: map[string]any{
			"persona":  personaName,
			"sequence": sequence,
			"content":  content,
		},
	})
}

// StatusChanged broadcasts a conversation status transition.
func (b *Broadcaster) StatusChanged(ctx context.Context, conversationID uuid.UUID, status string) bool {
	return b.Broadcast(ctx, Event{
		Name:           EventStatusChanged,
		ConversationID: conversationID,
		Data: map[string]any{
			"status": status,
		},
	})
}

// Failed broadcasts a conversation failure with its reason.
func (b *Broadcaster) Failed(ctx context.Context, conversationID uuid.UUID, reason string) bool {
	return b.Broadcast(ctx, Event{
		Name:           EventConversationFailed,
		ConversationID: conversationID,
		Data: map[string]any{
			"reason": reason,
		},
	})
}
