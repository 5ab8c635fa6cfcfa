// Package store persists personas, conversations and messages in PostgreSQL.
//
// Messages are append-only: a message row never changes after creation except
// for the later attachment of its embedding vector. Conversation status moves
// forward only (active -> completed or active -> failed); the transition is
// enforced in SQL so no caller can resurrect a finished conversation.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversation.
type Status string

// Conversation status values. Transitions are forward-only.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Role tags a message with its author kind.
type Role string

// Message roles. The starter message is the only user-role message.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Persona is one side of a scripted conversation: a named LLM configuration.
// Personas are read-only inputs to turn generation; editing a persona never
// affects a conversation already in flight (see SideConfig snapshots).
type Persona struct {
	ID           uuid.UUID
	Name         string
	Provider     string // driver key, e.g. "googleai", "openai", "ollama"
	Model        string // optional; empty means the provider default
	SystemPrompt string
	Guidelines   []string
	Temperature  float32 // 0.0 - 2.0
	Notes        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SideConfig is the per-side provider/model/temperature snapshot captured at
// conversation creation time.
type SideConfig struct {
	PersonaID   uuid.UUID
	Provider    string
	Model       string
	Temperature float32
}

// Conversation is a scripted exchange between two personas.
type Conversation struct {
	ID       uuid.UUID
	UserID   string // owning user, used for notification addressing
	PersonaA SideConfig
	PersonaB SideConfig

	Starter   string // the human-authored opening message
	Status    Status
	MaxRounds int // each single persona turn consumes one round

	StopWordsEnabled bool
	StopWords        []string
	StopThreshold    float64

	// Metadata is a free-form bag; notification preference flags
	// (conversation_completed, conversation_failed) live here.
	Metadata map[string]any

	// ErrorMessage is set when Status is failed.
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotifyOnCompleted reports whether the owner opted in to completion
// notifications. Defaults to false when the flag is absent.
func (c *Conversation) NotifyOnCompleted() bool {
	return metadataFlag(c.Metadata, "conversation_completed")
}

// NotifyOnFailed reports whether the owner opted in to failure notifications.
func (c *Conversation) NotifyOnFailed() bool {
	return metadataFlag(c.Metadata, "conversation_failed")
}

func metadataFlag(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}

// Message is one entry in a conversation transcript. PersonaID is nil only
// for the starter message. TokensUsed is nil when the driver reported no
// usage; it is never negative.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	PersonaID      *uuid.UUID
	Role           Role
	Content        string
	TokensUsed     *int
	Embedding      []float32 // nil until attached
	SequenceNumber int
	CreatedAt      time.Time

	// Similarity is transient search metadata attached by the RAG gateway;
	// it is never persisted.
	Similarity float32
}
