package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duolab/duologue/internal/store"
)

// MemoryStore is an in-memory implementation of the persistence surface
// consumed by the orchestrator, turn generator and transcript writer.
type MemoryStore struct {
	mu            sync.Mutex
	personas      map[uuid.UUID]*store.Persona
	conversations map[uuid.UUID]*store.Conversation
	messages      map[uuid.UUID][]*store.Message

	// FailCreateMessage makes every CreateMessage return this error.
	FailCreateMessage error
	// FailAttachEmbedding makes every AttachEmbedding return this error.
	FailAttachEmbedding error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		personas:      make(map[uuid.UUID]*store.Persona),
		conversations: make(map[uuid.UUID]*store.Conversation),
		messages:      make(map[uuid.UUID][]*store.Message),
	}
}

// AddPersona registers a persona, assigning an ID if absent.
func (m *MemoryStore) AddPersona(p *store.Persona) *store.Persona {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.personas[p.ID] = p
	return p
}

// AddConversation registers a conversation with its starter message.
func (m *MemoryStore) AddConversation(c *store.Conversation) *store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = store.StatusActive
	}
	m.conversations[c.ID] = c
	if c.Starter != "" {
		m.messages[c.ID] = append(m.messages[c.ID], &store.Message{
			ID:             uuid.New(),
			ConversationID: c.ID,
			Role:           store.RoleUser,
			Content:        c.Starter,
			SequenceNumber: 1,
			CreatedAt:      time.Now(),
		})
	}
	return c
}

func (m *MemoryStore) GetPersona(_ context.Context, id uuid.UUID) (*store.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.personas[id]
	if !ok {
		return nil, fmt.Errorf("persona %s: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateConversationStatus(_ context.Context, id uuid.UUID, status store.Status, errorMessage string) error {
	if status != store.StatusCompleted && status != store.StatusFailed {
		return fmt.Errorf("transition to %q: %w", status, store.ErrIllegalTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if c.Status != store.StatusActive {
		return fmt.Errorf("conversation %s is %s: %w", id, c.Status, store.ErrIllegalTransition)
	}
	c.Status = status
	if status == store.StatusFailed {
		c.ErrorMessage = errorMessage
	}
	return nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg *store.Message) (*store.Message, error) {
	if m.FailCreateMessage != nil {
		return nil, m.FailCreateMessage
	}
	if msg.TokensUsed != nil && *msg.TokensUsed < 0 {
		return nil, store.ErrNegativeTokens
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", msg.ConversationID, store.ErrNotFound)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.SequenceNumber = len(m.messages[msg.ConversationID]) + 1
	msg.CreatedAt = time.Now()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return msg, nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				cp := *msg
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
}

func (m *MemoryStore) RecentMessages(_ context.Context, conversationID uuid.UUID, limit int32) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if int32(len(msgs)) > limit {
		msgs = msgs[int32(len(msgs))-limit:]
	}
	out := make([]*store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStore) CountAssistantMessages(_ context.Context, conversationID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msg := range m.messages[conversationID] {
		if msg.Role == store.RoleAssistant {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) AttachEmbedding(_ context.Context, messageID uuid.UUID, embedding []float32) error {
	if m.FailAttachEmbedding != nil {
		return m.FailAttachEmbedding
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				msg.Embedding = embedding
				return nil
			}
		}
	}
	return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
}

// Messages returns a copy of the message list for a conversation.
func (m *MemoryStore) Messages(conversationID uuid.UUID) []*store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	out := make([]*store.Message, len(msgs))
	copy(out, msgs)
	return out
}
