// Package turn builds provider prompts from conversation state and persists
// the resulting assistant messages. It performs no broadcasting and no
// retries; those belong to the orchestrator.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/duolab/duologue/internal/provider"
	"github.com/duolab/duologue/internal/rag"
	"github.com/duolab/duologue/internal/store"
)

// Defaults for prompt assembly.
const (
	DefaultHistoryWindow = 10
	DefaultContextLimit  = 3
	DefaultMinSimilarity = 0.75
)

// MessageStore is the subset of the persistence layer the generator needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *store.Message) (*store.Message, error)
	AttachEmbedding(ctx context.Context, messageID uuid.UUID, embedding []float32) error
}

// Retriever is the subset of the RAG gateway the generator needs.
type Retriever interface {
	IsAvailable() bool
	StoreMessage(ctx context.Context, m *store.Message) bool
	SearchSimilarMessages(ctx context.Context, query string, limit int, filter rag.Filter, scoreThreshold float32) []*store.Message
}

// Config tunes prompt assembly. Zero values fall back to the package
// defaults.
type Config struct {
	// HistoryWindow is the number of trailing messages included verbatim.
	HistoryWindow int
	// ContextLimit caps the number of retrieved messages summarized into
	// the context block.
	ContextLimit int
	// MinSimilarity is the score floor for retrieved context.
	MinSimilarity float32
	// RetrievalEnabled gates the context lookup entirely.
	RetrievalEnabled bool
}

func (c *Config) applyDefaults() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = DefaultContextLimit
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
}

// Generator produces one persona turn at a time.
type Generator struct {
	registry  *provider.Registry
	messages  MessageStore
	retriever Retriever
	embedder  rag.Embedder
	cfg       Config
	logger    *slog.Logger
}

// NewGenerator creates a turn generator. retriever may be nil when
// retrieval is disabled.
func NewGenerator(registry *provider.Registry, messages MessageStore, retriever Retriever, embedder rag.Embedder, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Generator{
		registry:  registry,
		messages:  messages,
		retriever: retriever,
		embedder:  embedder,
		cfg:       cfg,
		logger:    logger.With("component", "turn"),
	}
}

// Result carries the lazy output of a generated turn together with the
// driver that produced it, so the caller can read post-stream token usage.
type Result struct {
	Stream *provider.Stream
	Driver provider.Driver
}

// Generate resolves the persona's driver, assembles the prompt and starts a
// streaming generation. Driver errors propagate unwrapped; retry policy is
// the caller's concern.
func (g *Generator) Generate(ctx context.Context, persona *store.Persona, conversationID uuid.UUID, history []*store.Message) (*Result, error) {
	driver, err := g.registry.Resolve(persona.Provider, persona.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve driver for %q: %w", persona.Provider, err)
	}

	msgs := g.buildMessages(ctx, persona, conversationID, history)

	stream, err := driver.StreamChat(ctx, msgs, persona.Temperature)
	if err != nil {
		return nil, err
	}
	return &Result{Stream: stream, Driver: driver}, nil
}

// buildMessages assembles the prompt: system prompt, guidelines, optional
// retrieved context, then the trailing history window.
func (g *Generator) buildMessages(ctx context.Context, persona *store.Persona, conversationID uuid.UUID, history []*store.Message) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+len(persona.Guidelines)+2)

	if persona.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: persona.SystemPrompt})
	}
	for _, guideline := range persona.Guidelines {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: "Guideline: " + guideline})
	}

	if block := g.contextBlock(ctx, conversationID, history); block != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: block})
	}

	window := history
	if len(window) > g.cfg.HistoryWindow {
		window = window[len(window)-g.cfg.HistoryWindow:]
	}
	for _, m := range window {
		role := provider.RoleUser
		if m.PersonaID != nil && *m.PersonaID == persona.ID {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: m.Content})
	}
	return msgs
}

// contextBlock looks up semantically similar past messages and renders them
// into a single system entry. Returns "" whenever retrieval is disabled,
// unavailable or yields nothing usable.
func (g *Generator) contextBlock(ctx context.Context, conversationID uuid.UUID, history []*store.Message) string {
	if !g.cfg.RetrievalEnabled || g.retriever == nil || len(history) == 0 {
		return ""
	}
	if !g.retriever.IsAvailable() {
		return ""
	}

	query := history[len(history)-1].Content
	seen := make(map[uuid.UUID]struct{}, len(history))
	for _, m := range history {
		seen[m.ID] = struct{}{}
	}

	// Over-fetch so that hits already present in the window can be
	// discarded without starving the block.
	hits := g.retriever.SearchSimilarMessages(ctx, query, g.cfg.ContextLimit+len(history), rag.Filter{
		ConversationID: conversationID.String(),
	}, g.cfg.MinSimilarity)

	var lines []string
	for _, hit := range hits {
		if _, ok := seen[hit.ID]; ok {
			continue
		}
		lines = append(lines, "- "+hit.Content)
		if len(lines) == g.cfg.ContextLimit {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Relevant earlier moments from this conversation:\n" + strings.Join(lines, "\n")
}

// SaveTurn persists one assistant message and then attempts embedding and
// vector indexing. Post-processing failures are logged and swallowed; the
// message is already durable by then.
func (g *Generator) SaveTurn(ctx context.Context, conversationID, personaID uuid.UUID, content string, tokensUsed int) (*store.Message, error) {
	msg := &store.Message{
		ConversationID: conversationID,
		PersonaID:      &personaID,
		Role:           store.RoleAssistant,
		Content:        content,
		TokensUsed:     &tokensUsed,
	}

	saved, err := g.messages.CreateMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}

	g.index(ctx, saved)
	return saved, nil
}

// index generates and attaches the embedding and upserts the message into
// the vector store. Best effort only.
func (g *Generator) index(ctx context.Context, msg *store.Message) {
	if g.embedder == nil {
		return
	}

	vec, err := g.embedder.Embed(ctx, msg.Content)
	if err != nil {
		g.logger.Warn("embedding generation failed",
			"message_id", msg.ID,
			"error", err)
		return
	}
	if err := g.messages.AttachEmbedding(ctx, msg.ID, vec); err != nil {
		g.logger.Warn("embedding attach failed",
			"message_id", msg.ID,
			"error", err)
		return
	}
	msg.Embedding = vec

	if g.cfg.RetrievalEnabled && g.retriever != nil {
		g.retriever.StoreMessage(ctx, msg)
	}
}
