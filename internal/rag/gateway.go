// Package rag wraps the vector index behind a gateway that degrades
// gracefully: retrieval is an optional enhancement, so every backend error
// is caught, logged and converted into an empty or false result. A
// conversation never stalls because its index is unreachable.
//
// The index is a chromem collection (cosine space, fixed dimension,
// last-write-wins upsert by document ID). PostgreSQL stays the system of
// record: search hits are re-hydrated into full message rows and hits whose
// backing row is gone are dropped.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/duolab/duologue/internal/store"
)

// DefaultDimension is the embedding size used when none is configured,
// matching the messages table vector column.
const DefaultDimension = 1536

// MessageSource re-hydrates search hits from the system of record.
// *store.Postgres satisfies it.
type MessageSource interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error)
}

// Filter constrains a similarity search. Zero-value fields are ignored;
// set fields combine conjunctively.
type Filter struct {
	ConversationID string
	PersonaID      string
	Role           string
}

// Config collects the gateway dependencies.
type Config struct {
	DB         *chromem.DB
	Collection string // collection name, e.g. "messages"
	Dimension  int    // vector size; DefaultDimension when zero
	Embedder   Embedder
	Messages   MessageSource
	Logger     *slog.Logger
}

// Gateway is the retrieval layer over the vector index.
// Safe for concurrent use.
type Gateway struct {
	db         *chromem.DB
	collection *chromem.Collection
	name       string
	dimension  int
	embedder   Embedder
	messages   MessageSource
	logger     *slog.Logger
}

// New creates a Gateway. Call InitializeCollection before first use;
// until it succeeds the gateway reports unavailable and all operations
// degrade to empty results.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	embedder := cfg.Embedder
	if embedder == nil {
		embedder = NewZeroEmbedder(dimension)
	}
	name := cfg.Collection
	if name == "" {
		name = "messages"
	}
	return &Gateway{
		db:        cfg.DB,
		name:      name,
		dimension: dimension,
		embedder:  embedder,
		messages:  cfg.Messages,
		logger:    logger,
	}
}

// InitializeCollection ensures the vector collection exists. Idempotent:
// an existing collection is reused, a missing one is created with the
// configured dimensionality and cosine distance. Never panics or throws
// into callers; failures are logged and reported as false.
func (g *Gateway) InitializeCollection() bool {
	if g.db == nil {
		g.logger.Warn("vector index not configured, retrieval disabled")
		return false
	}

	col, err := g.db.GetOrCreateCollection(g.name, map[string]string{
		"space":     "cosine",
		"dimension": strconv.Itoa(g.dimension),
	}, nil)
	if err != nil {
		g.logger.Error("initializing vector collection",
			"collection", g.name, "error", err)
		return false
	}

	g.collection = col
	g.logger.Debug("vector collection ready",
		"collection", g.name, "dimension", g.dimension, "points", col.Count())
	return true
}

// IsAvailable is a lightweight reachability probe. Must not panic.
func (g *Gateway) IsAvailable() bool {
	return g.db != nil && g.collection != nil
}

// StoreMessage upserts one message into the vector index, keyed by the
// message ID so repeated calls for the same message leave exactly one
// point (last write wins). A missing embedding is generated synchronously
// first. Returns false on any failure; failures are logged, never raised.
func (g *Gateway) StoreMessage(ctx context.Context, m *store.Message) bool {
	if !g.IsAvailable() {
		return false
	}
	if m == nil || m.Content == "" {
		return false
	}

	embedding := m.Embedding
	if len(embedding) == 0 {
		var err error
		embedding, err = g.embedder.Embed(ctx, m.Content)
		if err != nil {
			g.logger.Warn("embedding message for index",
				"message_id", m.ID, "error", err)
			return false
		}
	}

	metadata := map[string]string{
		"message_id":      m.ID.String(),
		"conversation_id": m.ConversationID.String(),
		"role":            string(m.Role),
		"created_at":      m.CreatedAt.Format(time.RFC3339),
	}
	if m.PersonaID != nil {
		metadata["persona_id"] = m.PersonaID.String()
	}
	if m.TokensUsed != nil {
		metadata["tokens_used"] = strconv.Itoa(*m.TokensUsed)
	}

	err := g.collection.AddDocument(ctx, chromem.Document{
		ID:        m.ID.String(),
		Content:   m.Content,
		Embedding: embedding,
		Metadata:  metadata,
	})
	if err != nil {
		g.logger.Warn("upserting message into vector index",
			"message_id", m.ID, "error", err)
		return false
	}
	return true
}

// SearchSimilarMessages embeds the query, runs a filtered similarity
// search, and re-hydrates hits into full message records ordered best
// match first. Hits scoring below scoreThreshold and hits whose backing
// record no longer exists are dropped. The similarity score is attached
// as transient metadata on each returned message.
//
// Any backend error yields an empty result, never an error to the caller.
func (g *Gateway) SearchSimilarMessages(ctx context.Context, query string, limit int, filter Filter, scoreThreshold float32) []*store.Message {
	if !g.IsAvailable() || query == "" || limit <= 0 {
		return nil
	}

	// chromem rejects result counts above the collection size.
	n := limit
	if count := g.collection.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil
	}

	queryEmbedding, err := g.embedder.Embed(ctx, query)
	if err != nil {
		g.logger.Warn("embedding search query", "error", err)
		return nil
	}

	results, err := g.collection.QueryEmbedding(ctx, queryEmbedding, n, whereClause(filter), nil)
	if err != nil {
		g.logger.Warn("vector search failed", "error", err)
		return nil
	}

	messages := make([]*store.Message, 0, len(results))
	for _, res := range results {
		if res.Similarity < scoreThreshold {
			continue
		}
		id, err := uuid.Parse(res.ID)
		if err != nil {
			g.logger.Warn("skipping malformed point id", "id", res.ID)
			continue
		}
		msg, err := g.messages.GetMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Point outlived its row; stale index entries are harmless.
			continue
		}
		if err != nil {
			g.logger.Warn("re-hydrating search hit", "message_id", id, "error", err)
			continue
		}
		msg.Similarity = res.Similarity
		messages = append(messages, msg)
	}
	return messages
}

// whereClause builds the conjunctive metadata filter for chromem.
func whereClause(f Filter) map[string]string {
	where := make(map[string]string)
	if f.ConversationID != "" {
		where["conversation_id"] = f.ConversationID
	}
	if f.PersonaID != "" {
		where["persona_id"] = f.PersonaID
	}
	if f.Role != "" {
		where["role"] = f.Role
	}
	if len(where) == 0 {
		return nil
	}
	return where
}
