package rag_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/duolab/duologue/internal/log"
	"github.com/duolab/duologue/internal/rag"
	"github.com/duolab/duologue/internal/store"
	"github.com/duolab/duologue/internal/testutil"
)

const testDim = 16

func newGateway(t *testing.T, mem *testutil.MemoryStore) *rag.Gateway {
	t.Helper()
	g := rag.New(rag.Config{
		DB:         chromem.NewDB(),
		Collection: "messages-test",
		Dimension:  testDim,
		Embedder:   testutil.NewHashEmbedder(testDim),
		Messages:   mem,
		Logger:     log.NewNop(),
	})
	if !g.InitializeCollection() {
		t.Fatal("InitializeCollection failed")
	}
	return g
}

// seed persists a message in the memory store and indexes it.
func seed(t *testing.T, g *rag.Gateway, mem *testutil.MemoryStore, convID uuid.UUID, content string) *store.Message {
	t.Helper()
	msg, err := mem.CreateMessage(context.Background(), &store.Message{
		ConversationID: convID,
		Role:           store.RoleAssistant,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if !g.StoreMessage(context.Background(), msg) {
		t.Fatalf("StoreMessage(%q) failed", content)
	}
	return msg
}

func TestInitializeCollectionIdempotent(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	if !g.InitializeCollection() {
		t.Error("second InitializeCollection must succeed")
	}
	if !g.IsAvailable() {
		t.Error("gateway must be available after initialization")
	}
}

func TestGatewayUnavailableWithoutInit(t *testing.T) {
	t.Parallel()

	g := rag.New(rag.Config{
		Collection: "never-initialized",
		Dimension:  testDim,
		Embedder:   testutil.NewHashEmbedder(testDim),
		Messages:   testutil.NewMemoryStore(),
		Logger:     log.NewNop(),
	})

	if g.IsAvailable() {
		t.Error("gateway without a DB must be unavailable")
	}
	if g.StoreMessage(context.Background(), &store.Message{ID: uuid.New(), Content: "x"}) {
		t.Error("StoreMessage must degrade to false")
	}
	if got := g.SearchSimilarMessages(context.Background(), "x", 5, rag.Filter{}, 0); got != nil {
		t.Errorf("SearchSimilarMessages must degrade to nil, got %v", got)
	}
}

func TestStoreMessageUpsertIdempotent(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})

	msg := seed(t, g, mem, conv.ID, "the same message")
	// Second upsert with the same ID must not create a second point.
	if !g.StoreMessage(context.Background(), msg) {
		t.Fatal("second StoreMessage failed")
	}

	hits := g.SearchSimilarMessages(context.Background(), "the same message", 10, rag.Filter{}, 0)
	if len(hits) != 1 {
		t.Fatalf("got %d hits after double upsert, want 1", len(hits))
	}
	if hits[0].ID != msg.ID {
		t.Errorf("hit ID = %v, want %v", hits[0].ID, msg.ID)
	}
}

func TestStoreMessageGeneratesMissingEmbedding(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})

	msg := seed(t, g, mem, conv.ID, "needs an embedding")
	if len(msg.Embedding) != 0 {
		t.Fatal("test premise: message starts without an embedding")
	}

	hits := g.SearchSimilarMessages(context.Background(), "needs an embedding", 5, rag.Filter{}, 0)
	if len(hits) == 0 {
		t.Fatal("message indexed without stored embedding was not found")
	}
}

func TestSearchFilterScopesToConversation(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	convX := mem.AddConversation(&store.Conversation{MaxRounds: 5})
	convY := mem.AddConversation(&store.Conversation{MaxRounds: 5})

	seed(t, g, mem, convX.ID, "message in conversation X")
	seed(t, g, mem, convY.ID, "message in conversation Y")

	hits := g.SearchSimilarMessages(context.Background(), "message", 10,
		rag.Filter{ConversationID: convX.ID.String()}, 0)
	for _, hit := range hits {
		if hit.ConversationID != convX.ID {
			t.Errorf("filtered search returned message from conversation %v", hit.ConversationID)
		}
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits for conversation X, want 1", len(hits))
	}
}

func TestSearchDropsBelowThreshold(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})
	seed(t, g, mem, conv.ID, "some content")

	// No similarity can exceed 1; everything must be dropped.
	hits := g.SearchSimilarMessages(context.Background(), "some content", 5, rag.Filter{}, 1.01)
	if len(hits) != 0 {
		t.Errorf("got %d hits above impossible threshold, want 0", len(hits))
	}
}

func TestSearchDropsOrphanedPoints(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})

	// Index a message that was never persisted in the system of record.
	orphan := &store.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        "orphaned point",
	}
	if !g.StoreMessage(context.Background(), orphan) {
		t.Fatal("StoreMessage failed")
	}

	hits := g.SearchSimilarMessages(context.Background(), "orphaned point", 5, rag.Filter{}, 0)
	if len(hits) != 0 {
		t.Errorf("got %d hits for orphaned point, want 0", len(hits))
	}
}

func TestSearchAttachesSimilarity(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})
	seed(t, g, mem, conv.ID, "identical text")

	hits := g.SearchSimilarMessages(context.Background(), "identical text", 1, rag.Filter{}, 0)
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("identical text similarity = %v, want ~1", hits[0].Similarity)
	}
}

func TestSearchLimitClampedToCollectionSize(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	g := newGateway(t, mem)
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})
	seed(t, g, mem, conv.ID, "only point")

	// limit far above the collection size must not error out.
	hits := g.SearchSimilarMessages(context.Background(), "only point", 100, rag.Filter{}, 0)
	if len(hits) != 1 {
		t.Errorf("got %d hits, want 1", len(hits))
	}
}
