package turn_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/duolab/duologue/internal/log"
	"github.com/duolab/duologue/internal/provider"
	"github.com/duolab/duologue/internal/rag"
	"github.com/duolab/duologue/internal/store"
	"github.com/duolab/duologue/internal/testutil"
	"github.com/duolab/duologue/internal/turn"
)

// recordingDriver captures the prompt it was invoked with.
type recordingDriver struct {
	*testutil.ScriptDriver
	mu       sync.Mutex
	lastMsgs []provider.Message
}

func (d *recordingDriver) StreamChat(ctx context.Context, msgs []provider.Message, temp float32) (*provider.Stream, error) {
	d.mu.Lock()
	d.lastMsgs = msgs
	d.mu.Unlock()
	return d.ScriptDriver.StreamChat(ctx, msgs, temp)
}

func (d *recordingDriver) messages() []provider.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastMsgs
}

// fakeRetriever returns canned similar messages.
type fakeRetriever struct {
	available bool
	hits      []*store.Message
	lastQuery string
}

func (r *fakeRetriever) IsAvailable() bool                                 { return r.available }
func (r *fakeRetriever) StoreMessage(context.Context, *store.Message) bool { return true }
func (r *fakeRetriever) SearchSimilarMessages(_ context.Context, query string, _ int, _ rag.Filter, _ float32) []*store.Message {
	r.lastQuery = query
	return r.hits
}

func registryWith(t *testing.T, name string, d provider.Driver) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry()
	r.Register(name, func(string) (provider.Driver, error) { return d, nil })
	return r
}

func drain(t *testing.T, s *provider.Stream) string {
	t.Helper()
	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Text())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	return sb.String()
}

func personaFixture(providerName string) *store.Persona {
	return &store.Persona{
		ID:           uuid.New(),
		Name:         "Ada",
		Provider:     providerName,
		SystemPrompt: "You are Ada.",
		Guidelines:   []string{"Be curious.", "Stay concise."},
		Temperature:  0.7,
	}
}

func TestGeneratePromptAssembly(t *testing.T) {
	t.Parallel()

	driver := &recordingDriver{ScriptDriver: testutil.NewScriptDriver("fake",
		testutil.Step{Chunks: []string{"reply"}, Tokens: 3})}
	reg := registryWith(t, "fake", driver)
	mem := testutil.NewMemoryStore()
	persona := personaFixture("fake")
	convID := uuid.New()

	otherID := uuid.New()
	history := []*store.Message{
		{ID: uuid.New(), Role: store.RoleUser, Content: "starter"},
		{ID: uuid.New(), PersonaID: &otherID, Role: store.RoleAssistant, Content: "their turn"},
		{ID: uuid.New(), PersonaID: &persona.ID, Role: store.RoleAssistant, Content: "my turn"},
	}

	g := turn.NewGenerator(reg, mem, nil, nil, turn.Config{}, log.NewNop())
	res, err := g.Generate(context.Background(), persona, convID, history)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := drain(t, res.Stream); got != "reply" {
		t.Errorf("stream text = %q", got)
	}

	msgs := driver.messages()
	want := []provider.Message{
		{Role: provider.RoleSystem, Content: "You are Ada."},
		{Role: provider.RoleSystem, Content: "Guideline: Be curious."},
		{Role: provider.RoleSystem, Content: "Guideline: Stay concise."},
		{Role: provider.RoleUser, Content: "starter"},
		{Role: provider.RoleUser, Content: "their turn"},
		{Role: provider.RoleAssistant, Content: "my turn"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("prompt has %d messages, want %d: %+v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("prompt[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestGenerateHistoryWindow(t *testing.T) {
	t.Parallel()

	driver := &recordingDriver{ScriptDriver: testutil.NewScriptDriver("fake",
		testutil.Step{Chunks: []string{"ok"}})}
	reg := registryWith(t, "fake", driver)
	persona := personaFixture("fake")
	persona.SystemPrompt = ""
	persona.Guidelines = nil

	var history []*store.Message
	for i := 0; i < 15; i++ {
		history = append(history, &store.Message{
			ID: uuid.New(), Role: store.RoleUser, Content: "m" + string(rune('a'+i)),
		})
	}

	g := turn.NewGenerator(reg, testutil.NewMemoryStore(), nil, nil,
		turn.Config{HistoryWindow: 10}, log.NewNop())
	res, err := g.Generate(context.Background(), persona, uuid.New(), history)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drain(t, res.Stream)

	msgs := driver.messages()
	if len(msgs) != 10 {
		t.Fatalf("windowed prompt has %d messages, want 10", len(msgs))
	}
	if msgs[0].Content != history[5].Content {
		t.Errorf("window starts at %q, want %q", msgs[0].Content, history[5].Content)
	}
}

func TestGenerateRetrievedContext(t *testing.T) {
	t.Parallel()

	driver := &recordingDriver{ScriptDriver: testutil.NewScriptDriver("fake",
		testutil.Step{Chunks: []string{"ok"}})}
	reg := registryWith(t, "fake", driver)
	persona := personaFixture("fake")
	persona.Guidelines = nil

	inHistory := &store.Message{ID: uuid.New(), Role: store.RoleUser, Content: "latest question"}
	past := &store.Message{ID: uuid.New(), Role: store.RoleAssistant, Content: "a relevant old answer"}
	retriever := &fakeRetriever{
		available: true,
		hits:      []*store.Message{inHistory, past},
	}

	g := turn.NewGenerator(reg, testutil.NewMemoryStore(), retriever, nil,
		turn.Config{RetrievalEnabled: true}, log.NewNop())
	res, err := g.Generate(context.Background(), persona, uuid.New(), []*store.Message{inHistory})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drain(t, res.Stream)

	if retriever.lastQuery != "latest question" {
		t.Errorf("retrieval query = %q, want most recent history entry", retriever.lastQuery)
	}

	var contextBlocks []string
	for _, m := range driver.messages() {
		if m.Role == provider.RoleSystem && strings.Contains(m.Content, "a relevant old answer") {
			contextBlocks = append(contextBlocks, m.Content)
		}
		if strings.Contains(m.Content, "latest question") && m.Role == provider.RoleSystem {
			t.Error("context block must exclude messages already in history")
		}
	}
	if len(contextBlocks) != 1 {
		t.Fatalf("got %d context blocks, want 1", len(contextBlocks))
	}
}

func TestGenerateSkipsContextWhenUnavailable(t *testing.T) {
	t.Parallel()

	driver := &recordingDriver{ScriptDriver: testutil.NewScriptDriver("fake",
		testutil.Step{Chunks: []string{"ok"}})}
	reg := registryWith(t, "fake", driver)
	persona := personaFixture("fake")
	persona.SystemPrompt = ""
	persona.Guidelines = nil

	retriever := &fakeRetriever{available: false,
		hits: []*store.Message{{ID: uuid.New(), Content: "should not appear"}}}

	g := turn.NewGenerator(reg, testutil.NewMemoryStore(), retriever, nil,
		turn.Config{RetrievalEnabled: true}, log.NewNop())
	res, err := g.Generate(context.Background(), persona, uuid.New(),
		[]*store.Message{{ID: uuid.New(), Role: store.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drain(t, res.Stream)

	for _, m := range driver.messages() {
		if strings.Contains(m.Content, "should not appear") {
			t.Error("unavailable retriever must contribute no context")
		}
	}
}

func TestGenerateUnknownProvider(t *testing.T) {
	t.Parallel()

	g := turn.NewGenerator(provider.NewRegistry(), testutil.NewMemoryStore(), nil, nil,
		turn.Config{}, log.NewNop())
	_, err := g.Generate(context.Background(), personaFixture("missing"), uuid.New(), nil)
	if !errors.Is(err, provider.ErrNotRegistered) {
		t.Errorf("Generate with unknown provider = %v, want ErrNotRegistered", err)
	}
}

func TestSaveTurnPersistsAndIndexes(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})
	persona := personaFixture("fake")
	retriever := &fakeRetriever{available: true}
	embedder := testutil.NewHashEmbedder(8)

	g := turn.NewGenerator(provider.NewRegistry(), mem, retriever, embedder,
		turn.Config{RetrievalEnabled: true}, log.NewNop())

	saved, err := g.SaveTurn(context.Background(), conv.ID, persona.ID, "the reply", 42)
	if err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if saved.SequenceNumber != 1 {
		t.Errorf("sequence = %d, want 1", saved.SequenceNumber)
	}
	if saved.TokensUsed == nil || *saved.TokensUsed != 42 {
		t.Error("tokens not persisted")
	}
	if len(saved.Embedding) != 8 {
		t.Errorf("embedding length = %d, want 8", len(saved.Embedding))
	}

	stored := mem.Messages(conv.ID)
	if len(stored) != 1 || stored[0].Role != store.RoleAssistant {
		t.Fatalf("stored messages = %+v", stored)
	}
}

func TestSaveTurnSwallowsEmbeddingFailure(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	mem.FailAttachEmbedding = errors.New("embedding column gone")
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 5})

	g := turn.NewGenerator(provider.NewRegistry(), mem, nil, testutil.NewHashEmbedder(8),
		turn.Config{}, log.NewNop())

	saved, err := g.SaveTurn(context.Background(), conv.ID, uuid.New(), "reply", 1)
	if err != nil {
		t.Fatalf("SaveTurn must swallow post-processing failures, got %v", err)
	}
	if len(saved.Embedding) != 0 {
		t.Error("embedding must stay unset after attach failure")
	}
}

func TestSaveTurnPropagatesPersistenceFailure(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	mem.FailCreateMessage = errors.New("database down")

	g := turn.NewGenerator(provider.NewRegistry(), mem, nil, nil, turn.Config{}, log.NewNop())
	if _, err := g.SaveTurn(context.Background(), uuid.New(), uuid.New(), "reply", 1); err == nil {
		t.Error("SaveTurn must propagate persistence errors")
	}
}
