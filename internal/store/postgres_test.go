package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/duolab/duologue/internal/log"
	"github.com/duolab/duologue/internal/store"
	"github.com/duolab/duologue/internal/testutil"
)

func setupStore(t *testing.T) *store.Postgres {
	t.Helper()
	tdb := testutil.SetupTestDB(t)
	return store.NewPostgres(tdb.Pool, log.NewNop())
}

func createPersona(t *testing.T, s *store.Postgres, name string) *store.Persona {
	t.Helper()
	p, err := s.CreatePersona(context.Background(), &store.Persona{
		Name:         name,
		Provider:     "googleai",
		Model:        "gemini-2.5-flash",
		SystemPrompt: "You are " + name + ".",
		Guidelines:   []string{"Be brief."},
		Temperature:  0.7,
	})
	if err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	return p
}

func createConversation(t *testing.T, s *store.Postgres, a, b *store.Persona) *store.Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), &store.Conversation{
		UserID:           "user-1",
		PersonaA:         store.SideConfig{PersonaID: a.ID, Provider: a.Provider, Model: a.Model, Temperature: a.Temperature},
		PersonaB:         store.SideConfig{PersonaID: b.ID, Provider: b.Provider, Model: b.Model, Temperature: b.Temperature},
		Starter:          "Begin.",
		MaxRounds:        6,
		StopWordsEnabled: true,
		StopWords:        []string{"goodbye"},
		StopThreshold:    0.5,
		Metadata:         map[string]any{"conversation_completed": true},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return c
}

func TestPersonaRoundTrip(t *testing.T) {
	s := setupStore(t)

	created := createPersona(t, s, "Ada")
	got, err := s.GetPersona(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if got.Name != "Ada" || got.Provider != "googleai" {
		t.Errorf("persona = %+v", got)
	}
	if len(got.Guidelines) != 1 || got.Guidelines[0] != "Be brief." {
		t.Errorf("guidelines = %v", got.Guidelines)
	}

	if _, err := s.GetPersona(context.Background(), uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetPersona(unknown) = %v, want ErrNotFound", err)
	}
}

func TestConversationCreateWritesStarter(t *testing.T) {
	s := setupStore(t)
	a := createPersona(t, s, "Ada")
	b := createPersona(t, s, "Brook")

	conv := createConversation(t, s, a, b)

	got, err := s.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != store.StatusActive {
		t.Errorf("status = %v, want active", got.Status)
	}
	if !got.NotifyOnCompleted() || got.NotifyOnFailed() {
		t.Error("metadata preference flags lost")
	}

	msgs, err := s.RecentMessages(context.Background(), conv.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 starter", len(msgs))
	}
	starter := msgs[0]
	if starter.Role != store.RoleUser || starter.PersonaID != nil || starter.SequenceNumber != 1 {
		t.Errorf("starter = %+v", starter)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := setupStore(t)
	a := createPersona(t, s, "Ada")
	b := createPersona(t, s, "Brook")
	conv := createConversation(t, s, a, b)
	ctx := context.Background()

	if err := s.UpdateConversationStatus(ctx, conv.ID, store.StatusCompleted, ""); err != nil {
		t.Fatalf("active -> completed: %v", err)
	}

	// Terminal states are final.
	err := s.UpdateConversationStatus(ctx, conv.ID, store.StatusFailed, "late failure")
	if !errors.Is(err, store.ErrIllegalTransition) {
		t.Errorf("completed -> failed = %v, want ErrIllegalTransition", err)
	}

	err = s.UpdateConversationStatus(ctx, uuid.New(), store.StatusCompleted, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown conversation = %v, want ErrNotFound", err)
	}

	err = s.UpdateConversationStatus(ctx, conv.ID, store.StatusActive, "")
	if !errors.Is(err, store.ErrIllegalTransition) {
		t.Errorf("transition to active = %v, want ErrIllegalTransition", err)
	}
}

func TestFailedStoresErrorMessage(t *testing.T) {
	s := setupStore(t)
	a := createPersona(t, s, "Ada")
	b := createPersona(t, s, "Brook")
	conv := createConversation(t, s, a, b)
	ctx := context.Background()

	if err := s.UpdateConversationStatus(ctx, conv.ID, store.StatusFailed, "provider exploded"); err != nil {
		t.Fatalf("active -> failed: %v", err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusFailed || got.ErrorMessage != "provider exploded" {
		t.Errorf("conversation = status %v error %q", got.Status, got.ErrorMessage)
	}
}

func TestMessageSequenceUnderConcurrency(t *testing.T) {
	s := setupStore(t)
	a := createPersona(t, s, "Ada")
	b := createPersona(t, s, "Brook")
	conv := createConversation(t, s, a, b)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateMessage(ctx, &store.Message{
				ConversationID: conv.ID,
				PersonaID:      &a.ID,
				Role:           store.RoleAssistant,
				Content:        "concurrent turn",
			})
			if err != nil {
				t.Errorf("CreateMessage: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, err := s.RecentMessages(ctx, conv.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	// Starter plus the concurrent writes, strictly sequential.
	if len(msgs) != writers+1 {
		t.Fatalf("messages = %d, want %d", len(msgs), writers+1)
	}
	for i, m := range msgs {
		if m.SequenceNumber != i+1 {
			t.Errorf("message %d has sequence %d", i, m.SequenceNumber)
		}
	}
}

func TestMessageEmbeddingRoundTrip(t *testing.T) {
	s := setupStore(t)
	a := createPersona(t, s, "Ada")
	b := createPersona(t, s, "Brook")
	conv := createConversation(t, s, a, b)
	ctx := context.Background()

	tokens := 17
	msg, err := s.CreateMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		PersonaID:      &a.ID,
		Role:           store.RoleAssistant,
		Content:        "with embedding",
		TokensUsed:     &tokens,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	vec := make([]float32, 1536)
	for i := range vec {
		vec[i] = float32(i%7) / 7
	}
	if err := s.AttachEmbedding(ctx, msg.ID, vec); err != nil {
		t.Fatalf("AttachEmbedding: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if len(got.Embedding) != 1536 {
		t.Fatalf("embedding length = %d, want 1536", len(got.Embedding))
	}
	if got.TokensUsed == nil || *got.TokensUsed != 17 {
		t.Errorf("tokens = %v, want 17", got.TokensUsed)
	}

	if err := s.AttachEmbedding(ctx, uuid.New(), vec); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AttachEmbedding(unknown) = %v, want ErrNotFound", err)
	}
}

func TestCreateMessageRejectsNegativeTokens(t *testing.T) {
	s := setupStore(t)
	a := createPersona(t, s, "Ada")
	b := createPersona(t, s, "Brook")
	conv := createConversation(t, s, a, b)

	bad := -1
	_, err := s.CreateMessage(context.Background(), &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        "x",
		TokensUsed:     &bad,
	})
	if !errors.Is(err, store.ErrNegativeTokens) {
		t.Errorf("negative tokens = %v, want ErrNegativeTokens", err)
	}
}

func TestRecentMessagesWindow(t *testing.T) {
	s := setupStore(t)
	a := createPersona(t, s, "Ada")
	b := createPersona(t, s, "Brook")
	conv := createConversation(t, s, a, b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.CreateMessage(ctx, &store.Message{
			ConversationID: conv.ID,
			PersonaID:      &a.ID,
			Role:           store.RoleAssistant,
			Content:        "turn",
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.RecentMessages(ctx, conv.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("window = %d messages, want 3", len(msgs))
	}
	// Trailing window in chronological order: sequences 4, 5, 6.
	for i, m := range msgs {
		if m.SequenceNumber != i+4 {
			t.Errorf("window[%d] sequence = %d, want %d", i, m.SequenceNumber, i+4)
		}
	}

	count, err := s.CountAssistantMessages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("assistant count = %d, want 5", count)
	}
}
