package transcript_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/duolab/duologue/internal/log"
	"github.com/duolab/duologue/internal/store"
	"github.com/duolab/duologue/internal/testutil"
	"github.com/duolab/duologue/internal/transcript"
)

func TestGenerateWritesArtifact(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	ada := mem.AddPersona(&store.Persona{Name: "Ada", Provider: "fake"})
	brook := mem.AddPersona(&store.Persona{Name: "Brook", Provider: "fake"})
	conv := mem.AddConversation(&store.Conversation{
		PersonaA:  store.SideConfig{PersonaID: ada.ID},
		PersonaB:  store.SideConfig{PersonaID: brook.ID},
		Starter:   "Let us discuss entropy.",
		MaxRounds: 4,
		Status:    store.StatusCompleted,
	})
	for i, content := range []string{"First turn.", "Second turn."} {
		personaID := ada.ID
		if i%2 == 1 {
			personaID = brook.ID
		}
		if _, err := mem.CreateMessage(context.Background(), &store.Message{
			ConversationID: conv.ID,
			PersonaID:      &personaID,
			Role:           store.RoleAssistant,
			Content:        content,
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := transcript.NewWriter(t.TempDir(), mem, log.NewNop())
	path, err := w.Generate(context.Background(), conv)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	text := string(data)

	for _, want := range []string{
		"Let us discuss entropy.",
		"First turn.",
		"Second turn.",
		"Ada",
		"Brook",
		string(store.StatusCompleted),
	} {
		if !strings.Contains(text, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
}

func TestGenerateFailsOnUnknownPersona(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemoryStore()
	conv := mem.AddConversation(&store.Conversation{MaxRounds: 2})

	w := transcript.NewWriter(t.TempDir(), mem, log.NewNop())
	if _, err := w.Generate(context.Background(), conv); err == nil {
		t.Error("Generate must fail when a persona is missing")
	}
}
