// Package transcript renders completed conversations into markdown
// artifacts on disk.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duolab/duologue/internal/store"
)

// Source is the persistence surface the writer reads from.
type Source interface {
	GetPersona(ctx context.Context, id uuid.UUID) (*store.Persona, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*store.Message, error)
}

// Writer renders conversations into a directory of markdown files.
type Writer struct {
	dir    string
	source Source
	logger *slog.Logger
}

// NewWriter creates a Writer that stores artifacts under dir.
func NewWriter(dir string, source Source, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		dir:    dir,
		source: source,
		logger: logger.With("component", "transcript"),
	}
}

// Generate renders the full conversation and writes it to disk, returning
// the artifact path.
func (w *Writer) Generate(ctx context.Context, conv *store.Conversation) (string, error) {
	names := map[uuid.UUID]string{}
	for _, side := range []store.SideConfig{conv.PersonaA, conv.PersonaB} {
		p, err := w.source.GetPersona(ctx, side.PersonaID)
		if err != nil {
			return "", fmt.Errorf("load persona: %w", err)
		}
		names[p.ID] = p.Name
	}

	// One starter plus at most one assistant message per round.
	msgs, err := w.source.RecentMessages(ctx, conv.ID, int32(conv.MaxRounds+1))
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conversation %s\n\n", conv.ID)
	fmt.Fprintf(&sb, "- Status: %s\n", conv.Status)
	fmt.Fprintf(&sb, "- Participants: %s, %s\n", names[conv.PersonaA.PersonaID], names[conv.PersonaB.PersonaID])
	fmt.Fprintf(&sb, "- Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	for _, m := range msgs {
		speaker := "Starter"
		if m.PersonaID != nil {
			if name, ok := names[*m.PersonaID]; ok {
				speaker = name
			} else {
				speaker = m.PersonaID.String()
			}
		}
		fmt.Fprintf(&sb, "## %d. %s\n\n%s\n\n", m.SequenceNumber, speaker, m.Content)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("conversation-%s.md", conv.ID))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}

	w.logger.Info("transcript written",
		"conversation_id", conv.ID,
		"path", path)
	return path, nil
}
