package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/duolab/duologue/internal/app"
	"github.com/duolab/duologue/internal/broadcast"
	"github.com/duolab/duologue/internal/config"
	"github.com/duolab/duologue/internal/store"
)

func newRunCmd() *cobra.Command {
	var (
		personaA      string
		personaB      string
		starter       string
		maxRounds     int
		stopWords     []string
		stopThreshold float64
		userID        string
		notifyDone    bool
		notifyFailed  bool
		resumeID      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a conversation between two personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.Setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
				}
			}()

			conv, err := resolveConversation(ctx, a, cfg, resumeID, personaA, personaB,
				starter, maxRounds, stopWords, stopThreshold, userID, notifyDone, notifyFailed)
			if err != nil {
				return err
			}

			sub := a.Bus.Subscribe(conv.ID)
			defer sub.Cancel()
			go printEvents(sub)

			a.Runner.Start(ctx)
			if !a.Runner.Enqueue(conv.ID) {
				return fmt.Errorf("scheduling conversation %s", conv.ID)
			}
			a.Runner.Wait()
			cancel()
			a.Runner.Stop()

			final, err := a.Store.GetConversation(context.Background(), conv.ID)
			if err != nil {
				return err
			}
			fmt.Printf("\nconversation %s finished: %s\n", final.ID, final.Status)
			if final.ErrorMessage != "" {
				fmt.Printf("error: %s\n", final.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&personaA, "persona-a", "", "persona ID for side A")
	cmd.Flags().StringVar(&personaB, "persona-b", "", "persona ID for side B")
	cmd.Flags().StringVar(&starter, "starter", "", "opening message")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 10, "total persona turns before completion")
	cmd.Flags().StringSliceVar(&stopWords, "stop-words", nil, "stop words ending the conversation early")
	cmd.Flags().Float64Var(&stopThreshold, "stop-threshold", 0, "fraction of stop words that must appear (default from config)")
	cmd.Flags().StringVar(&userID, "user", "cli", "owning user ID")
	cmd.Flags().BoolVar(&notifyDone, "notify-completed", false, "queue a notification on completion")
	cmd.Flags().BoolVar(&notifyFailed, "notify-failed", false, "queue a notification on failure")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an existing conversation by ID")

	return cmd
}

// resolveConversation either loads the conversation named by resumeID or
// creates a new one from the flags, snapshotting each persona's provider
// settings.
func resolveConversation(ctx context.Context, a *app.App, cfg *config.Config, resumeID, personaA, personaB, starter string, maxRounds int, stopWords []string, stopThreshold float64, userID string, notifyDone, notifyFailed bool) (*store.Conversation, error) {
	if resumeID != "" {
		id, err := uuid.Parse(resumeID)
		if err != nil {
			return nil, fmt.Errorf("parsing conversation ID: %w", err)
		}
		return a.Store.GetConversation(ctx, id)
	}

	if personaA == "" || personaB == "" || starter == "" {
		return nil, fmt.Errorf("--persona-a, --persona-b and --starter are required for a new conversation")
	}

	sideA, err := snapshotSide(ctx, a, personaA)
	if err != nil {
		return nil, err
	}
	sideB, err := snapshotSide(ctx, a, personaB)
	if err != nil {
		return nil, err
	}

	if stopThreshold <= 0 {
		stopThreshold = cfg.DefaultStopRatio
	}

	return a.Store.CreateConversation(ctx, &store.Conversation{
		UserID:           userID,
		PersonaA:         sideA,
		PersonaB:         sideB,
		Starter:          starter,
		MaxRounds:        maxRounds,
		StopWordsEnabled: len(stopWords) > 0,
		StopWords:        stopWords,
		StopThreshold:    stopThreshold,
		Metadata: map[string]any{
			"conversation_completed": notifyDone,
			"conversation_failed":    notifyFailed,
		},
	})
}

func snapshotSide(ctx context.Context, a *app.App, personaID string) (store.SideConfig, error) {
	id, err := uuid.Parse(personaID)
	if err != nil {
		return store.SideConfig{}, fmt.Errorf("parsing persona ID %q: %w", personaID, err)
	}
	p, err := a.Store.GetPersona(ctx, id)
	if err != nil {
		return store.SideConfig{}, err
	}
	return store.SideConfig{
		PersonaID:   p.ID,
		Provider:    p.Provider,
		Model:       p.Model,
		Temperature: p.Temperature,
	}, nil
}

// printEvents streams conversation events to stdout until the subscription
// closes.
func printEvents(sub *broadcast.Subscription) {
	for ev := range sub.Events() {
		switch ev.Name {
		case broadcast.EventChunk:
			if chunk, ok := ev.Data["chunk"].(string); ok {
				fmt.Print(chunk)
			}
		case broadcast.EventTurnCompleted:
			persona, _ := ev.Data["persona"].(string)
			fmt.Printf("\n--- %s ---\n", persona)
		case broadcast.EventStatusChanged:
			status, _ := ev.Data["status"].(string)
			fmt.Printf("\n[status: %s]\n", status)
		}
	}
}
