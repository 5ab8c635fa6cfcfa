// Package orchestrator drives conversations through their state machine:
// it advances one persona turn per invocation and reports whether the
// conversation should be scheduled again.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/duolab/duologue/internal/provider"
	"github.com/duolab/duologue/internal/stopword"
	"github.com/duolab/duologue/internal/store"
	"github.com/duolab/duologue/internal/turn"
)

// Defaults for retry and pacing behavior.
const (
	DefaultMaxAttempts     = 3
	DefaultRetryDelay      = 2 * time.Second
	DefaultEmptyAttempts   = 2
	DefaultEmptyRetryDelay = time.Second
	DefaultInterTurnDelay  = 2 * time.Second
	DefaultHistoryWindow   = 10
	DefaultFallbackMessage = "I have nothing to add at this point."
)

// Outcome reports what happened during a round invocation.
type Outcome int

const (
	// OutcomeContinued means the turn was persisted and the conversation
	// should be scheduled for another round.
	OutcomeContinued Outcome = iota
	// OutcomeCompleted means the conversation reached a terminal
	// completed state during this round.
	OutcomeCompleted
	// OutcomeFailed means the conversation was marked failed.
	OutcomeFailed
	// OutcomeSkipped means read-only mode was active and nothing ran.
	OutcomeSkipped
	// OutcomeNoop means the conversation was not active to begin with.
	OutcomeNoop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinued:
		return "continued"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// ConversationStore is the persistence surface the orchestrator reads and
// mutates.
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error)
	GetPersona(ctx context.Context, id uuid.UUID) (*store.Persona, error)
	UpdateConversationStatus(ctx context.Context, id uuid.UUID, status store.Status, errorMessage string) error
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*store.Message, error)
	CountAssistantMessages(ctx context.Context, conversationID uuid.UUID) (int, error)
}

// TurnGenerator produces and persists persona turns.
type TurnGenerator interface {
	Generate(ctx context.Context, persona *store.Persona, conversationID uuid.UUID, history []*store.Message) (*turn.Result, error)
	SaveTurn(ctx context.Context, conversationID, personaID uuid.UUID, content string, tokensUsed int) (*store.Message, error)
}

// Events is the broadcast surface. Return values are observability only.
type Events interface {
	Chunk(ctx context.Context, conversationID uuid.UUID, personaName, role, text string) bool
	TurnCompleted(ctx context.Context, conversationID uuid.UUID, personaName string, sequence int, content string) bool
	StatusChanged(ctx context.Context, conversationID uuid.UUID, status string) bool
	Failed(ctx context.Context, conversationID uuid.UUID, reason string) bool
}

// TranscriptWriter renders a completed conversation into an artifact and
// returns its path.
type TranscriptWriter interface {
	Generate(ctx context.Context, conv *store.Conversation) (string, error)
}

// Notifier queues user-facing notifications. Delivery is fire and forget.
type Notifier interface {
	ConversationCompleted(ctx context.Context, conv *store.Conversation, transcriptPath string) error
	ConversationFailed(ctx context.Context, conv *store.Conversation, reason string) error
}

// Config holds the externally supplied knobs. Zero values fall back to the
// package defaults.
type Config struct {
	// MaxAttempts is the total number of driver invocations allowed for a
	// turn before a transient failure becomes a conversation failure.
	MaxAttempts int
	// RetryDelay is the pause between transient-failure attempts.
	RetryDelay time.Duration
	// EmptyAttempts is the total number of generator invocations allowed
	// before an empty turn is replaced by FallbackMessage.
	EmptyAttempts int
	// EmptyRetryDelay is the pause between empty-turn attempts.
	EmptyRetryDelay time.Duration
	// FallbackMessage is persisted when every attempt yields empty text.
	FallbackMessage string
	// InterTurnDelay is the pause the runner applies between rounds.
	InterTurnDelay time.Duration
	// HistoryWindow is the trailing message count loaded each round.
	HistoryWindow int32
	// ProviderRPS throttles driver invocations across all conversations.
	// Zero disables throttling.
	ProviderRPS   float64
	ProviderBurst int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.EmptyAttempts <= 0 {
		c.EmptyAttempts = DefaultEmptyAttempts
	}
	if c.EmptyRetryDelay <= 0 {
		c.EmptyRetryDelay = DefaultEmptyRetryDelay
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallbackMessage
	}
	if c.InterTurnDelay <= 0 {
		c.InterTurnDelay = DefaultInterTurnDelay
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.ProviderBurst <= 0 {
		c.ProviderBurst = 1
	}
}

// Orchestrator advances conversations one round at a time.
type Orchestrator struct {
	stores      ConversationStore
	generator   TurnGenerator
	events      Events
	transcripts TranscriptWriter
	notifier    Notifier
	readOnly    func() bool
	limiter     *rate.Limiter
	cfg         Config
	logger      *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. transcripts and notifier may be nil; events
// must not be. readOnly may be nil, meaning the flag is never set.
func New(stores ConversationStore, generator TurnGenerator, events Events, transcripts TranscriptWriter, notifier Notifier, readOnly func() bool, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if readOnly == nil {
		readOnly = func() bool { return false }
	}
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.ProviderRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst)
	}

	return &Orchestrator{
		stores:      stores,
		generator:   generator,
		events:      events,
		transcripts: transcripts,
		notifier:    notifier,
		readOnly:    readOnly,
		limiter:     limiter,
		cfg:         cfg,
		logger:      logger.With("component", "orchestrator"),
		sleep:       sleepCtx,
	}
}

// RunRound executes at most one persona turn for the conversation and
// returns the resulting outcome. Errors are returned only for infrastructure
// problems (store unreachable); provider failures surface as OutcomeFailed
// with the conversation marked accordingly.
func (o *Orchestrator) RunRound(ctx context.Context, conversationID uuid.UUID) (Outcome, error) {
	if o.readOnly() {
		o.logger.Info("read-only mode active, skipping round",
			"conversation_id", conversationID)
		return OutcomeSkipped, nil
	}

	conv, err := o.stores.GetConversation(ctx, conversationID)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status != store.StatusActive {
		return OutcomeNoop, nil
	}

	turnsDone, err := o.stores.CountAssistantMessages(ctx, conv.ID)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("count turns: %w", err)
	}
	round := turnsDone + 1
	if round > conv.MaxRounds {
		return o.complete(ctx, conv), nil
	}

	side := conv.PersonaA
	if round%2 == 0 {
		side = conv.PersonaB
	}
	persona, err := o.stores.GetPersona(ctx, side.PersonaID)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("load persona: %w", err)
	}
	applySnapshot(persona, side)

	history, err := o.stores.RecentMessages(ctx, conv.ID, o.cfg.HistoryWindow)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("load history: %w", err)
	}

	text, tokens, genErr := o.produceTurn(ctx, conv, persona, history, round)
	if genErr != nil {
		return o.fail(ctx, conv, genErr), nil
	}

	saved, err := o.generator.SaveTurn(ctx, conv.ID, persona.ID, text, tokens)
	if err != nil {
		return o.fail(ctx, conv, err), nil
	}

	o.events.TurnCompleted(ctx, conv.ID, persona.Name, saved.SequenceNumber, saved.Content)
	o.logger.Info("turn persisted",
		"conversation_id", conv.ID,
		"round", round,
		"persona", persona.Name,
		"tokens", tokens)

	if conv.StopWordsEnabled && stopword.ShouldStopWithThreshold(text, conv.StopWords, conv.StopThreshold) {
		o.logger.Info("stop words triggered",
			"conversation_id", conv.ID,
			"round", round)
		return o.complete(ctx, conv), nil
	}
	if round >= conv.MaxRounds {
		return o.complete(ctx, conv), nil
	}
	return OutcomeContinued, nil
}

// produceTurn runs the generate-drain cycle with both retry policies:
// transient driver failures and empty responses. On exhaustion of the empty
// retries the configured fallback message is substituted.
func (o *Orchestrator) produceTurn(ctx context.Context, conv *store.Conversation, persona *store.Persona, history []*store.Message, round int) (string, int, error) {
	var (
		text   string
		tokens int
	)
	for attempt := 1; ; attempt++ {
		var err error
		text, tokens, err = o.generateOnce(ctx, conv, persona, history)
		if err != nil {
			return "", 0, err
		}
		if strings.TrimSpace(text) != "" {
			return text, tokens, nil
		}
		if attempt >= o.cfg.EmptyAttempts {
			break
		}
		o.logger.Debug("empty turn, retrying",
			"conversation_id", conv.ID,
			"round", round,
			"attempt", attempt)
		if err := o.sleep(ctx, o.cfg.EmptyRetryDelay); err != nil {
			return "", 0, err
		}
	}

	o.logger.Warn("empty turn after retries, substituting fallback",
		"conversation_id", conv.ID,
		"round", round)
	return o.cfg.FallbackMessage, tokens, nil
}

// generateOnce performs one full generation with transient retries: invoke
// the driver, drain the stream broadcasting every chunk, and collect token
// usage. Non-transient errors return immediately.
func (o *Orchestrator) generateOnce(ctx context.Context, conv *store.Conversation, persona *store.Persona, history []*store.Message) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.cfg.RetryDelay); err != nil {
				return "", 0, err
			}
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return "", 0, err
			}
		}

		text, tokens, err := o.drainTurn(ctx, conv, persona, history)
		if err == nil {
			return text, tokens, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return "", 0, err
		}
		o.logger.Warn("transient provider error",
			"conversation_id", conv.ID,
			"persona", persona.Name,
			"attempt", attempt,
			"error", err)
	}
	return "", 0, lastErr
}

// drainTurn invokes the generator once and drains its stream, broadcasting
// each chunk as it arrives.
func (o *Orchestrator) drainTurn(ctx context.Context, conv *store.Conversation, persona *store.Persona, history []*store.Message) (string, int, error) {
	res, err := o.generator.Generate(ctx, persona, conv.ID, history)
	if err != nil {
		return "", 0, err
	}

	var sb strings.Builder
	for res.Stream.Next() {
		chunk := res.Stream.Text()
		sb.WriteString(chunk)
		o.events.Chunk(ctx, conv.ID, persona.Name, string(store.RoleAssistant), chunk)
	}
	if err := res.Stream.Err(); err != nil {
		return "", 0, err
	}

	tokens, _ := res.Stream.Usage()
	return sb.String(), tokens, nil
}

// complete transitions the conversation to completed: transcript artifact,
// status broadcast, opt-in notification. Post-transition failures are logged
// and swallowed.
func (o *Orchestrator) complete(ctx context.Context, conv *store.Conversation) Outcome {
	if err := o.stores.UpdateConversationStatus(ctx, conv.ID, store.StatusCompleted, ""); err != nil {
		o.logger.Error("status update to completed failed",
			"conversation_id", conv.ID,
			"error", err)
		return OutcomeNoop
	}
	conv.Status = store.StatusCompleted

	var transcriptPath string
	if o.transcripts != nil {
		path, err := o.transcripts.Generate(ctx, conv)
		if err != nil {
			o.logger.Warn("transcript generation failed",
				"conversation_id", conv.ID,
				"error", err)
		} else {
			transcriptPath = path
		}
	}

	o.events.StatusChanged(ctx, conv.ID, string(store.StatusCompleted))

	if o.notifier != nil && conv.NotifyOnCompleted() {
		if err := o.notifier.ConversationCompleted(ctx, conv, transcriptPath); err != nil {
			o.logger.Warn("completion notification failed",
				"conversation_id", conv.ID,
				"error", err)
		}
	}

	o.logger.Info("conversation completed", "conversation_id", conv.ID)
	return OutcomeCompleted
}

// fail transitions the conversation to failed with the causing error.
func (o *Orchestrator) fail(ctx context.Context, conv *store.Conversation, cause error) Outcome {
	reason := cause.Error()
	if err := o.stores.UpdateConversationStatus(ctx, conv.ID, store.StatusFailed, reason); err != nil {
		o.logger.Error("status update to failed failed",
			"conversation_id", conv.ID,
			"error", err)
		return OutcomeNoop
	}
	conv.Status = store.StatusFailed
	conv.ErrorMessage = reason

	o.events.StatusChanged(ctx, conv.ID, string(store.StatusFailed))
	o.events.Failed(ctx, conv.ID, reason)

	if o.notifier != nil && conv.NotifyOnFailed() {
		if err := o.notifier.ConversationFailed(ctx, conv, reason); err != nil {
			o.logger.Warn("failure notification failed",
				"conversation_id", conv.ID,
				"error", err)
		}
	}

	o.logger.Error("conversation failed",
		"conversation_id", conv.ID,
		"reason", reason)
	return OutcomeFailed
}

// applySnapshot replaces the live persona's provider settings with the
// per-conversation snapshot captured at creation time. The snapshot is
// authoritative even at its zero values: temperature 0.0 is a valid
// sampling setting, not an absence.
func applySnapshot(p *store.Persona, side store.SideConfig) {
	p.Provider = side.Provider
	p.Model = side.Model
	p.Temperature = side.Temperature
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
