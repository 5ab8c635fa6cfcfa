// Package notify queues user-facing notifications about conversation
// lifecycle events. The default implementation records them to the log;
// a mail or push backend can replace it behind the same interface.
package notify

import (
	"context"
	"log/slog"

	"github.com/duolab/duologue/internal/store"
)

// LogNotifier writes notifications to structured logs. It stands in for an
// outbound delivery channel in single-process deployments.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// ConversationCompleted records a completion notification for the owner.
func (n *LogNotifier) ConversationCompleted(_ context.Context, conv *store.Conversation, transcriptPath string) error {
	n.logger.Info("notification queued",
		"kind", "conversation_completed",
		"user_id", conv.UserID,
		"conversation_id", conv.ID,
		"transcript", transcriptPath)
	return nil
}

// ConversationFailed records a failure notification for the owner.
func (n *LogNotifier) ConversationFailed(_ context.Context, conv *store.Conversation, reason string) error {
	n.logger.Info("notification queued",
		"kind", "conversation_failed",
		"user_id", conv.UserID,
		"conversation_id", conv.ID,
		"reason", reason)
	return nil
}
