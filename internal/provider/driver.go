// Package provider abstracts LLM backends behind a uniform Driver interface.
//
// A Driver produces either a complete response plus token count (Chat) or a
// lazy, finite, non-restartable chunk stream (StreamChat) whose token usage
// becomes readable once the stream is drained. Drivers classify failures as
// transient (retry-safe: timeouts, rate limits, connection resets) or hard
// (credentials, malformed requests); callers decide the retry policy.
//
// Drivers are resolved at runtime from a string-keyed Registry, so adding a
// backend means registering a factory, not branching logic.
package provider

import "context"

// Role tags an entry of the prompt message list.
type Role string

// Prompt message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a prompt.
type Message struct {
	Role    Role
	Content string
}

// Driver is a uniform interface over heterogeneous LLM backends.
//
// Implementations must tolerate backends that reject the sampling
// temperature (fixed-temperature models) by transparently retrying once
// without the parameter; such rejection is never surfaced to the caller.
type Driver interface {
	// Name returns the provider identifier this driver serves.
	Name() string

	// Chat produces a single complete text response and the total token
	// count reported by the backend (0 when the backend reports none).
	Chat(ctx context.Context, messages []Message, temperature float32) (string, int, error)

	// StreamChat produces a lazy chunk stream. The stream is finite and
	// non-restartable; Usage() on the returned stream is valid only after
	// the stream is fully drained.
	StreamChat(ctx context.Context, messages []Message, temperature float32) (*Stream, error)
}
