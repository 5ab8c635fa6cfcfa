package store

import "errors"

// Sentinel errors for store operations. Wrap with fmt.Errorf("%w", ...)
// and check with errors.Is().
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrIllegalTransition indicates a conversation status update that is
	// not a legal forward transition (the conversation is no longer active).
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrNegativeTokens indicates a caller supplied a negative token count.
	ErrNegativeTokens = errors.New("negative token usage")
)
