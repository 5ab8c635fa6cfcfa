package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for driver operations.
var (
	// ErrTransient marks a retry-safe failure class (timeouts, rate
	// limits, connection resets). Callers check it with IsTransient.
	ErrTransient = errors.New("transient provider error")

	// ErrNotRegistered indicates no factory exists for a provider key.
	ErrNotRegistered = errors.New("provider not registered")

	// ErrEmptyPrompt indicates a driver call with no messages.
	ErrEmptyPrompt = errors.New("empty prompt")
)

// transientPatterns groups error substrings by failure category, matched
// case-insensitively against err.Error().
//
// NOTE: String matching is used because Genkit and the provider SDKs do not
// expose typed errors for transient failures. Re-evaluate if that changes.
var transientPatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// temperaturePatterns match backends rejecting the temperature parameter
// (fixed-temperature models). Such errors are handled inside the driver by
// retrying once without the parameter and never reach callers.
var temperaturePatterns = []string{
	"temperature is not supported",
	"does not support temperature",
	"unsupported parameter: 'temperature'",
	"unsupported value: 'temperature'",
	"invalid temperature",
}

// IsTransient reports whether err belongs to the retry-safe failure class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classify wraps transient-looking errors with ErrTransient so callers can
// branch on the class without string matching of their own.
func classify(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	for _, group := range transientPatterns {
		if containsAny(errStr, group...) {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}
	return err
}

// temperatureRejected reports whether err indicates the backend refused the
// temperature parameter.
func temperatureRejected(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), temperaturePatterns...)
}

// canRetryWithoutTemperature reports whether a rejected temperature may be
// retried transparently. Once chunks have reached the consumer a retry
// would replay them, so the rejection surfaces as an error instead.
func canRetryWithoutTemperature(err error, pushed bool) bool {
	return temperatureRejected(err) && !pushed
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
