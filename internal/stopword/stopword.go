// Package stopword decides whether generated text should end a conversation
// early. Matching is case-insensitive; the threshold variant requires
// whole-word occurrences so "halt" does not fire on "exhalt".
package stopword

import (
	"regexp"
	"strings"
	"sync"
)

// Evaluator checks text against a configured stop-word list.
type Evaluator struct {
	words []string
}

// New creates an Evaluator for the given word list. Blank entries are
// dropped; an empty list never triggers a stop.
func New(words []string) *Evaluator {
	cleaned := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			cleaned = append(cleaned, w)
		}
	}
	return &Evaluator{words: cleaned}
}

// Words returns the configured word list.
func (e *Evaluator) Words() []string {
	out := make([]string, len(e.words))
	copy(out, e.words)
	return out
}

// ShouldStop reports whether text contains any configured stop word as a
// case-insensitive substring.
func (e *Evaluator) ShouldStop(text string) bool {
	if len(e.words) == 0 || text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range e.words {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// ShouldStopWithThreshold reports whether the fraction of words appearing in
// text as whole, case-insensitive words reaches ratio. The boundary is
// inclusive: a fraction exactly equal to ratio triggers. An empty word list
// never triggers.
func ShouldStopWithThreshold(text string, words []string, ratio float64) bool {
	if len(words) == 0 {
		return false
	}

	matched := 0
	total := 0
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		total++
		if wordPattern(w).MatchString(text) {
			matched++
		}
	}
	if total == 0 {
		return false
	}
	return float64(matched)/float64(total) >= ratio
}

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]*regexp.Regexp)
)

// wordPattern compiles (and caches) the whole-word matcher for one stop word.
func wordPattern(word string) *regexp.Regexp {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[word]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	patternCache[word] = re
	return re
}
