package attachment

import (
	"fmt"
	"strings"
)

// DefaultTokenBudget is the fallback limit when none is configured (§4.5.4).
const DefaultTokenBudget = 50000

// estimatedTokens approximates token count as len(text)/4, the heuristic
// §4.5.4 specifies.
func estimatedTokens(text string) int {
	return len(text) / 4
}

// truncateToBudget cuts text to roughly limit tokens, preferring to break at
// the last newline or sentence boundary within the final 20% of the allowed
// character range, and appends a marker noting the original token count
// (§4.5.4).
func truncateToBudget(text string, limit int) string {
	if limit <= 0 {
		limit = DefaultTokenBudget
	}
	originalTokens := estimatedTokens(text)
	if originalTokens <= limit {
		return text
	}

	maxChars := limit * 4
	if maxChars >= len(text) {
		return text
	}

	cut := maxChars
	windowStart := maxChars - maxChars/5 // final 20% of the allowed range
	if windowStart < 0 {
		windowStart = 0
	}

	best := -1
	for _, boundary := range []byte{'\n', '.', '!', '?'} {
		if idx := strings.LastIndexByte(text[windowStart:maxChars], boundary); idx >= 0 {
			candidate := windowStart + idx + 1
			if candidate > best {
				best = candidate
			}
		}
	}
	if best > 0 {
		cut = best
	}

	truncated := strings.TrimRight(text[:cut], " \t\n")
	return fmt.Sprintf("%s\n\n[... truncated; original content was approximately %d tokens, limit %d ...]", truncated, originalTokens, limit)
}
