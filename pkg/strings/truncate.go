// Package strings holds small text helpers for values that came from
// outside the process.
package strings

import (
	"strings"
)

// MinTruncateLen is the smallest maxLen SingleLine honours; anything lower
// would not leave room for content plus "...".
const MinTruncateLen = 4

// SingleLine collapses all whitespace runs (including newlines) into single
// spaces and truncates the result to maxLen runes, ending in "..." when
// shortened. maxLen below MinTruncateLen is raised to MinTruncateLen.
func SingleLine(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
