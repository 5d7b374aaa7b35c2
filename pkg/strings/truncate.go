// Package strings holds small text helpers shared across subsystems.
package strings

import (
	"strings"
)

// MinTruncateLen is the smallest usable maxLen; anything shorter leaves no
// room for content plus "...".
const MinTruncateLen = 4

// Truncate collapses s to a single line and cuts it to maxLen runes,
// appending "..." when something was dropped. Used for embedding stderr,
// response bodies and goals in log lines and error contexts.
func Truncate(s string, maxLen int) string {
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
