// Package moderation validates and sanitizes chat message content before it
// is relayed. Checks run in a fixed order and the first failure wins, so
// clients always see a deterministic rejection reason.
package moderation

import "strings"

// Sanitize strips NUL bytes and non-printable control characters from text,
// then trims surrounding whitespace. Horizontal tab and newline survive;
// everything else in the C0 and C1 ranges (plus DEL) is removed.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\t' || r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
