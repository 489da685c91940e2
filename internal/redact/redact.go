// Package redact masks personal data in outbound text.
package redact

import "regexp"

// Placeholder replaces every masked substring.
const Placeholder = "[REDACTED]"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// The phone number is capture group 1; the surrounding boundary
	// characters are matched but kept.
	phonePattern = regexp.MustCompile(`(?:\b|\D)(\d{3}[-.]?\d{3}[-.]?\d{4})(?:\b|\D)`)
)

// Redact masks email addresses and 10-digit phone numbers in text and
// reports whether anything was replaced. It is pure and idempotent.
func Redact(text string) (string, bool) {
	redacted := false

	if emailPattern.MatchString(text) {
		text = emailPattern.ReplaceAllLiteralString(text, Placeholder)
		redacted = true
	}

	matches := phonePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) > 0 {
		redacted = true
		// Back to front so earlier offsets stay valid.
		for i := len(matches) - 1; i >= 0; i-- {
			start, end := matches[i][2], matches[i][3]
			text = text[:start] + Placeholder + text[end:]
		}
	}

	return text, redacted
}
