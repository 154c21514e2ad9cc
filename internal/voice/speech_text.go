package voice

import (
	"regexp"
	"strings"
)

var (
	speechMarkdownLinkPattern = regexp.MustCompile(`(?s)\[(.*?)\]\(.*?\)`)
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechWhitespacePattern   = regexp.MustCompile(`\s+`)
)

// SanitizeSpeechText strips link markup and bare URLs from a comment body so it reads
// naturally when spoken. The result is idempotent.
func SanitizeSpeechText(raw string) string {
	if raw == "" {
		return ""
	}

	// Each pass can expose new link syntax, e.g. a nested label or two halves joined
	// by whitespace collapse; repeat until the text is stable.
	for {
		next := sanitizeSpeechPass(raw)
		if next == raw {
			return next
		}
		raw = next
	}
}

func sanitizeSpeechPass(raw string) string {
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, "")
	raw = speechWhitespacePattern.ReplaceAllString(raw, " ")
	return strings.TrimSpace(raw)
}
