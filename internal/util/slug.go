package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// slugFallback is used when a title reduces to nothing URL-safe.
const slugFallback = "doc"

// deaccent strips combining marks so "é" folds to "e" before slugging.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify derives a URL-safe slug from a document title: lower-case,
// accents folded to ASCII, runs of anything else collapsed to single
// hyphens, leading and trailing hyphens trimmed. Output always matches
// ^[a-z0-9-]+$ and is never empty.
func Slugify(title string) string {
	text := strings.TrimSpace(title)
	if text == "" {
		return slugFallback
	}
	text = strings.ToLower(text)
	if folded, _, err := transform.String(deaccent, text); err == nil {
		text = folded
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	if b.Len() == 0 {
		return slugFallback
	}
	return b.String()
}
