// Package textnorm canonicalizes transcript and caption text before scoring.
package textnorm

import (
	"strings"
	"unicode"
)

// Normalize lowercases s, strips punctuation and symbols, collapses runs of
// whitespace to a single space and trims the ends. Normalize(Normalize(s))
// equals Normalize(s) for every input.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Words returns the whitespace-separated tokens of the normalized text.
func Words(s string) []string {
	return strings.Fields(Normalize(s))
}
