// Package text normalizes synthesis input before it is queued.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Normalizer cleans text for the synthesis engine. It is safe for
// concurrent use.
type Normalizer struct {
	whitespacePattern *regexp.Regexp
	punctuation       *strings.Replacer
}

// NewNormalizer creates a Normalizer with its patterns compiled.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		whitespacePattern: regexp.MustCompile(`\s+`),
		punctuation: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize strips control characters, collapses whitespace, folds smart
// quotes and dashes to ASCII and squeezes repeated punctuation. Runs of dots
// keep at most three.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}

		return r
	}, text)

	text = n.whitespacePattern.ReplaceAllString(text, " ")
	text = n.punctuation.Replace(text)

	return strings.TrimSpace(squeezePunctuation(text))
}

// Length returns the number of characters in text.
func Length(text string) int {
	return utf8.RuneCountInString(text)
}

func squeezePunctuation(text string) string {
	var (
		builder strings.Builder
		last    rune
		run     int
	)

	builder.Grow(len(text))

	for _, char := range text {
		if char == last && unicode.IsPunct(char) {
			run++
		} else {
			run = 1
		}

		last = char

		limit := 1
		if char == '.' {
			limit = 3
		}

		if run <= limit || !unicode.IsPunct(char) {
			builder.WriteRune(char)
		}
	}

	return builder.String()
}
