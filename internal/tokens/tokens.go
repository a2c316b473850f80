// Package tokens approximates LLM token counts for rendered documents.
package tokens

import "unicode/utf8"

// charsPerToken is the rough character-to-token ratio used for English prose.
const charsPerToken = 4

// Estimate returns ceil(runes/4) for s. Code points are counted instead of bytes so
// Markdown and HTML estimates stay comparable for non-ASCII content.
func Estimate(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}
