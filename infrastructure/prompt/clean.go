package prompt

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var quoteReplacer = strings.NewReplacer(
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"‘", "'", // left single quote
	"’", "'", // right single quote
)

// NormalizeText prepares conversation text for prompting: Unicode NFC,
// straightened quotes, collapsed whitespace, and a terminal sentence mark
// so the model never sees a dangling fragment. Deterministic, so the same
// conversation always produces the same prompt and the same cache key.
func NormalizeText(text string) string {
	text = norm.NFC.String(text)
	text = quoteReplacer.Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return text
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
	default:
		text += "."
	}
	return text
}
