// Package textclean holds the text normalization shared by model training
// exports and inference. There must be exactly one copy of this logic.
package textclean

import (
	"regexp"
	"strings"
)

var (
	urlPattern   = regexp.MustCompile(`http\S+|www\S+|https\S+`)
	emailPattern = regexp.MustCompile(`\S+@\S+`)
	tagPattern   = regexp.MustCompile(`<.*?>`)
	nonLetter    = regexp.MustCompile(`[^a-z\s]`)
)

// MinTokenLen is the shortest token kept; shorter ones are dropped.
const MinTokenLen = 3

// Clean lower-cases text, strips URLs, addresses, markup and non-letters, then
// drops stop words and tokens shorter than MinTokenLen. Clean is idempotent.
func Clean(text string) string {
	text = strings.ToLower(text)
	text = strings.Join(strings.Fields(text), " ")
	text = urlPattern.ReplaceAllString(text, "")
	text = emailPattern.ReplaceAllString(text, "")
	text = tagPattern.ReplaceAllString(text, "")
	text = nonLetter.ReplaceAllString(text, "")

	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		// Stripping punctuation can glue a url prefix back together
		// ("ww-w" -> "www"); cut it here so a second pass finds nothing.
		w = cutURLRemnant(w)
		if len(w) < MinTokenLen {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// Tokens returns the whitespace-separated tokens of Clean(text).
func Tokens(text string) []string {
	return strings.Fields(Clean(text))
}

// cutURLRemnant cuts w at the first "http" or "www" that has at least one
// character after it, the same tokens urlPattern would remove. A bare marker
// at the end of w is kept.
func cutURLRemnant(w string) string {
	cut := len(w)
	for _, marker := range []string{"http", "www"} {
		if i := strings.Index(w, marker); i >= 0 && i+len(marker) < len(w) && i < cut {
			cut = i
		}
	}
	return w[:cut]
}
