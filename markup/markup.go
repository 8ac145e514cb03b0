// Package markup reduces forum post bodies to plain text snippets.
// Post bodies use []-style markup tags; events carry only a short
// stripped excerpt, never the raw body.
package markup

import (
	"regexp"
	"strings"
)

// SnippetLen is the maximum snippet length in runes.
const SnippetLen = 200

var (
	tagRe   = regexp.MustCompile(`\[/?[a-zA-Z][^\]]*\]`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Strip removes []-style tags and collapses runs of whitespace to a
// single space. Unbalanced or unknown tags are removed the same way;
// bare brackets without a letter after them are left alone.
func Strip(s string) string {
	if s == "" {
		return ""
	}
	s = tagRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Snippet strips s and truncates it to SnippetLen runes.
func Snippet(s string) string {
	return SnippetN(s, SnippetLen)
}

// SnippetN strips s and truncates it to at most n runes.
func SnippetN(s string, n int) string {
	s = Strip(s)
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
