package router

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Query normalization shares one compiled regex set across all workers;
// compiled once, read-only after init.
var (
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
)

// normalizeQuery lowercases, applies NFKC folding and collapses
// punctuation and whitespace. The result is the cache key.
func normalizeQuery(q string) string {
	q = norm.NFKC.String(q)
	q = strings.ToLower(q)
	q = nonWordRe.ReplaceAllString(q, " ")
	q = multiSpaceRe.ReplaceAllString(q, " ")
	return strings.TrimSpace(q)
}

// tokenize splits a normalized string into terms.
func tokenize(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}
