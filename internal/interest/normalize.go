// Package interest converts free-text interest strings into canonical token
// sets and computes the mutual overlap two users must share to be paired.
package interest

import (
	"sort"
	"strings"
)

// Normalize converts a free-text interest string into an ordered set of
// lowercase non-empty tokens. Tokens are separated by commas or semicolons,
// optionally followed by whitespace. Duplicates keep their first position.
// Malformed input degrades to fewer (or zero) tokens; it never errors.
func Normalize(text string) []string {
	if text == "" {
		return nil
	}

	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';'
	})

	var (
		tokens []string
		seen   = make(map[string]bool, len(fields))
	)
	for _, f := range fields {
		tok := strings.ToLower(strings.TrimSpace(f))
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	return tokens
}

// Intersect returns the tokens present in both sets, sorted alphabetically.
// Mutual-match compatibility is exactly "Intersect is non-empty".
func Intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}

	inA := make(map[string]bool, len(a))
	for _, tok := range a {
		inA[tok] = true
	}

	var shared []string
	seen := make(map[string]bool)
	for _, tok := range b {
		if inA[tok] && !seen[tok] {
			seen[tok] = true
			shared = append(shared, tok)
		}
	}
	sort.Strings(shared)
	return shared
}
