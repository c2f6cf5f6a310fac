package contacts

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeToken lowercases s and strips combining diacritics, so "Dvořák"
// indexes and queries as "dvorak".
func normalizeToken(s string) string {
	out, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// searchTokens builds the prefix token set for a contact. Each of email and
// name is split on non-alphanumeric boundaries; every resulting word yields
// all of its non-empty prefixes (letter-by-letter growth). Tokens are
// normalized and recorded at most once, which bounds the index to O(total
// characters) while still answering type-ahead prefix queries.
func searchTokens(email, name string) []string {
	seen := make(map[string]struct{})
	var tokens []string

	for _, source := range []string{email, name} {
		for _, word := range splitWords(normalizeToken(source)) {
			r := []rune(word)
			for i := 1; i <= len(r); i++ {
				prefix := string(r[:i])
				if _, ok := seen[prefix]; ok {
					continue
				}
				seen[prefix] = struct{}{}
				tokens = append(tokens, prefix)
			}
		}
	}

	return tokens
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
