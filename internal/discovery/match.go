package discovery

import "strings"

// GenerateTokens builds the candidate token set used by the reuse-matching
// rule: exact lower-case, separators removed, separators as spaces, quoted
// forms, individual words, and reversed word order. It is a pure function of
// projectName so it can be tested independently of any HTTP response.
func GenerateTokens(projectName string) []string {
	if projectName == "" {
		return nil
	}

	lower := strings.ToLower(projectName)
	seen := make(map[string]bool)
	var tokens []string

	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		tokens = append(tokens, s)
	}

	add(lower)

	separators := []string{"-", "_", ".", " "}
	noSeparators := lower
	for _, sep := range separators {
		noSeparators = strings.ReplaceAll(noSeparators, sep, "")
	}
	add(noSeparators)

	spaced := lower
	for _, sep := range []string{"-", "_", "."} {
		spaced = strings.ReplaceAll(spaced, sep, " ")
	}
	add(spaced)

	add(`"` + lower + `"`)
	add(`'` + lower + `'`)

	words := strings.Fields(spaced)
	for _, w := range words {
		add(w)
	}

	if len(words) > 1 {
		reversed := make([]string, len(words))
		for i, w := range words {
			reversed[len(words)-1-i] = w
		}
		add(strings.Join(reversed, " "))
	}

	return tokens
}

// MatchesAny reports whether body contains any of tokens (case-insensitive;
// tokens are already lower-cased by GenerateTokens). Ties among multiple
// matching responders are broken by the caller (FindBest: lowest port).
func MatchesAny(body string, tokens []string) bool {
	lower := strings.ToLower(body)
	for _, tok := range tokens {
		if tok != "" && strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
