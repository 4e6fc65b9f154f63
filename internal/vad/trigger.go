package vad

import "strings"

const tokenCutset = " ,.!?;:-\"'`~"

// TriggerMatcher matches finalized short utterances against the configured
// wake tokens. Matching is case-insensitive and accepts an exact token or a
// token bounded by whitespace; a token embedded inside a longer word never
// matches ("v" matches, "vegetable" does not).
type TriggerMatcher struct {
	tokens map[string]struct{}
}

func NewTriggerMatcher(tokens []string) *TriggerMatcher {
	m := &TriggerMatcher{tokens: make(map[string]struct{}, len(tokens))}
	for _, tok := range tokens {
		tok = normalizeToken(tok)
		if tok == "" {
			continue
		}
		m.tokens[tok] = struct{}{}
	}
	return m
}

// Match reports whether text contains a trigger token, returning the token
// that matched.
func (m *TriggerMatcher) Match(text string) (string, bool) {
	if len(m.tokens) == 0 {
		return "", false
	}

	if tok := normalizeToken(text); tok != "" {
		if _, ok := m.tokens[tok]; ok {
			return tok, true
		}
	}

	for _, word := range strings.Fields(text) {
		tok := normalizeToken(word)
		if tok == "" {
			continue
		}
		if _, ok := m.tokens[tok]; ok {
			return tok, true
		}
	}
	return "", false
}

func normalizeToken(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), tokenCutset)
}
