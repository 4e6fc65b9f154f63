package vad

import "testing"

func TestTriggerMatcherExactToken(t *testing.T) {
	t.Parallel()

	m := NewTriggerMatcher([]string{"v", "vee"})

	cases := []struct {
		text  string
		token string
		want  bool
	}{
		{"v", "v", true},
		{"V", "v", true},
		{"Vee", "vee", true},
		{"vee.", "vee", true},
		{"Vee!", "vee", true},
		{" v ", "v", true},
		{"hey vee", "vee", true},
		{"vee please", "vee", true},
		{"veer", "", false},
		{"vegetable", "", false},
		{"evee", "", false},
		{"hello there", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		token, ok := m.Match(tc.text)
		if ok != tc.want {
			t.Fatalf("Match(%q): got ok=%v, want %v", tc.text, ok, tc.want)
		}
		if ok && token != tc.token {
			t.Fatalf("Match(%q): got token %q, want %q", tc.text, token, tc.token)
		}
	}
}

func TestTriggerMatcherEmptyTokenSet(t *testing.T) {
	t.Parallel()

	m := NewTriggerMatcher(nil)
	if _, ok := m.Match("v"); ok {
		t.Fatalf("empty token set must never match")
	}
}

func TestTriggerMatcherNormalizesConfiguredTokens(t *testing.T) {
	t.Parallel()

	m := NewTriggerMatcher([]string{" Vee! ", ""})
	if _, ok := m.Match("vee"); !ok {
		t.Fatalf("configured token was not normalized")
	}
}
