package authz

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern   string
		candidate string
		want      bool
	}{
		{"", "", true},
		{"", "x", false},
		{"*", "", true},
		{"*", "anything at all", true},
		{"read", "read", true},
		{"read", "reads", false},
		{"Read", "read", false},
		{"db:*", "db:balance", true},
		{"db:*", "db:", true},
		{"db:*", "cache:balance", false},
		{"*:read", "db:read", true},
		{"*:read", "db:write", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "acb", false},
		{"/docs/*/file-*", "/docs/team-1/file-9", true},
		{"/docs/*/file-*", "/docs/file-9", false},
		{"**", "whatever", true},
		{"*", "*", true},
		{"a*", "a", true},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.candidate); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.candidate, got, tc.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"db:read", "cache:*"}
	if !MatchAny(patterns, "cache:flush") {
		t.Fatal("expected cache:flush to match")
	}
	if MatchAny(patterns, "db:write") {
		t.Fatal("did not expect db:write to match")
	}
	if MatchAny(nil, "anything") {
		t.Fatal("empty pattern list must not match")
	}
}
