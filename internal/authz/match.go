package authz

import "strings"

// Match reports whether candidate matches pattern. The only wildcard is
// `*`, which matches any run of characters including the empty run; the
// match is anchored over the whole string and case-sensitive. An empty
// pattern matches only the empty candidate.
func Match(pattern, candidate string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.ContainsRune(pattern, '*') {
		return pattern == candidate
	}

	// Greedy two-pointer scan with backtracking to the last star.
	p, c := 0, 0
	starP, starC := -1, -1
	for c < len(candidate) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			starP, starC = p, c
			p++
		case p < len(pattern) && pattern[p] == candidate[c]:
			p++
			c++
		case starP >= 0:
			starC++
			c = starC
			p = starP + 1
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// MatchAny reports whether candidate matches at least one pattern.
// Statement pattern lists are OR'd.
func MatchAny(patterns []string, candidate string) bool {
	for _, p := range patterns {
		if Match(p, candidate) {
			return true
		}
	}
	return false
}
