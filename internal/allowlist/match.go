package allowlist

import (
	"strings"
	"unicode"
)

// Matches reports whether pattern is approved by any entry of set.
//
// Rules, first hit wins: exact membership; for shell patterns, a stored
// command approves any command that equals it or extends it past a word
// boundary (`pnpm build` approves `pnpm build 2>&1` but not `pnpm buildx`);
// a stored pattern ending in `*)` or `*` approves anything sharing its
// prefix up to the wildcard.
func Matches(pattern string, set []string) bool {
	for _, stored := range set {
		if matchOne(stored, pattern) {
			return true
		}
	}
	return false
}

func matchOne(stored, pattern string) bool {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return false
	}
	if stored == pattern {
		return true
	}
	if prefix, ok := wildcardPrefix(stored); ok {
		return strings.HasPrefix(pattern, prefix)
	}
	sTool, sCmd, sOK := split(stored)
	pTool, pCmd, pOK := split(pattern)
	if !sOK || !pOK || sTool != pTool || !IsShellTool(sTool) {
		return false
	}
	return commandPrefix(sCmd, pCmd)
}

func wildcardPrefix(stored string) (string, bool) {
	switch {
	case strings.HasSuffix(stored, "*)"):
		return stored[:len(stored)-2], true
	case strings.HasSuffix(stored, "*"):
		return stored[:len(stored)-1], true
	}
	return "", false
}

func commandPrefix(approved, actual string) bool {
	approved = strings.TrimSpace(approved)
	actual = strings.TrimSpace(actual)
	if approved == "" || !strings.HasPrefix(actual, approved) {
		return false
	}
	if len(actual) == len(approved) {
		return true
	}
	next := rune(actual[len(approved)])
	return unicode.IsSpace(next)
}
