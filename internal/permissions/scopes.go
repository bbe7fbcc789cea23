// Package permissions decides what an authenticated principal may do. It
// owns the scope vocabulary, the implication closure, skill risk levels,
// and the per-credential policy overlay.
package permissions

import (
	"sort"
	"strings"
)

// The fixed scope vocabulary. Skill-specific grants use SkillScope.
const (
	ScopeRead       = "read"
	ScopeWrite      = "write"
	ScopeExecute    = "execute"
	ScopeChat       = "chat"
	ScopeChatStream = "chat:stream"
	ScopeToolCall   = "tool:call"
	ScopeAdmin      = "admin"
)

const skillScopePrefix = "skill:"

// SkillScope returns the scope string granting one specific skill.
func SkillScope(name string) string { return skillScopePrefix + name }

// implications maps a scope to the scopes it grants directly. The closure
// of this table defines the effective permission set.
var implications = map[string][]string{
	ScopeAdmin:   {ScopeRead, ScopeWrite, ScopeExecute, ScopeChat, ScopeChatStream, ScopeToolCall},
	ScopeExecute: {ScopeRead, ScopeWrite},
	ScopeWrite:   {ScopeRead},
}

// Expand computes the closure of a raw scope set under the implication
// table. Every input scope is present in the result.
func Expand(scopes []string) map[string]bool {
	out := make(map[string]bool, len(scopes))
	var walk func(string)
	walk = func(s string) {
		if out[s] {
			return
		}
		out[s] = true
		for _, implied := range implications[s] {
			walk(implied)
		}
	}
	for _, s := range scopes {
		walk(s)
	}
	return out
}

// ExpandSorted returns the closure as a sorted slice, for display and
// token embedding.
func ExpandSorted(scopes []string) []string {
	set := Expand(scopes)
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HasScope reports whether the closure of scopes contains want.
func HasScope(scopes []string, want string) bool {
	return Expand(scopes)[want]
}

// Known reports whether s belongs to the scope vocabulary: either one of
// the fixed scopes or a non-empty skill scope.
func Known(s string) bool {
	switch s {
	case ScopeRead, ScopeWrite, ScopeExecute, ScopeChat, ScopeChatStream, ScopeToolCall, ScopeAdmin:
		return true
	}
	return strings.HasPrefix(s, skillScopePrefix) && len(s) > len(skillScopePrefix)
}
