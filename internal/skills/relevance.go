package skills

import (
	"sort"
	"strings"

	"github.com/raym33/lattice/internal/llm"
)

// MaxRelevantTools caps the tool set offered to the model for one request.
const MaxRelevantTools = 30

// minMatchedTools is the threshold below which the core skills are added.
const minMatchedTools = 3

// skillKeywords routes user input to skills. The table is data: adding a
// skill means adding a row, not changing the selection code.
var skillKeywords = map[string][]string{
	"datetime": {"time", "date", "today", "now", "clock", "day", "month", "year", "schedule"},
	"math":     {"calculate", "math", "sum", "add", "subtract", "multiply", "divide", "percent", "average", "sqrt", "power"},
	"text":     {"text", "uppercase", "lowercase", "count", "words", "characters", "trim", "replace", "reverse"},
	"fs":       {"file", "files", "directory", "folder", "read", "list", "path", "disk"},
	"json":     {"json", "parse", "pretty", "validate", "query", "field"},
}

// coreSkills pad the selection when keyword matching comes up short.
var coreSkills = []string{"datetime", "math", "text", "fs", "json"}

// RelevantTools selects the tool subset to offer for the given input.
// Matching is substring-based over lowercased input. The datetime skill is
// always offered. A skill with any keyword hit contributes all its tools.
// Selection is deterministic: skills in name order, tools in declaration
// order, capped at MaxRelevantTools. Passing every registered tool instead
// is always correct; this only trims the prompt.
func (r *Registry) RelevantTools(input string) []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(input)
	matched := map[string]bool{"datetime": true}
	for name, skill := range r.skills {
		if matchesSkill(lower, name, skill) {
			matched[name] = true
		}
	}

	if r.countTools(matched) < minMatchedTools {
		for _, name := range coreSkills {
			matched[name] = true
		}
	}

	names := make([]string, 0, len(matched))
	for name := range matched {
		if _, ok := r.skills[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []llm.Tool
	for _, name := range names {
		for _, tool := range r.skills[name].Tools {
			if len(out) >= MaxRelevantTools {
				return out
			}
			out = append(out, tool)
		}
	}
	return out
}

// matchesSkill reports whether input mentions the skill. Skills without a
// keyword row (manifest-registered ones) match on their own name.
func matchesSkill(lower, name string, skill *Skill) bool {
	keywords, ok := skillKeywords[name]
	if !ok {
		return strings.Contains(lower, strings.ToLower(name))
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (r *Registry) countTools(names map[string]bool) int {
	n := 0
	for name := range names {
		if skill, ok := r.skills[name]; ok {
			n += len(skill.Tools)
		}
	}
	return n
}
