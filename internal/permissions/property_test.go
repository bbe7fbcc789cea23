package permissions

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genScopeSet() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf(
		ScopeRead, ScopeWrite, ScopeExecute, ScopeChat,
		ScopeChatStream, ScopeToolCall, ScopeAdmin, "skill:pdf",
	))
}

func TestExpandIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("expanding an expansion changes nothing", prop.ForAll(
		func(scopes []string) bool {
			first := Expand(scopes)
			asSlice := make([]string, 0, len(first))
			for s := range first {
				asSlice = append(asSlice, s)
			}
			second := Expand(asSlice)
			if len(first) != len(second) {
				return false
			}
			for s := range first {
				if !second[s] {
					return false
				}
			}
			return true
		},
		genScopeSet(),
	))

	properties.TestingRun(t)
}

func TestExpandMonotoneProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("adding a scope never removes grants", prop.ForAll(
		func(scopes []string, extra string) bool {
			before := Expand(scopes)
			after := Expand(append(append([]string{}, scopes...), extra))
			for s := range before {
				if !after[s] {
					return false
				}
			}
			return true
		},
		genScopeSet(),
		gen.OneConstOf(ScopeRead, ScopeWrite, ScopeExecute, ScopeAdmin, ScopeChat),
	))

	properties.TestingRun(t)
}

func TestExpandContainsInputProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every granted scope survives expansion", prop.ForAll(
		func(scopes []string) bool {
			expanded := Expand(scopes)
			for _, s := range scopes {
				if !expanded[s] {
					return false
				}
			}
			return true
		},
		genScopeSet(),
	))

	properties.TestingRun(t)
}

func TestExpandNeverEscalatesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("write never appears without a scope that implies it", prop.ForAll(
		func(scopes []string) bool {
			holds := func(s string) bool {
				for _, have := range scopes {
					if have == s {
						return true
					}
				}
				return false
			}
			expanded := Expand(scopes)
			if expanded[ScopeWrite] && !holds(ScopeWrite) && !holds(ScopeExecute) && !holds(ScopeAdmin) {
				return false
			}
			if expanded[ScopeAdmin] && !holds(ScopeAdmin) {
				return false
			}
			return true
		},
		genScopeSet(),
	))

	properties.TestingRun(t)
}
