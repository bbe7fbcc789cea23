package permissions

import "fmt"

// Policy narrows what a credential may touch beyond its scopes. A nil
// policy applies no narrowing.
type Policy struct {
	// AllowedSkills, when non-nil, is an exhaustive allow-list. It takes
	// precedence over scope evaluation.
	AllowedSkills []string `json:"allowed_skills,omitempty"`

	// DeniedSkills always lose, regardless of scopes or allow-list.
	DeniedSkills []string `json:"denied_skills,omitempty"`
}

// Merge layers an outer policy (an account's) under an inner one (a
// credential's). Deny lists accumulate; the inner allow-list wins when both
// are set. Either side may be nil.
func Merge(outer, inner *Policy) *Policy {
	if outer == nil {
		return inner
	}
	if inner == nil {
		return outer
	}
	merged := &Policy{AllowedSkills: inner.AllowedSkills}
	if merged.AllowedSkills == nil {
		merged.AllowedSkills = outer.AllowedSkills
	}
	merged.DeniedSkills = append(append([]string(nil), outer.DeniedSkills...), inner.DeniedSkills...)
	return merged
}

// CanUseSkill evaluates whether the scope set admits the named skill under
// the optional policy. The reason string is suitable for error messages.
//
// Precedence: deny-list, then allow-list, then scope evaluation
// (admin, explicit skill scope, risk-level scope, in that order).
func CanUseSkill(scopes []string, skill string, policy *Policy) (bool, string) {
	if policy != nil {
		for _, denied := range policy.DeniedSkills {
			if denied == skill {
				return false, fmt.Sprintf("skill %q is denied by policy", skill)
			}
		}
		if policy.AllowedSkills != nil {
			for _, allowed := range policy.AllowedSkills {
				if allowed == skill {
					return true, fmt.Sprintf("skill %q is allowed by policy", skill)
				}
			}
			return false, fmt.Sprintf("skill %q is not in the policy allow-list", skill)
		}
	}

	expanded := Expand(scopes)
	if expanded[ScopeAdmin] {
		return true, "admin scope grants all skills"
	}
	if expanded[SkillScope(skill)] {
		return true, fmt.Sprintf("explicit %s scope", SkillScope(skill))
	}

	risk := SkillRisk(skill)
	required := risk.RequiredScope()
	if expanded[required] {
		return true, fmt.Sprintf("%s scope covers %s-risk skills", required, risk)
	}
	return false, fmt.Sprintf("skill %q requires the %s scope (%s risk)", skill, required, risk)
}
