package permissions

// RiskLevel classifies how much damage a skill can do.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RequiredScope returns the minimum scope admitting skills of this level.
func (r RiskLevel) RequiredScope() string {
	switch r {
	case RiskLow:
		return ScopeRead
	case RiskMedium:
		return ScopeWrite
	case RiskHigh:
		return ScopeExecute
	default:
		return ScopeAdmin
	}
}

// skillRisk classifies known skills. The table is data: new skills get a
// row here, and anything unlisted is treated as medium risk.
var skillRisk = map[string]RiskLevel{
	"datetime": RiskLow,
	"math":     RiskLow,
	"text":     RiskLow,
	"json":     RiskLow,
	"fs":       RiskMedium,
	"http":     RiskMedium,
	"shell":    RiskHigh,
	"docker":   RiskCritical,
	"cluster":  RiskCritical,
}

// SkillRisk returns the risk level for a skill name.
func SkillRisk(name string) RiskLevel {
	if level, ok := skillRisk[name]; ok {
		return level
	}
	return RiskMedium
}
