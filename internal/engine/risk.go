package engine

import (
	"strings"

	"github.com/jglowsoap/jimini/internal/rules"
)

// Additive risk scoring over the decision and its firing rules.

var severityPoints = map[rules.Severity]int{
	rules.SeverityError:   50,
	rules.SeverityWarning: 20,
	rules.SeverityInfo:    5,
}

var actionPoints = map[rules.Action]int{
	rules.ActionBlock: 40,
	rules.ActionFlag:  15,
	rules.ActionAllow: 0,
}

// ruleBonus awards extra points for the known high-value secret families.
// Private key material outranks API credentials.
func ruleBonus(id string) int {
	switch {
	case strings.HasPrefix(id, "SSH-PRIVATE-"), strings.HasPrefix(id, "PGP-PRIVATE-"):
		return 50
	case isSecretSpecific(id):
		return 40
	default:
		return 0
	}
}

// riskScore computes action points plus, per firing rule, its bonus and
// severity points.
func riskScore(action rules.Action, fired []*rules.CompiledRule) int {
	score := actionPoints[action]
	for _, rule := range fired {
		score += ruleBonus(rule.ID) + severityPoints[rule.Severity]
	}
	return score
}

// riskBucket maps a score onto the coarse operator-facing scale.
func riskBucket(score int) string {
	switch {
	case score >= 80:
		return "high"
	case score >= 40:
		return "medium"
	default:
		return "low"
	}
}
