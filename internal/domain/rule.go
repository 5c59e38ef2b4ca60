package domain

// RuleConfig is an operator-defined CEL rule that contributes to the risk score.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over the scoring context; must return bool, int or double.
	Expression string `json:"expression"`

	// Outcome bands for score-to-reason mapping
	Bands []RuleBand `json:"bands"`

	// Weight is the number of risk points added when the rule scores 1.0.
	Weight float64 `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleBand maps a score range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"` // e.g., ".pass", ".fail", ".review"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	SubRuleRef string  `json:"subRuleRef"` // ".pass", ".fail", ".err"
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
	Weight     float64 `json:"weight"`
	ProcessMs  int64   `json:"processMs"`
}

// Fired reports whether the rule contributed risk.
func (r RuleResult) Fired() bool {
	return r.SubRuleRef != RuleOutcomeError && r.SubRuleRef != RuleOutcomePass && r.Score > 0
}

// Predefined rule outcomes
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)
