package domain

// RuleAction is what a triggered adjustment rule does to the score.
type RuleAction string

const (
	// RuleActionAdd adds Value to the running score.
	RuleActionAdd RuleAction = "add"
	// RuleActionForce sets the score to Value outright.
	RuleActionForce RuleAction = "force"
)

// RuleConfig defines a declarative validation adjustment rule.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version" yaml:"version"`

	// DocumentTypes restricts the rule; empty applies to every type.
	DocumentTypes []DocumentType `json:"documentTypes,omitempty" yaml:"documentTypes,omitempty"`

	// CEL expression; must evaluate to bool.
	Expression string `json:"expression" yaml:"expression"`

	Action RuleAction `json:"action" yaml:"action"`
	Value  float64    `json:"value" yaml:"value"`

	// Anomaly is the human-readable string recorded when the rule fires.
	Anomaly string `json:"anomaly" yaml:"anomaly"`

	// Terminal stops evaluation of further rules once this one fires.
	Terminal bool `json:"terminal" yaml:"terminal"`

	// HardReject marks the red flag as definitionally terminal for fusion.
	HardReject bool `json:"hardReject" yaml:"hardReject"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// AppliesTo reports whether the rule covers the document type.
func (r *RuleConfig) AppliesTo(t DocumentType) bool {
	if len(r.DocumentTypes) == 0 {
		return true
	}
	for _, dt := range r.DocumentTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// RuleResult is the output of one rule evaluation.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Triggered bool    `json:"triggered"`
	Delta     float64 `json:"delta"`
	Anomaly   string  `json:"anomaly,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Adjustment is the rule adjuster's output for one request.
type Adjustment struct {
	Score       float64      `json:"score"`
	Anomalies   []string     `json:"anomalies"`
	HardIssues  []string     `json:"hardIssues,omitempty"`
	Results     []RuleResult `json:"results"`
	RuleVersion string       `json:"ruleVersion"`
}
