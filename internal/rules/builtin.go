package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinVersion tags the rule set compiled into the binary.
const BuiltinVersion = "1.0.0"

// BuiltinRules returns the default validation rule set. Order matters: the
// duplicate rule is terminal and must run first.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "duplicate-submission",
			Name:        "Duplicate submission",
			Description: "Document content was already submitted",
			Version:     BuiltinVersion,
			Expression:  "duplicate",
			Action:      domain.RuleActionForce,
			Value:       1.0,
			Anomaly:     "duplicate submission",
			Terminal:    true,
			HardReject:  true,
			Enabled:     true,
		},
		{
			ID:            "missing-signature",
			Name:          "Missing signature",
			Description:   "A structurally required signature is absent",
			Version:       BuiltinVersion,
			DocumentTypes: []domain.DocumentType{domain.DocumentCheck, domain.DocumentMoneyOrder},
			Expression:    "missing_signature",
			Action:        domain.RuleActionAdd,
			Value:         0.30,
			Anomaly:       "missing required signature",
			Enabled:       true,
		},
		{
			ID:          "critical-fields-missing",
			Name:        "Critical fields missing",
			Description: "Two or more critical fields are absent",
			Version:     BuiltinVersion,
			Expression:  "critical_missing >= 2",
			Action:      domain.RuleActionAdd,
			Value:       0.20,
			Anomaly:     "multiple critical fields missing",
			Enabled:     true,
		},
		{
			ID:          "non-waivable-identifier-missing",
			Name:        "Non-waivable identifier missing",
			Description: "An identifier the document cannot be processed without is absent",
			Version:     BuiltinVersion,
			Expression:  "non_waivable_missing > 0",
			Action:      domain.RuleActionAdd,
			Value:       0,
			Anomaly:     "non-waivable identifier missing",
			HardReject:  true,
			Enabled:     true,
		},
		{
			ID:            "invalid-routing-number",
			Name:          "Invalid routing number",
			Description:   "Routing number fails the ABA checksum",
			Version:       BuiltinVersion,
			DocumentTypes: []domain.DocumentType{domain.DocumentCheck},
			Expression:    "routing_invalid",
			Action:        domain.RuleActionAdd,
			Value:         0.15,
			Anomaly:       "invalid routing number",
			Enabled:       true,
		},
		{
			ID:          "future-dated",
			Name:        "Future dated",
			Description: "Document date is in the future",
			Version:     BuiltinVersion,
			Expression:  "future_dated",
			Action:      domain.RuleActionAdd,
			Value:       0.10,
			Anomaly:     "document is future dated",
			Enabled:     true,
		},
		{
			ID:          "submission-burst",
			Name:        "Submission burst",
			Description: "Identity submitted many documents inside the velocity window",
			Version:     BuiltinVersion,
			Expression:  "velocity_count >= 5",
			Action:      domain.RuleActionAdd,
			Value:       0.10,
			Anomaly:     "high submission velocity",
			Enabled:     true,
		},
	}
}
