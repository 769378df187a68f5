package domain

import "time"

// IdentityState is the fraud-history state of an identity.
type IdentityState string

const (
	IdentityNew            IdentityState = "NEW"
	IdentityEscalated      IdentityState = "ESCALATED"
	IdentityConfirmedFraud IdentityState = "CONFIRMED_FRAUD"
)

// CustomerFraudProfile holds the per-identity counters. Profiles are never
// deleted; Archived only hides them from active listings.
type CustomerFraudProfile struct {
	Identity         string    `json:"identity"`
	TotalSubmissions int64     `json:"totalSubmissions"`
	HighRiskCount    int64     `json:"highRiskCount"`
	FraudCount       int64     `json:"fraudCount"`
	EscalateCount    int64     `json:"escalateCount"`
	LastDecision     Decision  `json:"lastDecision,omitempty"`
	LastSeen         time.Time `json:"lastSeen"`
	Archived         bool      `json:"archived"`
	CreatedAt        time.Time `json:"createdAt"`
}

// State derives the identity state from the counters. A nil profile, or one
// with neither escalations nor confirmed fraud, is treated as New.
func (p *CustomerFraudProfile) State() IdentityState {
	if p == nil {
		return IdentityNew
	}
	if p.FraudCount > 0 {
		return IdentityConfirmedFraud
	}
	if p.EscalateCount > 0 {
		return IdentityEscalated
	}
	return IdentityNew
}

// ProfileOutcome is the increment applied to a profile after a decision is final.
type ProfileOutcome struct {
	Decision Decision
	HighRisk bool
	At       time.Time
}
