package domain

import "time"

// Decision is the tri-state outcome of the pipeline.
type Decision string

const (
	DecisionApprove  Decision = "APPROVE"
	DecisionEscalate Decision = "ESCALATE"
	DecisionReject   Decision = "REJECT"
)

// Valid reports whether d is one of the three decisions.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionEscalate || d == DecisionReject
}

// DecisionSource records which precedence level produced the final decision.
type DecisionSource string

const (
	SourcePolicy         DecisionSource = "policy"
	SourceValidation     DecisionSource = "validation"
	SourceRecommendation DecisionSource = "recommendation"
	SourceThreshold      DecisionSource = "threshold"
	SourceFallback       DecisionSource = "fallback"
)

// Tags attached to decisions and anomalies.
const (
	TagRepeatOffender   = "REPEAT_OFFENDER"
	TagFirstTimeFast    = "FIRST_TIME_LOW_RISK"
	TagFirstTimeReview  = "FIRST_TIME_REVIEW"
	TagModelUnavailable = "MODEL_UNAVAILABLE"
	TagReasoningMissing = "REASONING_UNAVAILABLE"
	TagPolicyMissing    = "POLICY_UNAVAILABLE"
	TagIdentityUnknown  = "IDENTITY_UNRESOLVED"
)

// PolicyVerdict is the output of the fraud-history policy engine.
// Mandatory verdicts bypass every later precedence level.
type PolicyVerdict struct {
	State     IdentityState `json:"state"`
	Mandatory bool          `json:"mandatory"`
	Decision  Decision      `json:"decision,omitempty"`
	Tag       string        `json:"tag,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Recommendation is the optional structured output of the external
// contextual-reasoning collaborator.
type Recommendation struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	FraudTags  []string `json:"fraud_tags"`
	Rationale  string   `json:"rationale"`
}

// DecisionRecord is the immutable audit unit, one per processed document.
type DecisionRecord struct {
	ID           string       `json:"id"`
	SubmissionID string       `json:"submissionId"`
	DocumentType DocumentType `json:"documentType"`
	Identity     string       `json:"identity"`

	// Fingerprint is the content hash of the submission, FeatureSchema the
	// schema identifier of the vector that was scored.
	Fingerprint   string `json:"fingerprint"`
	FeatureSchema string `json:"featureSchema"`

	Score          RiskScore       `json:"score"`
	Policy         *PolicyVerdict  `json:"policy,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`

	Decision  Decision       `json:"decision"`
	Source    DecisionSource `json:"source"`
	Anomalies []string       `json:"anomalies"`
	Degraded  bool           `json:"degraded"`

	Timestamp time.Time        `json:"timestamp"`
	Metadata  DecisionMetadata `json:"metadata"`
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID        string `json:"traceId"`
	ExtractMs      int64  `json:"extractMs"`
	ScoreMs        int64  `json:"scoreMs"`
	ReasoningMs    int64  `json:"reasoningMs"`
	TotalMs        int64  `json:"totalMs"`
	ExtractCached  bool   `json:"extractCached"`
	ScoreCached    bool   `json:"scoreCached"`
	ReasoningCalls int    `json:"reasoningCalls"`
	EngineVersion  string `json:"engineVersion"`
}
