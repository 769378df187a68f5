// Package decision implements decision fusion: the ordered-precedence
// combinator that turns policy, validation, reasoning and score into the
// final tri-state decision and its audit record.
package decision

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// EngineVersion is stamped on every decision record.
const EngineVersion = "kestrel-1.0"

// Processor fuses pipeline outputs into a decision.
type Processor struct {
	// RejectThreshold and EscalateThreshold drive the score fallback.
	RejectThreshold   float64
	EscalateThreshold float64
}

// NewProcessor creates a processor from config, defaulting to 0.7/0.3.
func NewProcessor(cfg domain.DecisionConfig) *Processor {
	p := &Processor{
		RejectThreshold:   cfg.RejectThreshold,
		EscalateThreshold: cfg.EscalateThreshold,
	}
	if p.RejectThreshold <= 0 {
		p.RejectThreshold = 0.7
	}
	if p.EscalateThreshold <= 0 {
		p.EscalateThreshold = 0.3
	}
	return p
}

// Input contains all data needed for a decision.
type Input struct {
	SubmissionID  string
	DocumentType  domain.DocumentType
	Identity      string
	Fingerprint   string
	FeatureSchema string
	TraceID       string

	Score domain.RiskScore

	// ModelUnavailable means Score carries no model output.
	ModelUnavailable bool

	// PolicyUnavailable means the fraud history could not be read, so Policy is nil.
	PolicyUnavailable bool

	// HardIssues are definitionally terminal validation red flags.
	HardIssues []string
	Anomalies  []string
	Degraded   bool

	Policy         *domain.PolicyVerdict
	Recommendation *domain.Recommendation

	// ReasoningFailed is set when the collaborator was consulted and gave no answer.
	ReasoningFailed bool

	Metadata  domain.DecisionMetadata
	StartTime time.Time
}

// Outcome is the result of fusion before it is wrapped in a record.
type Outcome struct {
	Decision  domain.Decision
	Source    domain.DecisionSource
	Anomalies []string
}

// Fuse applies the precedence, highest first:
//  1. a mandatory policy verdict
//  2. hard validation issues → REJECT
//  3. unavailable model or fraud history → ESCALATE
//  4. the external recommendation
//  5. adjusted score thresholds
//
// A mandatory verdict computed without a model score is only honored when it
// rejects, since New-identity verdicts depend on the score.
func (p *Processor) Fuse(in *Input) Outcome {
	out := Outcome{Anomalies: append([]string(nil), in.Anomalies...)}

	if in.ModelUnavailable {
		out.Anomalies = append(out.Anomalies, domain.TagModelUnavailable)
	}
	if in.PolicyUnavailable {
		out.Anomalies = append(out.Anomalies, domain.TagPolicyMissing)
	}

	if v := in.Policy; v != nil && v.Mandatory && v.Decision.Valid() &&
		(!in.ModelUnavailable || v.Decision == domain.DecisionReject) {
		out.Decision = v.Decision
		out.Source = domain.SourcePolicy
		if v.Tag != "" {
			out.Anomalies = append(out.Anomalies, v.Tag)
		}
		out.Anomalies = dedupe(out.Anomalies)
		return out
	}

	switch {
	case len(in.HardIssues) > 0:
		out.Decision = domain.DecisionReject
		out.Source = domain.SourceValidation
	case in.ModelUnavailable || in.PolicyUnavailable:
		out.Decision = domain.DecisionEscalate
		out.Source = domain.SourceFallback
	case in.Recommendation != nil && in.Recommendation.Decision.Valid():
		out.Decision = in.Recommendation.Decision
		out.Source = domain.SourceRecommendation
		out.Anomalies = append(out.Anomalies, in.Recommendation.FraudTags...)
	default:
		if in.ReasoningFailed {
			out.Anomalies = append(out.Anomalies, domain.TagReasoningMissing)
		}
		out.Decision = p.threshold(in.Score.Adjusted)
		out.Source = domain.SourceThreshold
	}

	out.Anomalies = dedupe(out.Anomalies)
	return out
}

func (p *Processor) threshold(score float64) domain.Decision {
	switch {
	case score >= p.RejectThreshold:
		return domain.DecisionReject
	case score >= p.EscalateThreshold:
		return domain.DecisionEscalate
	default:
		return domain.DecisionApprove
	}
}

// Process fuses the input and produces the immutable decision record.
func (p *Processor) Process(_ context.Context, in *Input) *domain.DecisionRecord {
	out := p.Fuse(in)

	rec := &domain.DecisionRecord{
		ID:             uuid.New().String(),
		SubmissionID:   in.SubmissionID,
		DocumentType:   in.DocumentType,
		Identity:       in.Identity,
		Fingerprint:    in.Fingerprint,
		FeatureSchema:  in.FeatureSchema,
		Score:          in.Score,
		Policy:         in.Policy,
		Recommendation: in.Recommendation,
		Decision:       out.Decision,
		Source:         out.Source,
		Anomalies:      out.Anomalies,
		Degraded:       in.Degraded || in.ModelUnavailable || in.PolicyUnavailable,
		Timestamp:      time.Now().UTC(),
		Metadata:       in.Metadata,
	}
	rec.Metadata.TraceID = in.TraceID
	rec.Metadata.EngineVersion = EngineVersion
	if !in.StartTime.IsZero() {
		rec.Metadata.TotalMs = time.Since(in.StartTime).Milliseconds()
	}

	metrics.DecisionsTotal.WithLabelValues(string(in.DocumentType), string(out.Decision), string(out.Source)).Inc()
	return rec
}

// ShouldAlert reports whether a record should be published as an alert.
func ShouldAlert(rec *domain.DecisionRecord) bool {
	return rec.Decision == domain.DecisionReject
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
