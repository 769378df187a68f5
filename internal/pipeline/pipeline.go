// Package pipeline runs a submission through the full decision flow:
// extraction, validation flags, scoring, rule adjustment, fraud-history
// policy, optional contextual reasoning and fusion, then persists the record.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/reasoning"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Store is the persistence the pipeline writes to.
type Store interface {
	domain.DecisionStore
	domain.FingerprintStore
}

// Publisher receives decisions and alerts. domain.EventBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Pipeline is safe for concurrent use. It holds no per-request state.
type Pipeline struct {
	store     Store
	scorer    *scoring.Scorer
	rules     *rules.Engine
	policy    *policy.Engine
	processor *decision.Processor

	extractor  *features.Extractor
	reasoner   reasoning.Reasoner
	velocity   *velocity.Service
	cache      domain.Cache
	extractTTL time.Duration
	publisher  Publisher
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReasoner sets the contextual-reasoning collaborator.
func WithReasoner(r reasoning.Reasoner) Option {
	return func(p *Pipeline) { p.reasoner = r }
}

// WithVelocity enables the velocity_count rule variable.
func WithVelocity(v *velocity.Service) Option {
	return func(p *Pipeline) { p.velocity = v }
}

// WithExtractCache caches extraction results.
func WithExtractCache(c domain.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = c
		p.extractTTL = ttl
	}
}

// WithPublisher publishes every decision, and alerts for REJECT.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithClock overrides the clock used for date-relative features.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New wires a pipeline.
func New(store Store, scorer *scoring.Scorer, ruleEngine *rules.Engine, policyEngine *policy.Engine, processor *decision.Processor, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		scorer:    scorer,
		rules:     ruleEngine,
		policy:    policyEngine,
		processor: processor,
		reasoner:  reasoning.Noop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.extractor = features.NewExtractor(p.now)
	return p
}

// Process decides a submission. Scoring, history and reasoning failures are
// absorbed into the record as the conservative fallback. The error return is
// reserved for persistence failures and identity lock timeouts; in the
// latter case the record has already been saved and is returned with it.
func (p *Pipeline) Process(ctx context.Context, sub *domain.Submission) (*domain.DecisionRecord, error) {
	start := time.Now()
	if !sub.DocumentType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDocumentType, sub.DocumentType)
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = p.now()
	}

	ctx, span := traces.StartSpan(ctx, "pipeline.Process",
		traces.DocumentType(sub.DocumentType),
		traces.SubmissionID(sub.ID),
	)
	defer span.End()
	log := logging.L(ctx).With("submission_id", sub.ID, "document_type", sub.DocumentType)

	in := &decision.Input{
		SubmissionID: sub.ID,
		DocumentType: sub.DocumentType,
		Identity:     features.Identity(sub),
		Fingerprint:  features.Fingerprint(sub),
		TraceID:      traceID(ctx, sub.ID),
		StartTime:    start,
	}
	if schema, err := features.SchemaFor(sub.DocumentType); err == nil {
		in.FeatureSchema = schema.Version
	}
	if in.Identity == "" {
		in.Anomalies = append(in.Anomalies, domain.TagIdentityUnknown)
		log.Warn("no identity resolved, fraud history not tracked")
	}

	// 1. Features
	extractStart := time.Now()
	vec, cached, err := p.extract(ctx, sub)
	if err != nil {
		return nil, err
	}
	in.Metadata.ExtractMs = time.Since(extractStart).Milliseconds()
	in.Metadata.ExtractCached = cached
	metrics.ObserveStage(domain.StageExtract, time.Since(extractStart))
	for _, name := range vec.Degraded {
		in.Anomalies = append(in.Anomalies, fmt.Sprintf("%v: %s", domain.ErrExtractionDegraded, name))
	}
	if len(vec.Degraded) > 0 {
		log.Debug("extraction degraded", "features", vec.Degraded)
	}

	// 2. Validation flags
	flags, err := p.extractor.Validate(sub)
	if err != nil {
		return nil, err
	}
	if in.Fingerprint != "" {
		first, original, err := p.store.RegisterFingerprint(ctx, in.Fingerprint, sub.ID)
		switch {
		case err != nil:
			log.Warn("duplicate check failed", "error", err)
			in.Degraded = true
		case !first && original != sub.ID:
			flags.Duplicate = true
			log.Info("duplicate submission", "original_submission_id", original)
		}
	}
	if p.velocity != nil {
		n, err := p.velocity.Count(ctx, in.Identity)
		if err != nil {
			log.Warn("velocity lookup failed", "error", err)
			in.Degraded = true
		}
		flags.VelocityCount = n
	}

	// 3. Score
	scoreStart := time.Now()
	res, err := p.scorer.Score(ctx, vec)
	in.Metadata.ScoreMs = time.Since(scoreStart).Milliseconds()
	if err != nil {
		in.ModelUnavailable = true
		log.Warn("scoring unavailable, falling back", "error", err)
	} else {
		in.Score = res.Score
		in.Metadata.ScoreCached = res.Cached
		span.SetAttributes(traces.ModelVersion(res.Score.ModelVersion))
	}

	// 4. Rules
	adj := p.rules.Adjust(ctx, rules.Input{
		DocumentType: sub.DocumentType,
		Score:        in.Score.Ensemble,
		Flags:        flags,
		Features:     vec,
	})
	in.Score.Adjusted = adj.Score
	in.Anomalies = append(in.Anomalies, adj.Anomalies...)
	in.HardIssues = adj.HardIssues

	// 5. Fraud history, read now rather than at request start.
	verdict, profile, err := p.policy.Check(ctx, in.Identity, in.Score.Adjusted)
	if err != nil {
		in.PolicyUnavailable = true
		log.Warn("fraud history unavailable, falling back", "identity", in.Identity, "error", err)
	} else {
		in.Policy = &verdict
	}

	// 6. Contextual reasoning, only when nothing above settles the outcome.
	if p.shouldReason(in) {
		reasonStart := time.Now()
		rec, err := p.reasoner.Recommend(ctx, &reasoning.Request{
			SubmissionID: sub.ID,
			DocumentType: sub.DocumentType,
			Fields:       sub.Fields,
			RawText:      sub.RawText,
			Score:        in.Score,
			Anomalies:    in.Anomalies,
			Profile:      profile,
		})
		in.Metadata.ReasoningMs = time.Since(reasonStart).Milliseconds()
		switch {
		case err != nil:
			in.Metadata.ReasoningCalls = 1
			in.ReasoningFailed = true
			log.Warn("reasoning unavailable, using score thresholds", "error", err)
		case rec != nil:
			in.Metadata.ReasoningCalls = 1
			in.Recommendation = rec
		}
	}

	// 7. Fuse and persist
	record := p.processor.Process(ctx, in)
	span.SetAttributes(traces.Decision(record.Decision))
	if err := p.store.SaveDecision(ctx, record); err != nil {
		return nil, fmt.Errorf("save decision: %w", err)
	}

	if _, err := p.policy.Record(ctx, in.Identity, record.Decision, in.Score.Adjusted); err != nil {
		log.Error("fraud history update failed", "decision_id", record.ID, "identity", in.Identity, "error", err)
		return record, err
	}

	p.publish(ctx, record)
	metrics.ObserveStage("total", time.Since(start))

	log.Info("decision recorded",
		"decision_id", record.ID,
		"identity", record.Identity,
		"decision", record.Decision,
		"source", record.Source,
		"adjusted_score", record.Score.Adjusted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return record, nil
}

// shouldReason bounds external calls to identities the policy did not
// settle and requests that fusion would not decide on validation alone.
func (p *Pipeline) shouldReason(in *decision.Input) bool {
	if in.ModelUnavailable || in.PolicyUnavailable || len(in.HardIssues) > 0 {
		return false
	}
	return in.Policy != nil && !in.Policy.Mandatory
}

// extract returns the feature vector, through the cache when one is set.
// Date-relative features make the vector depend on the day, so the day is
// part of the key.
func (p *Pipeline) extract(ctx context.Context, sub *domain.Submission) (*domain.FeatureVector, bool, error) {
	if p.cache == nil {
		vec, err := p.extractor.Extract(sub)
		return vec, false, err
	}
	key := cache.Key(domain.StageExtract,
		[]byte(sub.DocumentType),
		[]byte(p.now().Format("2006-01-02")),
		sub.RawContent,
		cache.Canonical(sub.Fields),
		[]byte(sub.RawText),
		[]byte(fmt.Sprint(math.Float64bits(sub.OCRConfidence))),
	)
	vec, hit, err := cache.GetOrCompute(ctx, p.cache, domain.StageExtract, key, p.extractTTL, func() (domain.FeatureVector, error) {
		v, err := p.extractor.Extract(sub)
		if err != nil {
			return domain.FeatureVector{}, err
		}
		return *v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return &vec, hit, nil
}

func (p *Pipeline) publish(ctx context.Context, rec *domain.DecisionRecord) {
	if p.publisher == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to encode decision", "decision_id", rec.ID, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Warn("failed to publish decision", "decision_id", rec.ID, "error", err)
	}
	if decision.ShouldAlert(rec) {
		if err := p.publisher.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Warn("failed to publish alert", "decision_id", rec.ID, "error", err)
		}
	}
}

func traceID(ctx context.Context, fallback string) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if id := logging.RequestID(ctx); id != "" {
		return id
	}
	return fallback
}

// IsTransient reports whether a Process error is worth retrying by the caller.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrIdentityLockTimeout)
}
