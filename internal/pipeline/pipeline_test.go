package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/reasoning"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const payerIdentity = "dana whitfield@first harbor bank"

type fakeReasoner struct {
	mu    sync.Mutex
	calls int
	rec   *domain.Recommendation
	err   error
}

func (f *fakeReasoner) Recommend(context.Context, *reasoning.Request) (*domain.Recommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rec, f.err
}

func (f *fakeReasoner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

type harness struct {
	repo     *repository.SQLRepository
	registry *lifecycle.Registry
	reasoner *fakeReasoner
	pub      *recordingPublisher
	pipeline *Pipeline
	version  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "kestrel.db")})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ruleEngine, err := rules.NewEngine(4)
	require.NoError(t, err)
	require.NoError(t, ruleEngine.ReloadRules(rules.BuiltinRules()))
	t.Cleanup(func() { ruleEngine.Close() })

	h := &harness{
		repo:     repo,
		registry: lifecycle.NewRegistry(nil),
		reasoner: &fakeReasoner{},
		pub:      &recordingPublisher{},
	}
	lru := cache.NewLRUCache(128)
	h.pipeline = New(repo,
		scoring.NewScorer(h.registry, lru, time.Minute),
		ruleEngine,
		policy.NewEngine(repo, domain.PolicyConfig{}),
		decision.NewProcessor(domain.DecisionConfig{}),
		WithReasoner(h.reasoner),
		WithVelocity(velocity.NewService(repo, 24*time.Hour)),
		WithExtractCache(lru, time.Minute),
		WithPublisher(h.pub),
		WithClock(func() time.Time { return testNow }),
	)
	return h
}

// setScore activates a model that predicts risk (0–100) for every input.
func (h *harness) setScore(t *testing.T, risk float64) {
	t.Helper()
	schema, err := features.SchemaFor(domain.DocumentCheck)
	require.NoError(t, err)
	dims := schema.Len()

	scaler := &model.Scaler{Mean: make([]float64, dims), Std: make([]float64, dims)}
	for i := range scaler.Std {
		scaler.Std[i] = 1
	}
	leaf := func() *model.Tree {
		return &model.Tree{Features: dims, Nodes: []model.Node{{Feature: -1, Value: risk}}}
	}
	h.version++
	h.registry.Set(domain.DocumentCheck, &lifecycle.Entry{
		Version: &domain.ModelVersion{ID: fmt.Sprintf("v%03d", h.version), DocumentType: domain.DocumentCheck},
		Bundle: &model.Bundle{
			Scaler:  scaler,
			Bagged:  &model.Forest{Features: dims, Trees: []*model.Tree{leaf()}},
			Boosted: &model.Boosted{Features: dims, LearningRate: 1, Trees: []*model.Tree{leaf()}},
		},
	})
}

func check(number string) *domain.Submission {
	return &domain.Submission{
		DocumentType: domain.DocumentCheck,
		Fields: domain.Fields{
			"payer_name":     "Dana Whitfield",
			"bank_name":      "First Harbor Bank",
			"payee_name":     "Northside Supply",
			"amount":         "1250.00",
			"amount_written": "one thousand two hundred fifty and 00/100",
			"date":           "2026-02-20",
			"routing_number": "021000021",
			"account_number": "000123456789",
			"check_number":   number,
			"signature":      true,
		},
		RawText: "PAY TO THE ORDER OF Northside Supply $1,250.00",
	}
}

func (h *harness) profile(t *testing.T) *domain.CustomerFraudProfile {
	t.Helper()
	p, err := h.repo.GetProfile(context.Background(), payerIdentity)
	require.NoError(t, err)
	return p
}

func TestEndToEndIdentityHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A new identity below the low-risk threshold takes the fast path.
	h.setScore(t, 15)
	rec, err := h.pipeline.Process(ctx, check("1001"))
	require.NoError(t, err)
	assert.Equal(t, payerIdentity, rec.Identity)
	assert.InDelta(t, 0.15, rec.Score.Adjusted, 1e-9)
	assert.Equal(t, domain.DecisionApprove, rec.Decision)
	assert.Equal(t, domain.SourcePolicy, rec.Source)
	assert.Contains(t, rec.Anomalies, domain.TagFirstTimeFast)
	assert.Zero(t, h.reasoner.Calls())
	assert.Zero(t, rec.Metadata.ReasoningCalls)

	// Still new, but above the threshold: benefit of the doubt.
	h.setScore(t, 45)
	rec, err = h.pipeline.Process(ctx, check("1002"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionEscalate, rec.Decision)
	assert.Contains(t, rec.Anomalies, domain.TagFirstTimeReview)
	assert.Zero(t, h.reasoner.Calls())
	assert.EqualValues(t, 1, h.profile(t).EscalateCount)

	// Escalated identity: the collaborator is consulted and rejects.
	h.reasoner.rec = &domain.Recommendation{Decision: domain.DecisionReject, Confidence: 0.9, FraudTags: []string{"altered_payee"}}
	rec, err = h.pipeline.Process(ctx, check("1003"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReject, rec.Decision)
	assert.Equal(t, domain.SourceRecommendation, rec.Source)
	assert.Contains(t, rec.Anomalies, "altered_payee")
	assert.Equal(t, 1, h.reasoner.Calls())
	assert.Equal(t, 1, rec.Metadata.ReasoningCalls)

	p := h.profile(t)
	assert.EqualValues(t, 1, p.FraudCount)
	assert.EqualValues(t, 1, p.EscalateCount)
	assert.EqualValues(t, 3, p.TotalSubmissions)

	// Repeat offender: rejected regardless of score, no further reasoning.
	h.setScore(t, 0)
	h.reasoner.rec = &domain.Recommendation{Decision: domain.DecisionApprove, Confidence: 1}
	rec, err = h.pipeline.Process(ctx, check("1004"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReject, rec.Decision)
	assert.Equal(t, domain.SourcePolicy, rec.Source)
	assert.Contains(t, rec.Anomalies, domain.TagRepeatOffender)
	assert.Equal(t, 1, h.reasoner.Calls())

	stored, err := h.repo.GetDecision(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Decision, stored.Decision)
	assert.Equal(t, "check/v1", stored.FeatureSchema)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	decisions, alerts := 0, 0
	for _, topic := range h.pub.topics {
		switch topic {
		case domain.TopicDecision:
			decisions++
		case domain.TopicAlert:
			alerts++
		}
	}
	assert.Equal(t, 4, decisions)
	assert.Equal(t, 2, alerts)
}

func TestDuplicateSubmissionForcesMaxScore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setScore(t, 10)

	first, err := h.pipeline.Process(ctx, check("2001"))
	require.NoError(t, err)
	assert.Less(t, first.Score.Adjusted, 1.0)

	second, err := h.pipeline.Process(ctx, check("2001"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, second.Score.Adjusted)
	assert.Contains(t, second.Anomalies, "duplicate submission")
	assert.True(t, second.Metadata.ExtractCached)
	assert.True(t, second.Metadata.ScoreCached)

	third, err := h.pipeline.Process(ctx, check("2001"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, third.Score.Adjusted)
}

func TestRedeliveredSubmissionIsNotDuplicate(t *testing.T) {
	h := newHarness(t)
	h.setScore(t, 10)

	sub := check("2101")
	sub.ID = "sub-fixed"
	_, err := h.pipeline.Process(context.Background(), sub)
	require.NoError(t, err)

	again := check("2101")
	again.ID = "sub-fixed"
	rec, err := h.pipeline.Process(context.Background(), again)
	require.NoError(t, err)
	assert.NotContains(t, rec.Anomalies, "duplicate submission")
}

func TestHardIssueRejectsEscalatedIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.repo.ApplyOutcome(ctx, payerIdentity, domain.ProfileOutcome{Decision: domain.DecisionEscalate, At: testNow})
	require.NoError(t, err)
	h.setScore(t, 5)
	h.reasoner.rec = &domain.Recommendation{Decision: domain.DecisionApprove, Confidence: 0.8}

	sub := check("3001")
	delete(sub.Fields, "routing_number")
	rec, err := h.pipeline.Process(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReject, rec.Decision)
	assert.Equal(t, domain.SourceValidation, rec.Source)
	assert.Zero(t, h.reasoner.Calls(), "hard issues settle the outcome without reasoning")
}

func TestModelUnavailableEscalates(t *testing.T) {
	h := newHarness(t)

	rec, err := h.pipeline.Process(context.Background(), check("4001"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionEscalate, rec.Decision)
	assert.Equal(t, domain.SourceFallback, rec.Source)
	assert.Contains(t, rec.Anomalies, domain.TagModelUnavailable)
	assert.True(t, rec.Degraded)
	assert.Empty(t, rec.Score.ModelVersion)
}

func TestReasoningFailureUsesThresholds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.repo.ApplyOutcome(ctx, payerIdentity, domain.ProfileOutcome{Decision: domain.DecisionEscalate, At: testNow})
	require.NoError(t, err)
	h.setScore(t, 80)
	h.reasoner.err = reasoning.ErrUnavailable

	rec, err := h.pipeline.Process(ctx, check("5001"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReject, rec.Decision)
	assert.Equal(t, domain.SourceThreshold, rec.Source)
	assert.Contains(t, rec.Anomalies, domain.TagReasoningMissing)
	assert.Equal(t, 1, rec.Metadata.ReasoningCalls)
}

func TestMissingSignatureRaisesScore(t *testing.T) {
	h := newHarness(t)
	h.setScore(t, 10)

	sub := check("6001")
	sub.Fields["signature"] = false
	rec, err := h.pipeline.Process(context.Background(), sub)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, rec.Score.Adjusted, 1e-9)
	assert.Contains(t, rec.Anomalies, "missing required signature")
	assert.Equal(t, domain.DecisionEscalate, rec.Decision)
}

func TestCheckFixtureAmountWordsMatch(t *testing.T) {
	vec, err := features.NewExtractor(func() time.Time { return testNow }).Extract(check("6101"))
	require.NoError(t, err)
	v, ok := vec.Get("amount_words_match")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestNonLatinIdentityBuildsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setScore(t, 95)

	cyrillic := func(number string) *domain.Submission {
		sub := check(number)
		sub.Fields["payer_name"] = "Иван Петров"
		sub.Fields["bank_name"] = "Сбербанк"
		return sub
	}

	rec, err := h.pipeline.Process(ctx, cyrillic("7001"))
	require.NoError(t, err)
	assert.Equal(t, "иван петров@сбербанк", rec.Identity)
	assert.Equal(t, domain.DecisionEscalate, rec.Decision)
	assert.Contains(t, rec.Anomalies, domain.TagFirstTimeReview)

	rec, err = h.pipeline.Process(ctx, cyrillic("7002"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReject, rec.Decision)
	assert.NotEqual(t, domain.SourcePolicy, rec.Source)

	rec, err = h.pipeline.Process(ctx, cyrillic("7003"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReject, rec.Decision)
	assert.Equal(t, domain.SourcePolicy, rec.Source)
	assert.Contains(t, rec.Anomalies, domain.TagRepeatOffender)

	p, err := h.repo.GetProfile(ctx, "иван петров@сбербанк")
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.TotalSubmissions)
	assert.EqualValues(t, 1, p.EscalateCount)
	assert.EqualValues(t, 2, p.FraudCount)
}

func TestUnresolvedIdentityIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.setScore(t, 10)

	sub := check("7101")
	sub.Fields["payer_name"] = "---"
	rec, err := h.pipeline.Process(context.Background(), sub)
	require.NoError(t, err)
	assert.Empty(t, rec.Identity)
	assert.Contains(t, rec.Anomalies, domain.TagIdentityUnknown)
	assert.NotEqual(t, domain.SourcePolicy, rec.Source, "no first-time fast path without an identity")
	assert.NotContains(t, rec.Anomalies, domain.TagFirstTimeFast)
}

func TestUnknownDocumentType(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Process(context.Background(), &domain.Submission{DocumentType: "invoice"})
	assert.ErrorIs(t, err, domain.ErrUnknownDocumentType)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("record: %w", domain.ErrIdentityLockTimeout)))
	assert.False(t, IsTransient(errors.New("disk full")))
}
