// Package scoring runs the ensemble risk scorer against whatever model
// version is active for a document type at call time.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/traces"
)

// Resolver returns the active model for a document type, loading its
// artifacts if needed. *lifecycle.Registry satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, t domain.DocumentType) (*lifecycle.Entry, error)
}

// Scorer computes RiskScores. It holds no model state of its own, so a
// version swap applies to the next call without coordination.
type Scorer struct {
	models Resolver
	cache  domain.Cache
	ttl    time.Duration
}

// NewScorer creates a scorer. A nil cache disables result caching.
func NewScorer(models Resolver, c domain.Cache, ttl time.Duration) *Scorer {
	return &Scorer{models: models, cache: c, ttl: ttl}
}

// Result is a score with its provenance.
type Result struct {
	Score  domain.RiskScore
	Cached bool
}

// Score standardizes vec with the active scaler, runs both regressors and
// combines them. Adjusted is initialized to Ensemble; rules refine it later.
// Any failure to obtain a usable model returns an error wrapping
// domain.ErrModelUnavailable and never a substitute score.
func (s *Scorer) Score(ctx context.Context, vec *domain.FeatureVector) (*Result, error) {
	start := time.Now()
	defer func() { metrics.ObserveStage(domain.StageScore, time.Since(start)) }()

	ctx, span := traces.StartSpan(ctx, "scoring.Score", traces.DocumentType(vec.DocumentType))
	defer span.End()

	entry, err := s.models.Resolve(ctx, vec.DocumentType)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.ModelVersion(entry.Version.ID))

	if entry.Bundle.Dims() != vec.Len() {
		return nil, fmt.Errorf("%w: version %s expects %d features, vector has %d",
			domain.ErrSchemaMismatch, entry.Version.ID, entry.Bundle.Dims(), vec.Len())
	}

	key := cache.Key(domain.StageScore, []byte(entry.Version.ID), cache.Canonical(vec.Values))
	score, hit, err := cache.GetOrCompute(ctx, s.cache, domain.StageScore, key, s.ttl, func() (domain.RiskScore, error) {
		return compute(entry, vec.Values)
	})
	if err != nil {
		return nil, err
	}
	return &Result{Score: score, Cached: hit}, nil
}

func compute(entry *lifecycle.Entry, values []float64) (domain.RiskScore, error) {
	bagged, boosted, err := entry.Bundle.Predict(values)
	if err != nil {
		return domain.RiskScore{}, err
	}
	if math.IsNaN(bagged) || math.IsNaN(boosted) || math.IsInf(bagged, 0) || math.IsInf(boosted, 0) {
		return domain.RiskScore{}, fmt.Errorf("%w: non-finite prediction from %s", domain.ErrModelUnavailable, entry.Version.ID)
	}
	rs := domain.RiskScore{
		Bagged:       domain.Clamp01(bagged / model.ScoreScale),
		Boosted:      domain.Clamp01(boosted / model.ScoreScale),
		ModelVersion: entry.Version.ID,
	}
	rs.Ensemble = domain.Clamp01(domain.BaggedWeight*rs.Bagged + domain.BoostedWeight*rs.Boosted)
	rs.Adjusted = rs.Ensemble
	return rs, nil
}
