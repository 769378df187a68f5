package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/model"
)

// stump splits on feature 0 at the standardized mean.
func stump(low, high float64) *model.Tree {
	return &model.Tree{
		Features: 2,
		Nodes: []model.Node{
			{Feature: 0, Threshold: 0, Left: 1, Right: 2},
			{Feature: -1, Value: low},
			{Feature: -1, Value: high},
		},
	}
}

func bundle(baggedLow, baggedHigh, boostedLow, boostedHigh float64) *model.Bundle {
	return &model.Bundle{
		Scaler:  &model.Scaler{Mean: []float64{0.5, 0}, Std: []float64{0.5, 1}},
		Bagged:  &model.Forest{Features: 2, Trees: []*model.Tree{stump(baggedLow, baggedHigh)}},
		Boosted: &model.Boosted{Features: 2, LearningRate: 1, Trees: []*model.Tree{stump(boostedLow, boostedHigh)}},
	}
}

func registryWith(id string, b *model.Bundle) *lifecycle.Registry {
	reg := lifecycle.NewRegistry(nil)
	reg.Set(domain.DocumentCheck, &lifecycle.Entry{
		Version: &domain.ModelVersion{ID: id, DocumentType: domain.DocumentCheck},
		Bundle:  b,
	})
	return reg
}

func vector(values ...float64) *domain.FeatureVector {
	return &domain.FeatureVector{
		DocumentType: domain.DocumentCheck,
		Names:        make([]string, len(values)),
		Values:       values,
	}
}

func TestScoreWeightsEnsemble(t *testing.T) {
	s := NewScorer(registryWith("v1", bundle(10, 80, 20, 90)), nil, 0)

	low, err := s.Score(context.Background(), vector(0, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.10, low.Score.Bagged, 1e-9)
	assert.InDelta(t, 0.20, low.Score.Boosted, 1e-9)
	assert.InDelta(t, 0.4*0.10+0.6*0.20, low.Score.Ensemble, 1e-9)
	assert.Equal(t, low.Score.Ensemble, low.Score.Adjusted)
	assert.Equal(t, "v1", low.Score.ModelVersion)

	high, err := s.Score(context.Background(), vector(1, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.4*0.80+0.6*0.90, high.Score.Ensemble, 1e-9)
}

func TestScoreClampsRegressorOutput(t *testing.T) {
	s := NewScorer(registryWith("v1", bundle(-20, 130, -5, 250)), nil, 0)

	low, err := s.Score(context.Background(), vector(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, low.Score.Bagged)
	assert.Equal(t, 0.0, low.Score.Boosted)

	high, err := s.Score(context.Background(), vector(1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, high.Score.Bagged)
	assert.Equal(t, 1.0, high.Score.Boosted)
	assert.InDelta(t, 1.0, high.Score.Ensemble, 1e-9)
}

func TestScoreUsesCache(t *testing.T) {
	reg := registryWith("v1", bundle(10, 80, 20, 90))
	s := NewScorer(reg, cache.NewLRUCache(16), time.Minute)
	ctx := context.Background()

	first, err := s.Score(ctx, vector(0, 0))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := s.Score(ctx, vector(0, 0))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Score, second.Score)

	// A new active version must not be served from the old version's entries.
	reg.Set(domain.DocumentCheck, &lifecycle.Entry{
		Version: &domain.ModelVersion{ID: "v2", DocumentType: domain.DocumentCheck},
		Bundle:  bundle(50, 50, 50, 50),
	})
	third, err := s.Score(ctx, vector(0, 0))
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, "v2", third.Score.ModelVersion)
	assert.InDelta(t, 0.5, third.Score.Ensemble, 1e-9)
}

func TestScoreModelUnavailable(t *testing.T) {
	s := NewScorer(lifecycle.NewRegistry(nil), nil, 0)

	_, err := s.Score(context.Background(), vector(0, 0))
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
}

func TestScoreSchemaMismatch(t *testing.T) {
	s := NewScorer(registryWith("v1", bundle(10, 80, 20, 90)), cache.NewLRUCache(16), time.Minute)

	_, err := s.Score(context.Background(), vector(0, 0, 0))
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
}
