package scoring

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var swapNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func swapClock() time.Time { return swapNow }

// reseedingSource draws a fresh synthetic set on every call so successive
// versions carry different weights.
type reseedingSource struct {
	calls atomic.Uint64
}

func (s *reseedingSource) Samples(ctx context.Context, t domain.DocumentType) ([]*domain.TrainingSample, error) {
	return lifecycle.SyntheticSource{Count: 300, Seed: s.calls.Add(1), Now: swapClock}.Samples(ctx, t)
}

type observation struct {
	vec   int
	score domain.RiskScore
}

func TestScoreDuringHotSwap(t *testing.T) {
	dir := t.TempDir()
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "models.db")})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	artifacts, err := lifecycle.NewFileStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	m := lifecycle.NewManager(repo, artifacts, &reseedingSource{}, domain.LifecycleConfig{
		RegressionTolerance: 100,
		HistoryLimit:        50,
		MinTrainingSamples:  100,
		Trees:               4,
		MaxDepth:            4,
		MinLeaf:             4,
		BoostRounds:         10,
		LearningRate:        0.2,
		Seed:                7,
	}, lifecycle.WithClock(swapClock))
	ctx := context.Background()

	first, err := m.Retrain(ctx, domain.DocumentCheck)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	second, err := m.Retrain(ctx, domain.DocumentCheck)
	require.NoError(t, err)
	require.True(t, second.Accepted)

	samples, err := lifecycle.SyntheticSource{Count: 8, Seed: 99, Now: swapClock}.Samples(ctx, domain.DocumentCheck)
	require.NoError(t, err)
	extractor := features.NewExtractor(swapClock)
	var vecs []*domain.FeatureVector
	for _, s := range samples {
		vec, err := extractor.Extract(&domain.Submission{DocumentType: domain.DocumentCheck, Fields: s.Fields, RawText: s.RawText})
		require.NoError(t, err)
		vecs = append(vecs, vec)
	}

	scorer := NewScorer(m.Registry(), nil, 0)

	stop := make(chan struct{})
	var swaps sync.WaitGroup
	swaps.Add(1)
	go func() {
		defer swaps.Done()
		ids := []string{first.VersionID, second.VersionID}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%3 == 2 {
				_, err := m.Rollback(ctx, domain.DocumentCheck)
				assert.NoError(t, err)
				continue
			}
			assert.NoError(t, m.Activate(ctx, domain.DocumentCheck, ids[i%2]))
		}
	}()

	var (
		mu   sync.Mutex
		seen []observation
	)
	var scorers sync.WaitGroup
	for w := 0; w < 8; w++ {
		scorers.Add(1)
		go func(w int) {
			defer scorers.Done()
			for i := 0; i < 200; i++ {
				idx := (w + i) % len(vecs)
				res, err := scorer.Score(ctx, vecs[idx])
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen = append(seen, observation{vec: idx, score: res.Score})
				mu.Unlock()
			}
		}(w)
	}

	third, err := m.Retrain(ctx, domain.DocumentCheck)
	assert.NoError(t, err)
	scorers.Wait()
	close(stop)
	swaps.Wait()
	require.NotNil(t, third)
	require.NotEmpty(t, seen)

	// Every score must match what its own version computes in isolation.
	byVersion := map[string]*Scorer{}
	for _, o := range seen {
		id := o.score.ModelVersion
		s, ok := byVersion[id]
		if !ok {
			mv, err := repo.GetModelVersion(ctx, id)
			require.NoError(t, err)
			b, err := artifacts.Load(ctx, mv)
			require.NoError(t, err)
			s = NewScorer(registryWith(id, b), nil, 0)
			byVersion[id] = s
		}
		want, err := s.Score(ctx, vecs[o.vec])
		require.NoError(t, err)
		assert.Equal(t, want.Score, o.score, "version %s", id)
	}
}
