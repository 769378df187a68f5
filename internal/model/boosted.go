package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Boosted is a gradient-boosted ensemble of shallow regression trees fitted
// to squared-error residuals.
type Boosted struct {
	Features     int     `json:"features"`
	Base         float64 `json:"base"`
	LearningRate float64 `json:"learningRate"`
	Trees        []*Tree `json:"trees"`
}

// BoostParams configures FitBoosted.
type BoostParams struct {
	Rounds       int
	LearningRate float64
	MaxDepth     int
	MinLeaf      int
	// Subsample is the share of rows drawn without replacement per round.
	Subsample float64
	Seed      uint64
}

// FitBoosted trains a gradient-boosted regressor.
func FitBoosted(X [][]float64, y []float64, p BoostParams) *Boosted {
	rng := newRand(p.Seed)
	n := len(X)
	m := &Boosted{LearningRate: p.LearningRate}
	if n == 0 {
		return m
	}
	m.Features = len(X[0])
	for _, v := range y {
		m.Base += v
	}
	m.Base /= float64(n)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = m.Base
	}
	residual := make([]float64, n)
	size := n
	if p.Subsample > 0 && p.Subsample < 1 {
		size = int(float64(n) * p.Subsample)
		if size < 1 {
			size = 1
		}
	}
	tp := TreeParams{MaxDepth: p.MaxDepth, MinLeaf: p.MinLeaf}

	for round := 0; round < p.Rounds; round++ {
		for i := range residual {
			residual[i] = y[i] - pred[i]
		}
		idx := rng.Perm(n)[:size]
		tree := FitTree(X, residual, idx, tp, rng)
		m.Trees = append(m.Trees, tree)
		for i := range pred {
			pred[i] += m.LearningRate * tree.Predict(X[i])
		}
	}
	return m
}

// Predict returns the boosted prediction for x.
func (m *Boosted) Predict(x []float64) float64 {
	out := m.Base
	for _, t := range m.Trees {
		out += m.LearningRate * t.Predict(x)
	}
	return out
}

// Validate checks a deserialized boosted model.
func (m *Boosted) Validate() error {
	if len(m.Trees) == 0 || m.LearningRate <= 0 {
		return fmt.Errorf("%w: boosted model has %d trees, learning rate %v", domain.ErrModelUnavailable, len(m.Trees), m.LearningRate)
	}
	for _, t := range m.Trees {
		if t.Features != m.Features {
			return fmt.Errorf("%w: boosted tree width %d, want %d", domain.ErrModelUnavailable, t.Features, m.Features)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}
