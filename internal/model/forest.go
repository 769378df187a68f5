package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Forest is a bagged ensemble of regression trees. Each tree is grown on a
// bootstrap resample with a random feature subset per split; the prediction
// is the mean of the trees.
type Forest struct {
	Features int     `json:"features"`
	Trees    []*Tree `json:"trees"`
}

// ForestParams configures FitForest.
type ForestParams struct {
	Trees           int
	MaxDepth        int
	MinLeaf         int
	FeatureFraction float64
	Seed            uint64
}

// FitForest trains a bagged forest.
func FitForest(X [][]float64, y []float64, p ForestParams) *Forest {
	rng := newRand(p.Seed)
	n := len(X)
	f := &Forest{}
	if n > 0 {
		f.Features = len(X[0])
	}
	tp := TreeParams{MaxDepth: p.MaxDepth, MinLeaf: p.MinLeaf, FeatureFraction: p.FeatureFraction}
	for t := 0; t < p.Trees; t++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.IntN(n)
		}
		f.Trees = append(f.Trees, FitTree(X, y, idx, tp, rng))
	}
	return f
}

// Predict returns the mean tree prediction.
func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.Trees {
		sum += t.Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// Validate checks a deserialized forest.
func (f *Forest) Validate() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("%w: forest has no trees", domain.ErrModelUnavailable)
	}
	for _, t := range f.Trees {
		if t.Features != f.Features {
			return fmt.Errorf("%w: forest tree width %d, want %d", domain.ErrModelUnavailable, t.Features, f.Features)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
