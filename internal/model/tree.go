package model

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Node is one node of a regression tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

// Tree is a CART regression tree stored as a flat node array rooted at 0.
type Tree struct {
	Features int    `json:"features"`
	Nodes    []Node `json:"nodes"`
}

// TreeParams bounds tree growth.
type TreeParams struct {
	MaxDepth int
	MinLeaf  int
	// FeatureFraction is the share of features considered at each split.
	// Zero or one considers all features.
	FeatureFraction float64
}

// Predict walks the tree for x.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Validate checks that every split references a known feature and every
// child index points forward inside the node array.
func (t *Tree) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: empty tree", domain.ErrModelUnavailable)
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= t.Features {
			return fmt.Errorf("%w: node %d splits on feature %d of %d", domain.ErrModelUnavailable, i, n.Feature, t.Features)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("%w: node %d has invalid children", domain.ErrModelUnavailable, i)
		}
	}
	return nil
}

// FitTree grows a regression tree on the rows of X selected by idx.
func FitTree(X [][]float64, y []float64, idx []int, p TreeParams, rng *rand.Rand) *Tree {
	d := 0
	if len(X) > 0 {
		d = len(X[0])
	}
	if p.MinLeaf < 1 {
		p.MinLeaf = 1
	}
	b := &treeBuilder{X: X, y: y, p: p, rng: rng, features: d}
	b.grow(idx, 0)
	return &Tree{Features: d, Nodes: b.nodes}
}

type treeBuilder struct {
	X        [][]float64
	y        []float64
	p        TreeParams
	rng      *rand.Rand
	features int
	nodes    []Node
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	var sum float64
	for _, i := range idx {
		sum += b.y[i]
	}
	mean := 0.0
	if len(idx) > 0 {
		mean = sum / float64(len(idx))
	}
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1, Value: mean})

	if depth >= b.p.MaxDepth || len(idx) < 2*b.p.MinLeaf {
		return id
	}
	feature, threshold, ok := b.bestSplit(idx, sum)
	if !ok {
		return id
	}
	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r, Value: mean}
	return id
}

// bestSplit maximizes the reduction in squared error, which for a fixed
// parent is the same as maximizing sumL²/nL + sumR²/nR.
func (b *treeBuilder) bestSplit(idx []int, total float64) (int, float64, bool) {
	n := len(idx)
	parent := total * total / float64(n)
	bestGain := 1e-9
	bestFeature, bestThreshold := -1, 0.0

	sorted := make([]int, n)
	for _, f := range b.candidates() {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		var left float64
		for k := 1; k < n; k++ {
			left += b.y[sorted[k-1]]
			if k < b.p.MinLeaf || n-k < b.p.MinLeaf {
				continue
			}
			lo, hi := b.X[sorted[k-1]][f], b.X[sorted[k]][f]
			if lo == hi {
				continue
			}
			right := total - left
			gain := left*left/float64(k) + right*right/float64(n-k) - parent
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (lo + hi) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func (b *treeBuilder) candidates() []int {
	all := make([]int, b.features)
	for i := range all {
		all[i] = i
	}
	frac := b.p.FeatureFraction
	if frac <= 0 || frac >= 1 || b.rng == nil {
		return all
	}
	k := int(float64(b.features)*frac + 0.5)
	if k < 1 {
		k = 1
	}
	b.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:k]
}
