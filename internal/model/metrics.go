package model

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// R2 is the coefficient of determination of pred against y. A constant
// target scores 1 when predicted exactly and 0 otherwise.
func R2(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	if floats.Equal(y, pred) {
		return 1
	}
	if floats.Max(y) == floats.Min(y) {
		return 0
	}
	return stat.RSquaredFrom(pred, y, nil)
}

// MAE is the mean absolute error of pred against y.
func MAE(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	return floats.Distance(y, pred, 1) / float64(len(y))
}

// Split deterministically shuffles n row indices and cuts them into a
// training and a validation set.
func Split(n int, validationShare float64, seed uint64) (train, validation []int) {
	perm := newRand(seed).Perm(n)
	cut := n - int(float64(n)*validationShare)
	if cut < 1 {
		cut = n
	}
	return perm[:cut], perm[cut:]
}
