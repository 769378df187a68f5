// Package model implements the regressors behind the risk scorer: a CART
// regression tree, a bagged forest of trees, gradient-boosted trees and the
// standardizing scaler fitted alongside them.
package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scaler standardizes feature vectors to zero mean and unit variance using
// statistics fitted on a training set.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-feature mean and sample standard deviation.
// Constant features, and any feature fitted on a single row, get a unit
// deviation so they pass through centered.
func FitScaler(X [][]float64) *Scaler {
	if len(X) == 0 {
		return &Scaler{}
	}
	d := len(X[0])
	s := &Scaler{Mean: make([]float64, d), Std: make([]float64, d)}
	col := make([]float64, len(X))
	for j := 0; j < d; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if math.IsNaN(std) || std < 1e-12 {
			std = 1
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return s
}

// Dims returns the feature count the scaler was fitted on.
func (s *Scaler) Dims() int { return len(s.Mean) }

// Transform returns a standardized copy of x.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: scaler expects %d features, got %d", domain.ErrSchemaMismatch, len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out, nil
}

// TransformAll standardizes every row of X.
func (s *Scaler) TransformAll(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		r, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// Validate checks a deserialized scaler.
func (s *Scaler) Validate() error {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Std) {
		return fmt.Errorf("%w: scaler has %d means and %d deviations", domain.ErrModelUnavailable, len(s.Mean), len(s.Std))
	}
	for j, sd := range s.Std {
		if sd <= 0 || math.IsNaN(sd) || math.IsInf(sd, 0) || math.IsNaN(s.Mean[j]) {
			return fmt.Errorf("%w: scaler feature %d is not finite", domain.ErrModelUnavailable, j)
		}
	}
	return nil
}
