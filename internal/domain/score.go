package domain

import "math"

// Ensemble weights. The boosted model generalizes slightly better, the
// bagged model is more robust to noisy samples and keeps a floor weight.
const (
	BaggedWeight  = 0.4
	BoostedWeight = 0.6
)

// RiskScore holds the per-request scores, all in [0,1].
type RiskScore struct {
	Bagged   float64 `json:"baggedScore"`
	Boosted  float64 `json:"boostedScore"`
	Ensemble float64 `json:"ensembleScore"`
	Adjusted float64 `json:"adjustedScore"`

	// ModelVersion is the version that produced Bagged and Boosted.
	ModelVersion string `json:"modelVersion,omitempty"`
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
