package model

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ScoreScale is the label and raw prediction range: risk is learned on 0–100.
const ScoreScale = 100.0

// Dataset is a labeled training matrix. Y is on the 0–100 scale.
type Dataset struct {
	X [][]float64
	Y []float64
}

// Len returns the row count.
func (d Dataset) Len() int { return len(d.Y) }

// Params configures Fit.
type Params struct {
	Trees           int
	MaxDepth        int
	MinLeaf         int
	BoostRounds     int
	LearningRate    float64
	ValidationShare float64
	Seed            uint64
}

// ParamsFrom derives training parameters from lifecycle configuration.
func ParamsFrom(cfg domain.LifecycleConfig) Params {
	return Params{
		Trees:           cfg.Trees,
		MaxDepth:        cfg.MaxDepth,
		MinLeaf:         cfg.MinLeaf,
		BoostRounds:     cfg.BoostRounds,
		LearningRate:    cfg.LearningRate,
		ValidationShare: 0.2,
		Seed:            cfg.Seed,
	}
}

// Bundle is the artifact set of one model version.
type Bundle struct {
	Scaler  *Scaler  `json:"scaler"`
	Bagged  *Forest  `json:"bagged"`
	Boosted *Boosted `json:"boosted"`
}

// Dims returns the input width the bundle expects.
func (b *Bundle) Dims() int { return b.Scaler.Dims() }

// Validate checks that all three artifacts are present, well formed and
// agree on the input width.
func (b *Bundle) Validate() error {
	if b == nil || b.Scaler == nil || b.Bagged == nil || b.Boosted == nil {
		return fmt.Errorf("%w: incomplete artifact set", domain.ErrModelUnavailable)
	}
	if err := b.Scaler.Validate(); err != nil {
		return err
	}
	if err := b.Bagged.Validate(); err != nil {
		return err
	}
	if err := b.Boosted.Validate(); err != nil {
		return err
	}
	d := b.Scaler.Dims()
	if b.Bagged.Features != d || b.Boosted.Features != d {
		return fmt.Errorf("%w: artifact widths scaler=%d bagged=%d boosted=%d",
			domain.ErrModelUnavailable, d, b.Bagged.Features, b.Boosted.Features)
	}
	return nil
}

// Predict standardizes x and returns both raw regressor outputs on the
// 0–100 scale, unclamped.
func (b *Bundle) Predict(x []float64) (bagged, boosted float64, err error) {
	z, err := b.Scaler.Transform(x)
	if err != nil {
		return 0, 0, err
	}
	return b.Bagged.Predict(z), b.Boosted.Predict(z), nil
}

// Ensemble combines raw outputs into the weighted risk on the 0–100 scale.
func Ensemble(bagged, boosted float64) float64 {
	return domain.BaggedWeight*clampScale(bagged) + domain.BoostedWeight*clampScale(boosted)
}

func clampScale(v float64) float64 {
	return domain.Clamp01(v/ScoreScale) * ScoreScale
}

// Fit trains a bundle on a deterministic train/validation split and reports
// validation metrics for the weighted ensemble.
func Fit(ds Dataset, p Params) (*Bundle, domain.TrainingMetrics, error) {
	start := time.Now()
	n := ds.Len()
	if n < 2 || len(ds.X) != n {
		return nil, domain.TrainingMetrics{}, fmt.Errorf("%w: %d samples", domain.ErrInsufficientTrainingData, n)
	}
	d := len(ds.X[0])
	for i, row := range ds.X {
		if len(row) != d {
			return nil, domain.TrainingMetrics{}, fmt.Errorf("%w: row %d has %d features, want %d", domain.ErrInvalidInput, i, len(row), d)
		}
	}

	trainIdx, validIdx := Split(n, p.ValidationShare, p.Seed)
	if len(validIdx) == 0 {
		validIdx = trainIdx
	}
	trainX, trainY := pick(ds, trainIdx)
	validX, validY := pick(ds, validIdx)

	scaler := FitScaler(trainX)
	zTrain, err := scaler.TransformAll(trainX)
	if err != nil {
		return nil, domain.TrainingMetrics{}, err
	}

	bundle := &Bundle{
		Scaler: scaler,
		Bagged: FitForest(zTrain, trainY, ForestParams{
			Trees:           p.Trees,
			MaxDepth:        p.MaxDepth,
			MinLeaf:         p.MinLeaf,
			FeatureFraction: 0.5,
			Seed:            p.Seed,
		}),
		Boosted: FitBoosted(zTrain, trainY, BoostParams{
			Rounds:       p.BoostRounds,
			LearningRate: p.LearningRate,
			MaxDepth:     min(p.MaxDepth, 4),
			MinLeaf:      p.MinLeaf,
			Subsample:    0.8,
			Seed:         p.Seed + 1,
		}),
	}

	baggedPred := make([]float64, len(validX))
	boostedPred := make([]float64, len(validX))
	ensemblePred := make([]float64, len(validX))
	for i, x := range validX {
		bg, bs, err := bundle.Predict(x)
		if err != nil {
			return nil, domain.TrainingMetrics{}, err
		}
		baggedPred[i] = clampScale(bg)
		boostedPred[i] = clampScale(bs)
		ensemblePred[i] = Ensemble(bg, bs)
	}

	metrics := domain.TrainingMetrics{
		SampleCount:     n,
		FeatureCount:    d,
		ValidationR2:    R2(validY, ensemblePred),
		ValidationMAE:   MAE(validY, ensemblePred),
		BaggedR2:        R2(validY, baggedPred),
		BoostedR2:       R2(validY, boostedPred),
		TrainedAt:       time.Now().UTC(),
		TrainingSeconds: time.Since(start).Seconds(),
	}
	return bundle, metrics, nil
}

func pick(ds Dataset, idx []int) ([][]float64, []float64) {
	X := make([][]float64, len(idx))
	y := make([]float64, len(idx))
	for i, j := range idx {
		X[i] = ds.X[j]
		y[i] = ds.Y[j]
	}
	return X, y
}
