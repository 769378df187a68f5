package lifecycle

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TrainingSource supplies labeled samples for a document type.
type TrainingSource interface {
	Samples(ctx context.Context, t domain.DocumentType) ([]*domain.TrainingSample, error)
}

// StoredSource reads samples recorded through the API.
type StoredSource struct {
	Store domain.TrainingStore
	// Limit bounds how many of the newest samples are read; zero reads all.
	Limit int
}

// Samples lists stored samples for t.
func (s StoredSource) Samples(ctx context.Context, t domain.DocumentType) ([]*domain.TrainingSample, error) {
	samples, err := s.Store.ListTrainingSamples(ctx, t, s.Limit)
	if err != nil {
		return nil, fmt.Errorf("list training samples: %w", err)
	}
	return samples, nil
}

// MixedSource concatenates sources in order: synthetic first, then real.
type MixedSource []TrainingSource

// Samples gathers samples from every source.
func (m MixedSource) Samples(ctx context.Context, t domain.DocumentType) ([]*domain.TrainingSample, error) {
	var all []*domain.TrainingSample
	for _, src := range m {
		samples, err := src.Samples(ctx, t)
		if err != nil {
			return nil, err
		}
		all = append(all, samples...)
	}
	return all, nil
}
