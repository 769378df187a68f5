// Package velocity provides per-identity submission velocity.
package velocity

import (
	"context"
	"fmt"
	"time"
)

// Counter is the persistence slice velocity needs.
type Counter interface {
	CountDecisionsByIdentity(ctx context.Context, identity string, since time.Time) (int64, error)
}

// Service counts recent decisions for an identity.
type Service struct {
	store  Counter
	window time.Duration
	now    func() time.Time
}

// NewService creates a velocity service over a trailing window.
func NewService(store Counter, window time.Duration) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Service{store: store, window: window, now: time.Now}
}

// Window returns the trailing window length.
func (s *Service) Window() time.Duration {
	return s.window
}

// Count returns the number of decisions recorded for identity within the
// window. An empty identity has no history and counts zero.
func (s *Service) Count(ctx context.Context, identity string) (int64, error) {
	if identity == "" {
		return 0, nil
	}
	since := s.now().UTC().Add(-s.window)
	n, err := s.store.CountDecisionsByIdentity(ctx, identity, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return n, nil
}
