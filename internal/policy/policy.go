// Package policy implements the customer fraud-history policy engine.
//
// Every identity is in one of three states derived from its profile
// counters. ConfirmedFraud and New identities receive a mandatory verdict
// that bypasses all later reasoning; Escalated identities fall through to
// full decision fusion.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/retry"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

// Engine evaluates and records fraud history per identity.
type Engine struct {
	store domain.ProfileStore
	locks *syncutil.ContextShardedMutex
	cfg   domain.PolicyConfig
	now   func() time.Time
}

// NewEngine creates a policy engine over store. Zero config values fall
// back to the defaults.
func NewEngine(store domain.ProfileStore, cfg domain.PolicyConfig) *Engine {
	def := domain.DefaultConfig().Policy
	if cfg.LowRiskThreshold <= 0 {
		cfg.LowRiskThreshold = def.LowRiskThreshold
	}
	if cfg.HighRiskThreshold <= 0 {
		cfg.HighRiskThreshold = def.HighRiskThreshold
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = def.LockRetries
	}
	if cfg.LockBaseDelay <= 0 {
		cfg.LockBaseDelay = def.LockBaseDelay
	}
	return &Engine{
		store: store,
		locks: syncutil.NewContextShardedMutex(),
		cfg:   cfg,
		now:   time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() domain.PolicyConfig {
	return e.cfg
}

// Evaluate maps a profile and the adjusted score to a verdict. It is pure.
func (e *Engine) Evaluate(profile *domain.CustomerFraudProfile, adjusted float64) domain.PolicyVerdict {
	state := profile.State()
	switch state {
	case domain.IdentityConfirmedFraud:
		return domain.PolicyVerdict{
			State:     state,
			Mandatory: true,
			Decision:  domain.DecisionReject,
			Tag:       domain.TagRepeatOffender,
			Reason:    fmt.Sprintf("identity has %d confirmed fraud outcome(s)", profile.FraudCount),
		}
	case domain.IdentityEscalated:
		return domain.PolicyVerdict{
			State:  state,
			Reason: "identity has prior escalations, full review",
		}
	default:
		if adjusted < e.cfg.LowRiskThreshold {
			return domain.PolicyVerdict{
				State:     domain.IdentityNew,
				Mandatory: true,
				Decision:  domain.DecisionApprove,
				Tag:       domain.TagFirstTimeFast,
				Reason:    fmt.Sprintf("new identity below low-risk threshold %.2f", e.cfg.LowRiskThreshold),
			}
		}
		return domain.PolicyVerdict{
			State:     domain.IdentityNew,
			Mandatory: true,
			Decision:  domain.DecisionEscalate,
			Tag:       domain.TagFirstTimeReview,
			Reason:    fmt.Sprintf("new identity at or above low-risk threshold %.2f", e.cfg.LowRiskThreshold),
		}
	}
}

// Profile reads the current profile for identity. A missing profile or an
// empty identity returns nil, which evaluates as New.
func (e *Engine) Profile(ctx context.Context, identity string) (*domain.CustomerFraudProfile, error) {
	if identity == "" {
		return nil, nil
	}
	p, err := e.store.GetProfile(ctx, identity)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return p, nil
}

// Check reads the freshest profile and evaluates it. It must be called at
// decision time, not at request start.
func (e *Engine) Check(ctx context.Context, identity string, adjusted float64) (domain.PolicyVerdict, *domain.CustomerFraudProfile, error) {
	if identity == "" {
		// No history can be kept, so the document gets no first-time fast path.
		return domain.PolicyVerdict{
			State:  domain.IdentityNew,
			Tag:    domain.TagIdentityUnknown,
			Reason: "document carries no resolvable identity",
		}, nil, nil
	}
	p, err := e.Profile(ctx, identity)
	if err != nil {
		return domain.PolicyVerdict{}, nil, err
	}
	return e.Evaluate(p, adjusted), p, nil
}

// HighRisk reports whether an adjusted score counts toward high_risk_count.
func (e *Engine) HighRisk(adjusted float64) bool {
	return adjusted >= e.cfg.HighRiskThreshold
}

// Record applies a finalized decision to the identity's counters. Updates
// for one identity are serialized through an identity-scoped lock; lock
// contention is retried with backoff and then surfaced as
// domain.ErrIdentityLockTimeout.
func (e *Engine) Record(ctx context.Context, identity string, decision domain.Decision, adjusted float64) (*domain.CustomerFraudProfile, error) {
	if identity == "" {
		return nil, nil
	}
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: decision %q", domain.ErrInvalidInput, decision)
	}

	outcome := domain.ProfileOutcome{
		Decision: decision,
		HighRisk: e.HighRisk(adjusted),
		At:       e.now().UTC(),
	}

	var profile *domain.CustomerFraudProfile
	attempt := 0
	err := retry.Do(ctx, e.cfg.LockRetries, e.cfg.LockBaseDelay, func() error {
		attempt++
		lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
		defer cancel()

		unlock, err := e.locks.LockContext(lockCtx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			metrics.IdentityLockRetries.Inc()
			slog.Warn("identity lock contention", "identity", identity, "attempt", attempt)
			return domain.ErrIdentityLockTimeout
		}
		defer unlock()

		p, err := e.store.ApplyOutcome(ctx, identity, outcome)
		if err != nil {
			return retry.Permanent(fmt.Errorf("apply outcome: %w", err))
		}
		profile = p
		return nil
	})
	if errors.Is(err, domain.ErrIdentityLockTimeout) {
		return nil, fmt.Errorf("%w: identity %s after %d attempts", domain.ErrIdentityLockTimeout, identity, attempt)
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Archive hides a profile from active listings. Archived profiles keep
// driving policy.
func (e *Engine) Archive(ctx context.Context, identity string) error {
	return e.store.ArchiveProfile(ctx, identity)
}
