package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
)

// Publisher receives lifecycle events. domain.EventBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// RetrainResult reports a training run. Accepted means the candidate passed
// the activation gate and is now active.
type RetrainResult struct {
	DocumentType domain.DocumentType    `json:"documentType"`
	Accepted     bool                   `json:"accepted"`
	VersionID    string                 `json:"versionId"`
	Reason       string                 `json:"reason,omitempty"`
	Metrics      domain.TrainingMetrics `json:"metrics"`
}

// TypeStatus is the lifecycle state of one document type.
type TypeStatus struct {
	DocumentType   domain.DocumentType  `json:"documentType"`
	ActiveVersion  string               `json:"activeVersion,omitempty"`
	PreviousActive string               `json:"previousActive,omitempty"`
	LastTrained    *time.Time           `json:"lastTrained,omitempty"`
	MetricsHistory []VersionMetrics     `json:"metricsHistory"`
	Events         []*domain.ModelEvent `json:"events"`
}

// VersionMetrics is one row of the retained history.
type VersionMetrics struct {
	VersionID string                 `json:"versionId"`
	Active    bool                   `json:"active"`
	Metrics   domain.TrainingMetrics `json:"metrics"`
}

// Manager owns the model lifecycle. Writers are serialized per document
// type; scoring never takes these locks and only reads the registry.
type Manager struct {
	repo      domain.ModelStore
	artifacts ArtifactStore
	registry  *Registry
	source    TrainingSource
	extractor *features.Extractor
	publisher Publisher
	cfg       domain.LifecycleConfig
	now       func() time.Time

	locks map[domain.DocumentType]*sync.Mutex

	idMu   sync.Mutex
	lastID string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher publishes every lifecycle event on domain.TopicModelEvent.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock overrides the manager clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the lifecycle manager. The registry is created here and
// loads artifacts through the artifact store.
func NewManager(repo domain.ModelStore, artifacts ArtifactStore, source TrainingSource, cfg domain.LifecycleConfig, opts ...Option) *Manager {
	def := domain.DefaultConfig().Models
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.RegressionTolerance < 0 {
		cfg.RegressionTolerance = def.RegressionTolerance
	}
	m := &Manager{
		repo:      repo,
		artifacts: artifacts,
		source:    source,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[domain.DocumentType]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.extractor = features.NewExtractor(m.now)
	m.registry = NewRegistry(artifacts.Load)
	for _, t := range domain.DocumentTypes() {
		m.locks[t] = &sync.Mutex{}
	}
	return m
}

// Registry returns the registry the scorer resolves through.
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) lock(t domain.DocumentType) (func(), error) {
	mu, ok := m.locks[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDocumentType, t)
	}
	mu.Lock()
	return mu.Unlock, nil
}

// Bootstrap installs the persisted active pointers without loading any
// artifact. With AutoTrain, document types without an active version are
// trained now.
func (m *Manager) Bootstrap(ctx context.Context) error {
	for _, t := range domain.DocumentTypes() {
		ptr, err := m.repo.GetActivePointer(ctx, t)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return fmt.Errorf("read active pointer %s: %w", t, err)
		default:
			mv, err := m.repo.GetModelVersion(ctx, ptr.VersionID)
			if err != nil {
				return fmt.Errorf("read active version %s: %w", ptr.VersionID, err)
			}
			m.registry.Set(t, &Entry{Version: mv})
			slog.Info("active model registered", "document_type", t, "version_id", mv.ID)
			continue
		}

		if !m.cfg.AutoTrain {
			slog.Warn("no active model, scoring will fall back", "document_type", t)
			continue
		}
		res, err := m.Retrain(ctx, t)
		if err != nil {
			slog.Warn("bootstrap training failed", "document_type", t, "error", err)
			continue
		}
		slog.Info("bootstrap training finished", "document_type", t, "version_id", res.VersionID, "accepted", res.Accepted)
	}
	return nil
}

// Retrain trains a candidate for t and activates it if it passes the gate.
// Too few samples return domain.ErrInsufficientTrainingData and leave the
// active version untouched.
func (m *Manager) Retrain(ctx context.Context, t domain.DocumentType) (*RetrainResult, error) {
	unlock, err := m.lock(t)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	samples, err := m.source.Samples(ctx, t)
	if err != nil {
		return nil, err
	}
	minSamples := max(m.cfg.MinTrainingSamples, 2)
	if len(samples) < minSamples {
		return nil, fmt.Errorf("%w: %d samples for %s, need %d",
			domain.ErrInsufficientTrainingData, len(samples), t, minSamples)
	}

	ds, err := m.dataset(t, samples)
	if err != nil {
		return nil, err
	}
	bundle, tm, err := model.Fit(ds, model.ParamsFrom(m.cfg))
	if err != nil {
		m.event(ctx, t, "", domain.ModelEventFailed, err.Error())
		return nil, err
	}
	metrics.ModelTrainingDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())

	mv := &domain.ModelVersion{
		ID:           m.nextVersionID(),
		DocumentType: t,
		Metrics:      tm,
		CreatedAt:    m.now(),
	}
	if err := m.artifacts.Save(ctx, mv, bundle); err != nil {
		return nil, fmt.Errorf("save artifacts: %w", err)
	}
	if err := m.repo.SaveModelVersion(ctx, mv); err != nil {
		return nil, fmt.Errorf("save model version: %w", err)
	}

	res := &RetrainResult{DocumentType: t, VersionID: mv.ID, Metrics: tm}

	current := m.registry.Current(t)
	var active *domain.TrainingMetrics
	if current != nil && current.Version != nil {
		active = &current.Version.Metrics
	}
	if ok, reason := Gate(tm, active, m.cfg.RegressionTolerance); !ok {
		res.Reason = reason
		m.event(ctx, t, mv.ID, domain.ModelEventRejected, fmt.Sprintf("%v: %s", domain.ErrPerformanceRegression, reason))
		slog.Warn("candidate model rejected",
			"document_type", t,
			"version_id", mv.ID,
			"reason", reason,
		)
	} else {
		if err := m.swap(ctx, t, mv, bundle); err != nil {
			return nil, err
		}
		res.Accepted = true
		m.event(ctx, t, mv.ID, domain.ModelEventActivated, "passed activation gate")
		slog.Info("candidate model activated",
			"document_type", t,
			"version_id", mv.ID,
			"validation_r2", tm.ValidationR2,
			"validation_mae", tm.ValidationMAE,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	m.prune(ctx, t)
	return res, nil
}

// Gate decides whether a candidate may replace the active version. A
// candidate is rejected when its validation MAE exceeds the active MAE by
// more than tolerance, or its R² drops by more than tolerance relative to
// the active R². Without an active version every candidate passes.
func Gate(candidate domain.TrainingMetrics, active *domain.TrainingMetrics, tolerance float64) (bool, string) {
	if active == nil {
		return true, ""
	}
	if limit := active.ValidationMAE * (1 + tolerance); candidate.ValidationMAE > limit {
		return false, fmt.Sprintf("validation MAE %.3f exceeds %.3f (active %.3f, tolerance %.0f%%)",
			candidate.ValidationMAE, limit, active.ValidationMAE, tolerance*100)
	}
	drop := active.ValidationR2 - candidate.ValidationR2
	allowed := tolerance
	if active.ValidationR2 > 0 {
		allowed = active.ValidationR2 * tolerance
	}
	if drop > allowed {
		return false, fmt.Sprintf("validation R² %.3f dropped more than %.0f%% from active %.3f",
			candidate.ValidationR2, tolerance*100, active.ValidationR2)
	}
	return true, ""
}

// Activate makes an existing version active. Manual activation skips the
// gate but still refuses versions whose artifacts do not load.
func (m *Manager) Activate(ctx context.Context, t domain.DocumentType, versionID string) error {
	return m.activate(ctx, t, versionID, domain.ModelEventActivated, "manual activation")
}

// Rollback reactivates the version that was active before the current one.
func (m *Manager) Rollback(ctx context.Context, t domain.DocumentType) (string, error) {
	unlock, err := m.lock(t)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Read under the type lock so a concurrent activation cannot leave
	// PreviousID stale.
	ptr, err := m.repo.GetActivePointer(ctx, t)
	if err != nil {
		return "", fmt.Errorf("read active pointer: %w", err)
	}
	if ptr.PreviousID == "" {
		return "", fmt.Errorf("%w: no previous version for %s", domain.ErrNotFound, t)
	}
	if err := m.activateLocked(ctx, t, ptr.PreviousID, domain.ModelEventRolledBack, "rollback from "+ptr.VersionID); err != nil {
		return "", err
	}
	return ptr.PreviousID, nil
}

func (m *Manager) activate(ctx context.Context, t domain.DocumentType, versionID string, ev domain.ModelEventType, reason string) error {
	unlock, err := m.lock(t)
	if err != nil {
		return err
	}
	defer unlock()
	return m.activateLocked(ctx, t, versionID, ev, reason)
}

// activateLocked loads and swaps in versionID. The caller holds t's lock.
func (m *Manager) activateLocked(ctx context.Context, t domain.DocumentType, versionID string, ev domain.ModelEventType, reason string) error {
	mv, err := m.repo.GetModelVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("read version %s: %w", versionID, err)
	}
	if mv.DocumentType != t {
		return fmt.Errorf("%w: version %s belongs to %s", domain.ErrInvalidInput, versionID, mv.DocumentType)
	}
	bundle, err := m.artifacts.Load(ctx, mv)
	if err != nil {
		return err
	}
	if err := m.swap(ctx, t, mv, bundle); err != nil {
		return err
	}
	m.event(ctx, t, mv.ID, ev, reason)
	slog.Info("model version activated", "document_type", t, "version_id", mv.ID, "event", ev)
	return nil
}

// swap persists the pointer first, then flips the in-memory registry.
// caller must hold the type lock
func (m *Manager) swap(ctx context.Context, t domain.DocumentType, mv *domain.ModelVersion, bundle *model.Bundle) error {
	ptr := &domain.ActivePointer{
		DocumentType: t,
		VersionID:    mv.ID,
		UpdatedAt:    m.now(),
	}
	if prev, err := m.repo.GetActivePointer(ctx, t); err == nil && prev.VersionID != mv.ID {
		ptr.PreviousID = prev.VersionID
	} else if err == nil {
		ptr.PreviousID = prev.PreviousID
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("read active pointer: %w", err)
	}

	if err := m.repo.SetActivePointer(ctx, ptr); err != nil {
		return fmt.Errorf("set active pointer: %w", err)
	}
	active := *mv
	active.Active = true
	m.registry.Set(t, &Entry{Version: &active, Bundle: bundle})
	return nil
}

// prune deletes the oldest versions beyond the history limit. The active
// and previous versions are always kept. caller must hold the type lock
func (m *Manager) prune(ctx context.Context, t domain.DocumentType) {
	versions, err := m.repo.ListModelVersions(ctx, t)
	if err != nil || len(versions) <= m.cfg.HistoryLimit {
		return
	}
	keep := map[string]bool{}
	if ptr, err := m.repo.GetActivePointer(ctx, t); err == nil {
		keep[ptr.VersionID] = true
		keep[ptr.PreviousID] = true
	}

	excess := len(versions) - m.cfg.HistoryLimit
	for i := len(versions) - 1; i >= 0 && excess > 0; i-- {
		mv := versions[i]
		if keep[mv.ID] || mv.Active {
			continue
		}
		if err := m.repo.DeleteModelVersion(ctx, mv.ID); err != nil {
			slog.Warn("prune model version failed", "version_id", mv.ID, "error", err)
			continue
		}
		if err := m.artifacts.Delete(ctx, mv); err != nil {
			slog.Warn("prune artifacts failed", "version_id", mv.ID, "error", err)
		}
		m.event(ctx, t, mv.ID, domain.ModelEventPruned, "history limit")
		excess--
	}
}

// Status reports the lifecycle state of every document type.
func (m *Manager) Status(ctx context.Context) ([]TypeStatus, error) {
	out := make([]TypeStatus, 0, len(domain.DocumentTypes()))
	for _, t := range domain.DocumentTypes() {
		st := TypeStatus{DocumentType: t, MetricsHistory: []VersionMetrics{}}
		if ptr, err := m.repo.GetActivePointer(ctx, t); err == nil {
			st.ActiveVersion = ptr.VersionID
			st.PreviousActive = ptr.PreviousID
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		versions, err := m.repo.ListModelVersions(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, mv := range versions {
			st.MetricsHistory = append(st.MetricsHistory, VersionMetrics{
				VersionID: mv.ID,
				Active:    mv.ID == st.ActiveVersion,
				Metrics:   mv.Metrics,
			})
		}
		if len(versions) > 0 {
			trained := versions[0].Metrics.TrainedAt
			if trained.IsZero() {
				trained = versions[0].CreatedAt
			}
			st.LastTrained = &trained
		}

		events, err := m.repo.ListModelEvents(ctx, t, 20)
		if err != nil {
			return nil, err
		}
		st.Events = events
		out = append(out, st)
	}
	return out, nil
}

// Run retrains every document type on the configured interval until ctx is
// done. Failures are logged; the active versions stay in place.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.RetrainInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.RetrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RetrainAll(ctx)
		}
	}
}

// RetrainAll retrains each document type in turn.
func (m *Manager) RetrainAll(ctx context.Context) {
	for _, t := range domain.DocumentTypes() {
		if ctx.Err() != nil {
			return
		}
		res, err := m.Retrain(ctx, t)
		if err != nil {
			slog.Warn("scheduled retrain failed", "document_type", t, "error", err)
			continue
		}
		slog.Info("scheduled retrain finished", "document_type", t, "version_id", res.VersionID, "accepted", res.Accepted)
	}
}

func (m *Manager) dataset(t domain.DocumentType, samples []*domain.TrainingSample) (model.Dataset, error) {
	ds := model.Dataset{
		X: make([][]float64, 0, len(samples)),
		Y: make([]float64, 0, len(samples)),
	}
	for _, s := range samples {
		vec, err := m.extractor.Extract(&domain.Submission{
			DocumentType: t,
			Fields:       s.Fields,
			RawText:      s.RawText,
		})
		if err != nil {
			return model.Dataset{}, err
		}
		ds.X = append(ds.X, vec.Values)
		ds.Y = append(ds.Y, s.Label)
	}
	return ds, nil
}

// nextVersionID returns a sortable timestamp token that is strictly greater
// than every ID this manager issued before.
func (m *Manager) nextVersionID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()

	ts := m.now().UTC()
	id := versionID(ts)
	for id <= m.lastID {
		ts = ts.Add(time.Microsecond)
		id = versionID(ts)
	}
	m.lastID = id
	return id
}

func versionID(ts time.Time) string {
	return fmt.Sprintf("v%s%06d", ts.Format("20060102T150405"), ts.Nanosecond()/1000)
}

func (m *Manager) event(ctx context.Context, t domain.DocumentType, versionID string, typ domain.ModelEventType, reason string) {
	ev := &domain.ModelEvent{
		ID:           uuid.New().String(),
		DocumentType: t,
		VersionID:    versionID,
		Type:         typ,
		Reason:       reason,
		CreatedAt:    m.now(),
	}
	metrics.ModelEvents.WithLabelValues(string(t), string(typ)).Inc()
	if err := m.repo.AppendModelEvent(ctx, ev); err != nil {
		slog.Warn("record model event failed", "document_type", t, "event", typ, "error", err)
	}
	if m.publisher != nil {
		if payload, err := json.Marshal(ev); err == nil {
			if err := m.publisher.Publish(ctx, domain.TopicModelEvent, payload); err != nil {
				slog.Warn("publish model event failed", "event", typ, "error", err)
			}
		}
	}
}
