// Package worker processes submissions and retrain requests from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
)

// Processor decides one submission. *pipeline.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, sub *domain.Submission) (*domain.DecisionRecord, error)
}

// Retrainer runs on-demand training. *lifecycle.Manager satisfies it.
type Retrainer interface {
	Retrain(ctx context.Context, t domain.DocumentType) (*lifecycle.RetrainResult, error)
	RetrainAll(ctx context.Context)
}

// Worker consumes the submission and retrain topics.
type Worker struct {
	bus       domain.EventBus
	processor Processor
	retrainer Retrainer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of submissions processed at once.
	Concurrency int
}

// RetrainMessage is the payload of a retrain request. An empty document
// type retrains every type.
type RetrainMessage struct {
	DocumentType string `json:"documentType"`
}

// NewWorker creates a new async worker. A nil retrainer leaves retrain
// requests unsubscribed.
func NewWorker(bus domain.EventBus, processor Processor, retrainer Retrainer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		retrainer: retrainer,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes the worker.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	if err := w.subscribe(domain.TopicDocumentSubmitted, w.handleSubmission); err != nil {
		return err
	}
	if w.retrainer != nil {
		if err := w.subscribe(domain.TopicRetrainRequested, w.handleRetrain); err != nil {
			return err
		}
	}

	slog.Info("worker started",
		"concurrency", cfg.Concurrency,
		"retrain", w.retrainer != nil,
	)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// handleSubmission hands the submission to a bounded set of goroutines so a
// slow document does not hold up the subscription.
func (w *Worker) handleSubmission(ctx context.Context, msg *domain.Message) error {
	var sub domain.Submission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		slog.Error("failed to parse submission message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sub.ID == "" {
		sub.ID = msg.ID
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// In-flight documents finish even when the worker is stopping.
	procCtx := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(procCtx, &sub)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, sub *domain.Submission) {
	start := time.Now()
	rec, err := w.processor.Process(ctx, sub)
	if err != nil {
		slog.Error("submission processing failed",
			"submission_id", sub.ID,
			"document_type", sub.DocumentType,
			"error", err,
		)
		return
	}

	slog.Info("submission processed",
		"submission_id", sub.ID,
		"decision_id", rec.ID,
		"decision", rec.Decision,
		"source", rec.Source,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) handleRetrain(ctx context.Context, msg *domain.Message) error {
	var req RetrainMessage
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("failed to parse retrain message", "message_id", msg.ID, "error", err)
			return err
		}
	}

	if req.DocumentType == "" {
		w.retrainer.RetrainAll(ctx)
		return nil
	}

	t, err := domain.ParseDocumentType(req.DocumentType)
	if err != nil {
		return err
	}
	res, err := w.retrainer.Retrain(ctx, t)
	if err != nil {
		return fmt.Errorf("retrain %s: %w", t, err)
	}
	slog.Info("retrain request finished",
		"document_type", t,
		"version_id", res.VersionID,
		"accepted", res.Accepted,
	)
	return nil
}

// Stop unsubscribes and waits for in-flight submissions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
