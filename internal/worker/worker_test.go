package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
)

type fakeProcessor struct {
	mu    sync.Mutex
	subs  []*domain.Submission
	delay time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, sub *domain.Submission) (*domain.DecisionRecord, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return &domain.DecisionRecord{ID: "dec-" + sub.ID, SubmissionID: sub.ID, Decision: domain.DecisionApprove}, nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeRetrainer struct {
	mu    sync.Mutex
	types []domain.DocumentType
	all   atomic.Int32
}

func (f *fakeRetrainer) Retrain(_ context.Context, t domain.DocumentType) (*lifecycle.RetrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, t)
	return &lifecycle.RetrainResult{DocumentType: t, Accepted: true, VersionID: "v1"}, nil
}

func (f *fakeRetrainer) RetrainAll(context.Context) {
	f.all.Add(1)
}

func (f *fakeRetrainer) retrained() []domain.DocumentType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DocumentType(nil), f.types...)
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeProcessor{}, &fakeRetrainer{})
		if err := w.Start(Config{Concurrency: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats = w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("WithoutRetrainer", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeProcessor{}, nil)
		w.Start(Config{})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicDocumentSubmitted {
			t.Errorf("unexpected subscriptions: %+v", stats)
		}
	})

	t.Run("ProcessSubmission", func(t *testing.T) {
		proc := &fakeProcessor{}
		w := NewWorker(eventBus, proc, nil)
		w.Start(Config{Concurrency: 2})
		defer w.Stop()

		payload, _ := json.Marshal(domain.Submission{
			ID:           "sub-001",
			DocumentType: domain.DocumentCheck,
			Fields:       domain.Fields{"payer_name": "Dana Whitfield", "amount": 120.5},
		})
		if err := eventBus.Publish(ctx, domain.TopicDocumentSubmitted, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Stop waits for the in-flight submission.
		time.Sleep(50 * time.Millisecond)
		w.Stop()

		if proc.count() != 1 {
			t.Fatalf("expected 1 processed submission, got %d", proc.count())
		}
		got := proc.subs[0]
		if got.ID != "sub-001" || got.DocumentType != domain.DocumentCheck {
			t.Errorf("unexpected submission: %+v", got)
		}
		if got.Fields["amount"] != 120.5 {
			t.Errorf("fields not decoded: %v", got.Fields)
		}
	})

	t.Run("SubmissionWithoutIDUsesMessageID", func(t *testing.T) {
		proc := &fakeProcessor{}
		w := NewWorker(eventBus, proc, nil)
		w.Start(Config{})

		payload, _ := json.Marshal(domain.Submission{DocumentType: domain.DocumentPaystub})
		eventBus.Publish(ctx, domain.TopicDocumentSubmitted, payload)
		time.Sleep(50 * time.Millisecond)
		w.Stop()

		if proc.count() != 1 || proc.subs[0].ID == "" {
			t.Errorf("expected a generated submission id, got %+v", proc.subs)
		}
	})

	t.Run("StopWaitsForInFlight", func(t *testing.T) {
		proc := &fakeProcessor{delay: 100 * time.Millisecond}
		w := NewWorker(eventBus, proc, nil)
		w.Start(Config{Concurrency: 4})

		for i := 0; i < 3; i++ {
			payload, _ := json.Marshal(domain.Submission{DocumentType: domain.DocumentCheck})
			eventBus.Publish(ctx, domain.TopicDocumentSubmitted, payload)
		}
		time.Sleep(20 * time.Millisecond)
		w.Stop()

		if proc.count() != 3 {
			t.Errorf("expected 3 finished submissions after stop, got %d", proc.count())
		}
	})

	t.Run("Retrain", func(t *testing.T) {
		rt := &fakeRetrainer{}
		w := NewWorker(eventBus, &fakeProcessor{}, rt)
		w.Start(Config{})
		defer w.Stop()

		one, _ := json.Marshal(RetrainMessage{DocumentType: "money-order"})
		eventBus.Publish(ctx, domain.TopicRetrainRequested, one)
		eventBus.Publish(ctx, domain.TopicRetrainRequested, []byte(`{}`))
		bad, _ := json.Marshal(RetrainMessage{DocumentType: "invoice"})
		eventBus.Publish(ctx, domain.TopicRetrainRequested, bad)
		time.Sleep(100 * time.Millisecond)

		types := rt.retrained()
		if len(types) != 1 || types[0] != domain.DocumentMoneyOrder {
			t.Errorf("expected one money_order retrain, got %v", types)
		}
		if rt.all.Load() != 1 {
			t.Errorf("expected one retrain-all, got %d", rt.all.Load())
		}
	})
}
