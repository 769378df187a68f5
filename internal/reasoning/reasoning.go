// Package reasoning is the client for the external contextual-reasoning
// collaborator. The collaborator is optional: every failure is returned as
// an error the pipeline absorbs by falling back to score thresholds.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/circuitbreaker"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var (
	// ErrUnavailable is returned while the circuit is open.
	ErrUnavailable = errors.New("reasoning service unavailable")

	// ErrInvalidResponse is returned for a response that is not a usable recommendation.
	ErrInvalidResponse = errors.New("invalid reasoning response")
)

const maxResponseBytes = 1 << 20

// Request is the context handed to the collaborator.
type Request struct {
	SubmissionID string                       `json:"submission_id"`
	DocumentType domain.DocumentType          `json:"document_type"`
	Fields       domain.Fields                `json:"fields"`
	RawText      string                       `json:"raw_text,omitempty"`
	Score        domain.RiskScore             `json:"score"`
	Anomalies    []string                     `json:"anomalies"`
	Profile      *domain.CustomerFraudProfile `json:"profile,omitempty"`
}

// Reasoner produces an optional recommendation. A nil recommendation with a
// nil error means the collaborator was not consulted.
type Reasoner interface {
	Recommend(ctx context.Context, req *Request) (*domain.Recommendation, error)
}

// New returns an HTTP client when reasoning is enabled, a Noop otherwise.
func New(cfg domain.ReasoningConfig) (Reasoner, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return Noop{}, nil
	}
	return NewClient(cfg)
}

// Noop never consults anything.
type Noop struct{}

// Recommend returns no recommendation.
func (Noop) Recommend(context.Context, *Request) (*domain.Recommendation, error) {
	return nil, nil
}

// Client calls the collaborator over HTTP with a bounded timeout and a
// circuit breaker keyed by host.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	key      string
	http     *http.Client
	breaker  *circuitbreaker.Breaker
}

// NewClient creates an HTTP reasoning client.
func NewClient(cfg domain.ReasoningConfig) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: reasoning endpoint %q", domain.ErrInvalidInput, cfg.Endpoint)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		key:      u.Host,
		http:     &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}, nil
}

// Recommend posts the request and decodes the recommendation.
func (c *Client) Recommend(ctx context.Context, req *Request) (*domain.Recommendation, error) {
	if !c.breaker.Allow(c.key) {
		metrics.ReasoningCalls.WithLabelValues("circuit_open").Inc()
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rec, err := c.call(ctx, req)
	if err != nil {
		c.breaker.RecordFailure(c.key)
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.ReasoningCalls.WithLabelValues(result).Inc()
		slog.Warn("reasoning call failed",
			"submission_id", req.SubmissionID,
			"result", result,
			"error", err,
		)
		return nil, err
	}

	c.breaker.RecordSuccess(c.key)
	metrics.ReasoningCalls.WithLabelValues("ok").Inc()
	return rec, nil
}

func (c *Client) call(ctx context.Context, req *Request) (*domain.Recommendation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reasoning service returned %d", resp.StatusCode)
	}
	return Decode(data)
}

// Decode parses and normalizes a recommendation. The decision must be one
// of the three decisions; confidence is clamped to [0,1].
func Decode(data []byte) (*domain.Recommendation, error) {
	var rec domain.Recommendation
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	rec.Decision = domain.Decision(strings.ToUpper(strings.TrimSpace(string(rec.Decision))))
	if !rec.Decision.Valid() {
		return nil, fmt.Errorf("%w: decision %q", ErrInvalidResponse, rec.Decision)
	}
	rec.Confidence = domain.Clamp01(rec.Confidence)
	if rec.FraudTags == nil {
		rec.FraudTags = []string{}
	}
	return &rec, nil
}
