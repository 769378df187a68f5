package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrExtractionDegraded marks a feature that fell back to its sentinel.
	// It is never returned by extraction; it is logged and surfaced as an anomaly.
	ErrExtractionDegraded = errors.New("extraction degraded")

	// ErrModelUnavailable means no loadable scaler/model pair exists for the
	// document type. Callers must fall back, never substitute a score.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrSchemaMismatch wraps ErrModelUnavailable when the vector does not
	// match the schema of the active scaler.
	ErrSchemaMismatch = fmt.Errorf("%w: feature schema mismatch", ErrModelUnavailable)

	// ErrInsufficientTrainingData rejects a retrain request; the previous
	// active version is retained.
	ErrInsufficientTrainingData = errors.New("insufficient training data")

	// ErrPerformanceRegression is the reason recorded when a trained
	// candidate is kept inactive. It is a policy outcome, not a failure.
	ErrPerformanceRegression = errors.New("performance regression")

	// ErrIdentityLockTimeout is returned when concurrent updates to the same
	// identity could not be serialized within the retry budget.
	ErrIdentityLockTimeout = errors.New("identity lock timeout")

	ErrNotFound            = errors.New("record not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnknownDocumentType = errors.New("unknown document type")
)
