// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DocumentType is the tag carried on every request. It selects the feature
// schema, the rule set and the model pair used for scoring.
type DocumentType string

const (
	DocumentCheck         DocumentType = "check"
	DocumentPaystub       DocumentType = "paystub"
	DocumentMoneyOrder    DocumentType = "money_order"
	DocumentBankStatement DocumentType = "bank_statement"
)

// DocumentTypes returns the closed set of supported document types.
func DocumentTypes() []DocumentType {
	return []DocumentType{
		DocumentCheck,
		DocumentPaystub,
		DocumentMoneyOrder,
		DocumentBankStatement,
	}
}

// Valid reports whether t is one of the supported document types.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentCheck, DocumentPaystub, DocumentMoneyOrder, DocumentBankStatement:
		return true
	}
	return false
}

// ParseDocumentType normalizes and validates a document type string.
// Accepts common spellings such as "money-order" or "Bank Statement".
func ParseDocumentType(s string) (DocumentType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	t := DocumentType(norm)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDocumentType, s)
	}
	return t, nil
}

// Fields is the normalized-fields record produced by the OCR collaborator.
// All fields are optional; values arrive as decoded JSON (string, float64,
// bool, nil) and are never trusted to have the expected type.
type Fields map[string]any

// Submission is a single document handed to the decision pipeline.
type Submission struct {
	ID           string       `json:"id"`
	DocumentType DocumentType `json:"documentType"`
	Fields       Fields       `json:"fields"`
	RawText      string       `json:"rawText"`

	// RawContent is the original uploaded bytes when available. It is used
	// for content addressing; Fields are canonicalized otherwise.
	RawContent []byte `json:"rawContent,omitempty"`

	// OCRConfidence is the collaborator's confidence in [0,1]; zero means unknown.
	OCRConfidence float64 `json:"ocrConfidence,omitempty"`

	ReceivedAt time.Time `json:"receivedAt"`
}
