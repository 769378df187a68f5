//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel
// instance.
//
// These tests exercise the complete decision pipeline:
//
//	Document → Features → Score → Rules → Policy → Recommendation → Decision
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The target instance is read from KESTREL_TEST_URL (default
// http://localhost:8080) and must run with the built-in rule set. Every test
// uses identities unique to the run so fraud history from earlier runs does
// not leak into the assertions.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
	RunID   string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL: baseURL,
		RunID:   fmt.Sprintf("%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// DocumentRequest is the document sent to POST /documents/evaluate
type DocumentRequest struct {
	DocumentType string         `json:"documentType"`
	Fields       map[string]any `json:"fields"`
	RawText      string         `json:"rawText,omitempty"`
}

// DecisionResponse is what POST /documents/evaluate returns
type DecisionResponse struct {
	ID           string   `json:"id"`
	SubmissionID string   `json:"submissionId"`
	DocumentType string   `json:"documentType"`
	Identity     string   `json:"identity"`
	Fingerprint  string   `json:"fingerprint"`
	Decision     string   `json:"decision"` // APPROVE, ESCALATE or REJECT
	Source       string   `json:"source"`
	Anomalies    []string `json:"anomalies"`
	Degraded     bool     `json:"degraded"`
	Score        struct {
		Ensemble     float64 `json:"ensembleScore"`
		Adjusted     float64 `json:"adjustedScore"`
		ModelVersion string  `json:"modelVersion"`
	} `json:"score"`
	Metadata struct {
		TraceID       string `json:"traceId"`
		TotalMs       int64  `json:"totalMs"`
		EngineVersion string `json:"engineVersion"`
	} `json:"metadata"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func do(t *testing.T, method, target string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, respBody
}

func evaluate(t *testing.T, config TestConfig, req DocumentRequest) DecisionResponse {
	t.Helper()

	resp, body := do(t, http.MethodPost, config.BaseURL+"/documents/evaluate", req, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}

	var result DecisionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// check builds a well-formed check for a payer unique to this run.
func check(config TestConfig, payer, number string) DocumentRequest {
	return DocumentRequest{
		DocumentType: "check",
		Fields: map[string]any{
			"payer_name":     payer + " " + config.RunID,
			"bank_name":      "First Harbor Bank",
			"payee_name":     "Northside Supply",
			"amount":         "1250.00",
			"amount_written": "one thousand two hundred fifty and 00/100",
			"date":           "2026-02-20",
			"routing_number": "021000021",
			"account_number": "000123456789",
			"check_number":   number,
			"signature":      true,
		},
		RawText: "PAY TO THE ORDER OF Northside Supply $1,250.00 " + number,
	}
}

// ============================================================================
// SCENARIO 1: Well-formed check
// ============================================================================

func TestWellFormedCheck_Decided(t *testing.T) {
	/*
	   SCENARIO: A complete, signed check from a first-time payer.

	   EXPECTED BEHAVIOR:
	   - No validation anomalies (signature present, routing valid)
	   - A decision is recorded with a fingerprint and a trace ID
	   - With no active model the decision falls back to ESCALATE
	*/
	config := getTestConfig()

	result := evaluate(t, config, check(config, "Dana Whitfield", "1001"))

	if result.ID == "" || result.Fingerprint == "" {
		t.Errorf("Expected id and fingerprint, got %+v", result)
	}
	if result.Decision != "APPROVE" && result.Decision != "ESCALATE" && result.Decision != "REJECT" {
		t.Errorf("Unexpected decision %q", result.Decision)
	}
	if contains(result.Anomalies, "missing required signature") || contains(result.Anomalies, "invalid routing number") {
		t.Errorf("Expected no validation anomalies, got %v", result.Anomalies)
	}
	if result.Score.ModelVersion == "" && (result.Decision != "ESCALATE" || result.Source != "fallback") {
		t.Errorf("Without a model expected ESCALATE via fallback, got %s via %s", result.Decision, result.Source)
	}
	if result.Metadata.TraceID == "" {
		t.Error("Expected trace ID in metadata")
	}

	t.Logf("Decision: %s via %s (adjusted %.3f, model %q)",
		result.Decision, result.Source, result.Score.Adjusted, result.Score.ModelVersion)
}

// ============================================================================
// SCENARIO 2: Duplicate submission
// ============================================================================

func TestDuplicateSubmission_Rejected(t *testing.T) {
	/*
	   SCENARIO: The same check content is submitted twice.

	   EXPECTED BEHAVIOR:
	   - duplicate-submission is terminal and a hard reject
	   - Second decision is REJECT from validation
	*/
	config := getTestConfig()
	doc := check(config, "Morgan Vale", "2001")

	first := evaluate(t, config, doc)
	second := evaluate(t, config, doc)

	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("Same content should share a fingerprint: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if contains(first.Anomalies, "duplicate submission") {
		t.Errorf("First submission flagged as duplicate: %v", first.Anomalies)
	}
	if second.Decision != "REJECT" {
		t.Errorf("Expected REJECT for duplicate, got %s via %s", second.Decision, second.Source)
	}
	if !contains(second.Anomalies, "duplicate submission") {
		t.Errorf("Expected duplicate anomaly, got %v", second.Anomalies)
	}
}

// ============================================================================
// SCENARIO 3: Structural anomalies
// ============================================================================

func TestMissingSignatureAndBadRouting_Flagged(t *testing.T) {
	/*
	   SCENARIO: Unsigned check with a routing number failing the ABA checksum.

	   EXPECTED BEHAVIOR:
	   - missing-signature adds 0.30
	   - invalid-routing-number adds 0.15
	   - Both anomalies are listed on the record
	*/
	config := getTestConfig()

	doc := check(config, "Riley Stone", "3001")
	doc.Fields["signature"] = false
	doc.Fields["routing_number"] = "123456789"

	result := evaluate(t, config, doc)

	if !contains(result.Anomalies, "missing required signature") {
		t.Errorf("Expected missing signature anomaly, got %v", result.Anomalies)
	}
	if !contains(result.Anomalies, "invalid routing number") {
		t.Errorf("Expected invalid routing anomaly, got %v", result.Anomalies)
	}
	if result.Score.Adjusted < 0.44 {
		t.Errorf("Expected adjustments of at least 0.45, got %.3f", result.Score.Adjusted)
	}
}

// ============================================================================
// SCENARIO 4: Input errors
// ============================================================================

func TestInvalidRequests_Rejected(t *testing.T) {
	config := getTestConfig()

	tests := []struct {
		name string
		req  DocumentRequest
	}{
		{"UnknownType", DocumentRequest{DocumentType: "wire-transfer", Fields: map[string]any{"amount": "10"}}},
		{"MissingType", DocumentRequest{Fields: map[string]any{"amount": "10"}}},
		{"EmptyFields", DocumentRequest{DocumentType: "check", Fields: map[string]any{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, config.BaseURL+"/documents/evaluate", tt.req, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", resp.StatusCode, string(body))
			}
		})
	}
}

// ============================================================================
// SCENARIO 5: Audit trail and profiles
// ============================================================================

func TestDecisionAndProfileLookup(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, check(config, "Avery Quinn", "5001"))

	resp, body := do(t, http.MethodGet, config.BaseURL+"/decisions/"+result.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for decision lookup, got %d: %s", resp.StatusCode, string(body))
	}
	var stored DecisionResponse
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("Failed to unmarshal decision: %v", err)
	}
	if stored.Decision != result.Decision || stored.Fingerprint != result.Fingerprint {
		t.Errorf("Stored decision differs: %+v vs %+v", stored, result)
	}

	resp, body = do(t, http.MethodGet, config.BaseURL+"/profiles/"+url.PathEscape(result.Identity), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for profile, got %d: %s", resp.StatusCode, string(body))
	}
	var profile struct {
		Identity string `json:"identity"`
		State    string `json:"state"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		t.Fatalf("Failed to unmarshal profile: %v", err)
	}
	if profile.State == "" {
		t.Errorf("Expected a profile state, got %s", string(body))
	}

	resp, _ = do(t, http.MethodGet, config.BaseURL+"/decisions/does-not-exist-"+config.RunID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown decision, got %d", resp.StatusCode)
	}
}

// ============================================================================
// SCENARIO 6: Model lifecycle
// ============================================================================

func TestRetrainThenScore(t *testing.T) {
	/*
	   SCENARIO: Retrain the check model, then score a new document.

	   EXPECTED BEHAVIOR:
	   - Retrain returns a result (the gate may accept or reject)
	   - Model status lists an active check version
	   - The next decision carries the active model version
	*/
	config := getTestConfig()

	resp, body := do(t, http.MethodPost, config.BaseURL+"/models/check/retrain", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for retrain, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = do(t, http.MethodGet, config.BaseURL+"/models/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for model status, got %d: %s", resp.StatusCode, string(body))
	}
	var status struct {
		Models []struct {
			DocumentType  string `json:"documentType"`
			ActiveVersion string `json:"activeVersion"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	active := ""
	for _, m := range status.Models {
		if m.DocumentType == "check" {
			active = m.ActiveVersion
		}
	}
	if active == "" {
		t.Fatalf("Expected an active check model, got %s", string(body))
	}

	result := evaluate(t, config, check(config, "Jordan Pike", "6001"))
	if result.Score.ModelVersion != active {
		t.Errorf("Expected model version %s, got %q (%s via %s)", active, result.Score.ModelVersion, result.Decision, result.Source)
	}
	if result.Score.Ensemble < 0 || result.Score.Ensemble > 1 {
		t.Errorf("Ensemble score out of range: %.3f", result.Score.Ensemble)
	}
}

// ============================================================================
// SCENARIO 7: Tracing headers
// ============================================================================

func TestRequestIDPropagated(t *testing.T) {
	config := getTestConfig()

	requestID := "it-" + config.RunID
	resp, body := do(t, http.MethodPost, config.BaseURL+"/documents/evaluate",
		check(config, "Casey Lind", "7001"),
		map[string]string{"X-Request-ID": requestID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get("X-Request-ID"); got != requestID {
		t.Errorf("Expected X-Request-ID %q echoed, got %q", requestID, got)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Error("Expected X-Trace-ID header")
	}
}
