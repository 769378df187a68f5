// Benchmark tool for testing Kestrel against labeled documents.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -type check -count 2000
//	go run ./cmd/benchmark -jsonl /path/to/labeled.jsonl
//
// This tool:
//  1. Generates labeled documents (or reads training-sample JSON lines)
//  2. Sends each document to Kestrel for a synchronous decision
//  3. Compares Kestrel's decision with the risk label
//  4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
)

// EvaluateRequest is the Kestrel API request format
type EvaluateRequest struct {
	DocumentType string        `json:"documentType"`
	Fields       domain.Fields `json:"fields"`
	RawText      string        `json:"rawText,omitempty"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Clean document flagged
	TrueNegatives  int64 // Clean document approved
	FalseNegatives int64 // Fraud approved (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu        sync.Mutex
	decisions map[string]int64
}

func (m *Metrics) countDecision(rec *domain.DecisionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[string(rec.Decision)+" via "+string(rec.Source)]++
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	jsonlPath := flag.String("jsonl", "", "Path to labeled samples, one JSON training sample per line")
	docType := flag.String("type", "check", "Document type to generate when no file is given")
	count := flag.Int("count", 1000, "Documents to generate")
	seed := flag.Uint64("seed", 20260301, "Generator seed; use a different one than training")
	fraudLabel := flag.Float64("fraud-label", 50, "Label (0-100) at or above which a document counts as fraud")
	escalateFlags := flag.Bool("escalate-flags", true, "Count ESCALATE as a positive prediction")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each document result")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println("          KESTREL BENCHMARK - Document Fraud Decisions")
	fmt.Println("===============================================================")
	fmt.Printf("\nKestrel URL:   %s\n", *baseURL)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Fraud label:   >= %.0f\n", *fraudLabel)
	fmt.Printf("Positive:      REJECT%s\n", map[bool]string{true: " + ESCALATE", false: ""}[*escalateFlags])
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	var samples []*domain.TrainingSample
	var err error
	if *jsonlPath != "" {
		fmt.Printf("\nReading samples from %s...\n", *jsonlPath)
		samples, err = readJSONL(*jsonlPath)
	} else {
		var t domain.DocumentType
		t, err = domain.ParseDocumentType(*docType)
		if err == nil {
			fmt.Printf("\nGenerating %d %s documents (seed %d)...\n", *count, t, *seed)
			samples, err = lifecycle.SyntheticSource{Count: *count, Seed: *seed}.Samples(context.Background(), t)
		}
	}
	if err != nil {
		fmt.Printf("ERROR: Failed to load samples: %v\n", err)
		os.Exit(1)
	}
	if len(samples) == 0 {
		fmt.Println("ERROR: no samples")
		os.Exit(1)
	}

	fraudCount := 0
	for _, s := range samples {
		if s.Label >= *fraudLabel {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d documents\n", len(samples))
	fmt.Printf("  - Fraud: %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(samples)))
	fmt.Printf("  - Clean: %d (%.2f%%)\n", len(samples)-fraudCount, 100*float64(len(samples)-fraudCount)/float64(len(samples)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(samples, *baseURL, *workers, *fraudLabel, *escalateFlags, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readJSONL(path string) ([]*domain.TrainingSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var samples []*domain.TrainingSample
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var s domain.TrainingSample
		if err := json.Unmarshal(line, &s); err != nil {
			continue // Skip malformed rows
		}
		if !s.DocumentType.Valid() {
			continue
		}
		samples = append(samples, &s)
	}
	return samples, scanner.Err()
}

func runBenchmark(samples []*domain.TrainingSample, baseURL string, numWorkers int, fraudLabel float64, escalateFlags, verbose bool) *Metrics {
	metrics := &Metrics{decisions: make(map[string]int64)}

	work := make(chan *domain.TrainingSample, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 15 * time.Second}

			for s := range work {
				start := time.Now()
				rec, err := evaluateDocument(client, baseURL, s)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.ID, err)
					}
					continue
				}
				metrics.countDecision(rec)

				actual := s.Label >= fraudLabel
				if actual {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				predicted := rec.Decision == domain.DecisionReject ||
					(escalateFlags && rec.Decision == domain.DecisionEscalate)

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok "
					if predicted != actual {
						status = "MISS"
					}
					fmt.Printf("%s %-12.12s | Label: %6.2f | Kestrel: %-8s via %-14s | Adjusted: %.2f | %s\n",
						status,
						s.ID,
						s.Label,
						rec.Decision,
						rec.Source,
						rec.Score.Adjusted,
						rec.Identity,
					)
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateDocument(client *http.Client, baseURL string, s *domain.TrainingSample) (*domain.DecisionRecord, error) {
	body, err := json.Marshal(EvaluateRequest{
		DocumentType: string(s.DocumentType),
		Fields:       s.Fields,
		RawText:      s.RawText,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/documents/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var rec domain.DecisionRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n===============================================================")
	fmt.Println("                      BENCHMARK RESULTS")
	fmt.Println("===============================================================")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nDECISIONS\n")
	keys := make([]string, 0, len(m.decisions))
	for k := range m.decisions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("   %-32s %d\n", k, m.decisions[k])
	}

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FLAG        PASS")
	fmt.Printf("   Actual  F     %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           C     %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalClean > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalClean) * 100
		fmt.Printf("   False Alarms:  %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalClean, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		dps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f docs/sec\n", dps)
	}

	// Synthetic documents reuse a small pool of names, so identities repeat and
	// fraud history starts deciding later documents.
	fmt.Println("\nNote: repeated identities accumulate fraud history; later decisions")
	fmt.Println("      may come from policy rather than the score.")
	fmt.Println()
}
