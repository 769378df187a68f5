package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newBuiltinEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.ReloadRules(BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(0)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if engine.Version() != "" {
		t.Errorf("expected empty version, got %q", engine.Version())
	}
}

func TestBuiltinRulesCompile(t *testing.T) {
	engine := newBuiltinEngine(t)
	if engine.RulesCount() != len(BuiltinRules()) {
		t.Errorf("expected %d rules, got %d", len(BuiltinRules()), engine.RulesCount())
	}
	if engine.Version() == "" {
		t.Error("expected a rule set version")
	}
	if got := engine.GetLoadedRules()[0].ID; got != "duplicate-submission" {
		t.Errorf("expected duplicate rule first, got %s", got)
	}
}

func TestValidateRule(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	tests := []struct {
		name    string
		rule    *domain.RuleConfig
		wantErr bool
	}{
		{"valid", &domain.RuleConfig{ID: "r", Expression: "duplicate", Action: domain.RuleActionAdd}, false},
		{"nil", nil, true},
		{"no id", &domain.RuleConfig{Expression: "duplicate", Action: domain.RuleActionAdd}, true},
		{"bad syntax", &domain.RuleConfig{ID: "r", Expression: "this is not valid CEL !!!", Action: domain.RuleActionAdd}, true},
		{"non bool", &domain.RuleConfig{ID: "r", Expression: "score + 1.0", Action: domain.RuleActionAdd}, true},
		{"unknown action", &domain.RuleConfig{ID: "r", Expression: "duplicate", Action: "multiply"}, true},
		{"unknown variable", &domain.RuleConfig{ID: "r", Expression: "amount > 1.0", Action: domain.RuleActionAdd}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.ValidateRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if engine.RulesCount() != 0 {
		t.Error("ValidateRule must not load rules")
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	engine := newBuiltinEngine(t)
	before := engine.Version()

	bad := append(BuiltinRules(), &domain.RuleConfig{
		ID: "broken", Expression: "not valid !!!", Action: domain.RuleActionAdd, Enabled: true,
	})
	if err := engine.ReloadRules(bad); err == nil {
		t.Fatal("expected reload error")
	}
	if engine.Version() != before {
		t.Error("failed reload must keep previous rules")
	}

	dup := []*domain.RuleConfig{
		{ID: "a", Expression: "duplicate", Action: domain.RuleActionAdd, Enabled: true},
		{ID: "a", Expression: "future_dated", Action: domain.RuleActionAdd, Enabled: true},
	}
	if err := engine.ReloadRules(dup); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestReloadSkipsDisabled(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "on", Expression: "duplicate", Action: domain.RuleActionAdd, Enabled: true},
		{ID: "off", Expression: "duplicate", Action: domain.RuleActionAdd, Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestAdjust(t *testing.T) {
	engine := newBuiltinEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		docType    domain.DocumentType
		score      float64
		flags      domain.ValidationFlags
		want       float64
		anomalies  int
		hardIssues int
	}{
		{
			name:    "clean document",
			docType: domain.DocumentCheck,
			score:   0.15,
			flags:   domain.ValidationFlags{SignatureRequired: true, HasSignature: true},
			want:    0.15,
		},
		{
			name:      "missing signature",
			docType:   domain.DocumentCheck,
			score:     0.15,
			flags:     domain.ValidationFlags{SignatureRequired: true},
			want:      0.45,
			anomalies: 1,
		},
		{
			name:      "signature rule does not apply to paystubs",
			docType:   domain.DocumentPaystub,
			score:     0.15,
			flags:     domain.ValidationFlags{SignatureRequired: true},
			want:      0.15,
			anomalies: 0,
		},
		{
			name:      "critical fields missing",
			docType:   domain.DocumentPaystub,
			score:     0.2,
			flags:     domain.ValidationFlags{CriticalMissing: []string{"gross_pay", "net_pay"}},
			want:      0.4,
			anomalies: 1,
		},
		{
			name:      "single critical field is not enough",
			docType:   domain.DocumentPaystub,
			score:     0.2,
			flags:     domain.ValidationFlags{CriticalMissing: []string{"gross_pay"}},
			want:      0.2,
			anomalies: 0,
		},
		{
			name:       "duplicate forces one and stops",
			docType:    domain.DocumentCheck,
			score:      0.05,
			flags:      domain.ValidationFlags{Duplicate: true, SignatureRequired: true, FutureDated: true},
			want:       1.0,
			anomalies:  1,
			hardIssues: 1,
		},
		{
			name:      "additions are clamped",
			docType:   domain.DocumentCheck,
			score:     0.9,
			flags:     domain.ValidationFlags{SignatureRequired: true, RoutingInvalid: true, FutureDated: true, VelocityCount: 7},
			want:      1.0,
			anomalies: 4,
		},
		{
			name:       "non-waivable identifier is a hard issue",
			docType:    domain.DocumentMoneyOrder,
			score:      0.1,
			flags:      domain.ValidationFlags{SignatureRequired: true, HasSignature: true, NonWaivableMissing: []string{"serial_number"}},
			want:       0.1,
			anomalies:  1,
			hardIssues: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adj := engine.Adjust(ctx, Input{DocumentType: tt.docType, Score: tt.score, Flags: tt.flags})
			if diff := adj.Score - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", adj.Score, tt.want)
			}
			if len(adj.Anomalies) != tt.anomalies {
				t.Errorf("anomalies = %v, want %d", adj.Anomalies, tt.anomalies)
			}
			if len(adj.HardIssues) != tt.hardIssues {
				t.Errorf("hard issues = %v, want %d", adj.HardIssues, tt.hardIssues)
			}
			if adj.RuleVersion != engine.Version() {
				t.Errorf("rule version = %q, want %q", adj.RuleVersion, engine.Version())
			}
		})
	}
}

func TestAdjustMissingSignatureNeverDecreases(t *testing.T) {
	engine := newBuiltinEngine(t)
	ctx := context.Background()

	for _, score := range []float64{0, 0.1, 0.35, 0.69, 0.8, 1} {
		base := domain.ValidationFlags{SignatureRequired: true, HasSignature: true}
		flipped := domain.ValidationFlags{SignatureRequired: true}

		a := engine.Adjust(ctx, Input{DocumentType: domain.DocumentCheck, Score: score, Flags: base})
		b := engine.Adjust(ctx, Input{DocumentType: domain.DocumentCheck, Score: score, Flags: flipped})
		if b.Score < a.Score {
			t.Errorf("score %v: missing signature lowered adjusted score %v -> %v", score, a.Score, b.Score)
		}
	}
}

func TestAdjustRecordsEvaluationErrors(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "needs-feature", Expression: `features["no_such_feature"] > 1.0`, Action: domain.RuleActionAdd, Value: 0.5, Enabled: true},
		{ID: "future", Expression: "future_dated", Action: domain.RuleActionAdd, Value: 0.1, Enabled: true},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	adj := engine.Adjust(context.Background(), Input{
		DocumentType: domain.DocumentCheck,
		Score:        0.2,
		Flags:        domain.ValidationFlags{FutureDated: true},
		Features:     &domain.FeatureVector{Names: []string{"amount"}, Values: []float64{1}},
	})
	if adj.Results[0].Error == "" {
		t.Error("expected evaluation error recorded")
	}
	if adj.Results[0].Triggered {
		t.Error("errored rule must not trigger")
	}
	if diff := adj.Score - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want 0.3", adj.Score)
	}
}

func TestAdjustFeatureExpressions(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "big", Expression: `"amount_norm" in features && features["amount_norm"] > 0.9`, Action: domain.RuleActionAdd, Value: 0.25, Anomaly: "large amount", Enabled: true},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	adj := engine.Adjust(context.Background(), Input{
		DocumentType: domain.DocumentCheck,
		Score:        0.1,
		Features:     &domain.FeatureVector{Names: []string{"amount_norm"}, Values: []float64{0.95}},
	})
	if len(adj.Anomalies) != 1 || adj.Anomalies[0] != "large amount" {
		t.Errorf("anomalies = %v", adj.Anomalies)
	}
}

func TestAdjustRespectsCancelledContext(t *testing.T) {
	engine := newBuiltinEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	adj := engine.Adjust(ctx, Input{DocumentType: domain.DocumentCheck, Score: 0.5})
	if adj.Score < 0 || adj.Score > 1 {
		t.Errorf("score out of range: %v", adj.Score)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
version: "2.1"
rules:
  - id: missing-signature
    name: Missing signature
    documentTypes: [check]
    expression: missing_signature
    value: 0.4
    anomaly: unsigned
  - id: off
    expression: duplicate
    enabled: false
`)
	configs, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(configs))
	}
	if !configs[0].Enabled || configs[1].Enabled {
		t.Error("enabled defaults wrong")
	}
	if configs[0].Version != "2.1" {
		t.Errorf("version not inherited: %q", configs[0].Version)
	}
	if configs[0].Action != domain.RuleActionAdd {
		t.Errorf("action default = %q", configs[0].Action)
	}

	if _, err := Parse([]byte("rules:\n  - expression: duplicate\n")); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := Parse([]byte("rules:\n  - id: x\n    documentTypes: [invoice]\n")); err == nil {
		t.Error("expected error for unknown document type")
	}
}

func TestLoaderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	write := func(value string) {
		t.Helper()
		body := "version: \"1\"\nrules:\n  - id: future\n    expression: future_dated\n    value: " + value + "\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("0.1")

	engine, _ := NewEngine(2)
	defer engine.Close()
	loader, err := NewLoader(path, engine)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}

	var notified int
	loader.OnChange(func([]*domain.RuleConfig) { notified++ })

	in := Input{DocumentType: domain.DocumentCheck, Score: 0.2, Flags: domain.ValidationFlags{FutureDated: true}}
	if got := engine.Adjust(context.Background(), in).Score; got < 0.299 || got > 0.301 {
		t.Fatalf("score = %v, want 0.3", got)
	}

	write("0.5")
	if _, err := loader.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := engine.Adjust(context.Background(), in).Score; got < 0.699 || got > 0.701 {
		t.Errorf("score after reload = %v, want 0.7", got)
	}
	if notified != 1 {
		t.Errorf("callbacks = %d, want 1", notified)
	}

	if err := os.WriteFile(path, []byte("rules: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Reload(); err == nil {
		t.Error("expected parse error")
	}
	if engine.RulesCount() != 1 {
		t.Error("broken file must keep previous rules")
	}
}

func TestLoaderBuiltinWhenNoPath(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	loader, err := NewLoader("", engine)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	if engine.RulesCount() != len(BuiltinRules()) {
		t.Errorf("expected builtin rules, got %d", engine.RulesCount())
	}
	stop, err := loader.Watch()
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	stop()
}
