// Package rules provides the CEL based validation rule adjuster.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Engine is the CEL-based validation rule adjuster. Rules are evaluated in
// parallel and folded into the score in load order.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []*CompiledRule
	version    string
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Input is everything a rule expression can see.
type Input struct {
	DocumentType domain.DocumentType
	Score        float64
	Flags        domain.ValidationFlags
	Features     *domain.FeatureVector
}

// NewEngine creates a new rule adjuster.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("document_type", cel.StringType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("duplicate", cel.BoolType),
		cel.Variable("signature_required", cel.BoolType),
		cel.Variable("has_signature", cel.BoolType),
		cel.Variable("missing_signature", cel.BoolType),
		cel.Variable("critical_missing", cel.IntType),
		cel.Variable("critical_missing_fields", cel.ListType(cel.StringType)),
		cel.Variable("non_waivable_missing", cel.IntType),
		cel.Variable("routing_invalid", cel.BoolType),
		cel.Variable("future_dated", cel.BoolType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env, maxWorkers: maxWorkers}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// ReloadRules compiles every enabled rule and swaps the whole set at once.
// On any compile error the previous set stays loaded.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	compiled := make([]*CompiledRule, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		if seen[cfg.ID] {
			return fmt.Errorf("duplicate rule id %s", cfg.ID)
		}
		seen[cfg.ID] = true
		c, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.rules = compiled
	e.version = rulesetVersion(compiled)
	e.mu.Unlock()

	metrics.RulesLoaded.Set(float64(len(compiled)))
	return nil
}

// Adjust applies the loaded rules to the ensemble score. Additions are
// clamped to [0,1] after every step; a triggered terminal rule stops the fold.
func (e *Engine) Adjust(ctx context.Context, in Input) domain.Adjustment {
	e.mu.RLock()
	rules := e.rules
	version := e.version
	e.mu.RUnlock()

	adj := domain.Adjustment{
		Score:       domain.Clamp01(in.Score),
		Anomalies:   []string{},
		RuleVersion: version,
	}

	applicable := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Config.AppliesTo(in.DocumentType) {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return adj
	}

	activation := e.activation(in)
	fired := make([]bool, len(applicable))
	results := make([]domain.RuleResult, len(applicable))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)
	for i, rule := range applicable {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			fired[idx], results[idx] = evaluateRule(ctx, r, activation)
		}(i, rule)
	}
	wg.Wait()

	for i, r := range applicable {
		res := results[i]
		if fired[i] {
			before := adj.Score
			switch r.Config.Action {
			case domain.RuleActionForce:
				adj.Score = domain.Clamp01(r.Config.Value)
			default:
				adj.Score = domain.Clamp01(adj.Score + r.Config.Value)
			}
			res.Delta = adj.Score - before
			adj.Anomalies = append(adj.Anomalies, res.Anomaly)
			if r.Config.HardReject {
				adj.HardIssues = append(adj.HardIssues, res.Anomaly)
			}
		}
		adj.Results = append(adj.Results, res)
		if fired[i] && r.Config.Terminal {
			break
		}
	}
	return adj
}

func evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) (bool, domain.RuleResult) {
	result := domain.RuleResult{RuleID: rule.Config.ID}

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		slog.Warn("rule evaluation failed", "rule_id", rule.Config.ID, "error", err)
		return false, result
	}
	triggered, ok := out.(types.Bool)
	if !ok || !bool(triggered) {
		return false, result
	}
	result.Triggered = true
	result.Anomaly = rule.Config.Anomaly
	if result.Anomaly == "" {
		result.Anomaly = rule.Config.Name
	}
	return true, result
}

func (e *Engine) activation(in Input) map[string]any {
	f := in.Flags
	missing := f.CriticalMissing
	if missing == nil {
		missing = []string{}
	}
	features := map[string]float64{}
	if in.Features != nil {
		features = in.Features.Map()
	}
	return map[string]any{
		"document_type":           string(in.DocumentType),
		"score":                   in.Score,
		"duplicate":               f.Duplicate,
		"signature_required":      f.SignatureRequired,
		"has_signature":           f.HasSignature,
		"missing_signature":       f.MissingSignature(),
		"critical_missing":        int64(len(f.CriticalMissing)),
		"critical_missing_fields": missing,
		"non_waivable_missing":    int64(len(f.NonWaivableMissing)),
		"routing_invalid":         f.RoutingInvalid,
		"future_dated":            f.FutureDated,
		"velocity_count":          f.VelocityCount,
		"features":                features,
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Version returns the identifier of the loaded rule set.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// GetLoadedRules returns the currently loaded rule configurations in order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.rules))
	for _, compiled := range e.rules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
	e.version = ""
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	switch cfg.Action {
	case domain.RuleActionAdd, domain.RuleActionForce:
	default:
		return nil, fmt.Errorf("rule %s: unknown action %q", cfg.ID, cfg.Action)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}

func rulesetVersion(rules []*CompiledRule) string {
	if len(rules) == 0 {
		return ""
	}
	h := sha256.New()
	for _, r := range rules {
		fmt.Fprintf(h, "%s@%s|%s|%s|%g|%t|%t\n", r.Config.ID, r.Config.Version,
			r.Config.Expression, r.Config.Action, r.Config.Value, r.Config.Terminal, r.Config.HardReject)
	}
	return "rules-" + hex.EncodeToString(h.Sum(nil))[:12]
}
