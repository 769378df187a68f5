// Package config builds the service configuration. Sources are layered,
// later ones winning: tier defaults, an optional YAML file, a .env file and
// finally KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// Load reads the YAML file at path (skipped when empty) over the tier
// defaults, then applies environment overrides. envFiles default to ".env";
// missing env files are ignored. Variables already set in the process
// environment take precedence over the files.
func Load(path string, envFiles ...string) (*domain.Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := base(data)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		tier := cfg.Tier
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		// The file's tier: line must not relabel defaults picked from KESTREL_TIER.
		cfg.Tier = tier
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// base picks the tier defaults. KESTREL_TIER beats the tier named in the file.
func base(data []byte) (*domain.Config, error) {
	var head struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parse config tier: %w", err)
		}
	}
	tier := head.Tier
	if v := os.Getenv(EnvPrefix + "TIER"); v != "" {
		tier = domain.Tier(strings.ToLower(v))
	}

	var cfg *domain.Config
	switch tier {
	case "", domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if tier != "" {
		cfg.Tier = tier
	}
	return cfg, nil
}

// env collects override parse errors so every bad variable is reported at once.
type env struct {
	errs []error
}

func (e *env) str(key string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

// list splits a comma separated value, dropping empty items.
func (e *env) list(key string, dst *[]string) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *env) num(key string, dst *int) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = n
}

func (e *env) float(key string, dst *float64) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = f
}

func (e *env) flag(key string, dst *bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = b
}

func (e *env) dur(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = d
}

func applyEnv(cfg *domain.Config) error {
	e := &env{}

	e.str("HOST", &cfg.Server.Host)
	e.num("PORT", &cfg.Server.Port)
	e.list("CORS_ORIGINS", &cfg.Server.CORSOrigins)

	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Logging.Format)
	var debug bool
	e.flag("DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}

	e.str("DB_DRIVER", &cfg.Repository.Driver)
	e.str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.num("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.str("CACHE_TYPE", &cfg.Cache.Type)
	e.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.dur("CACHE_EXTRACT_TTL", &cfg.Cache.ExtractTTL)
	e.dur("CACHE_SCORE_TTL", &cfg.Cache.ScoreTTL)

	e.str("BUS_TYPE", &cfg.EventBus.Type)
	e.str("NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.str("NATS_QUEUE", &cfg.EventBus.NATSQueue)

	e.flag("WORKER_ENABLED", &cfg.Worker.Enabled)
	e.num("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)

	e.str("MODEL_DIR", &cfg.Models.ArtifactDir)
	e.float("REGRESSION_TOLERANCE", &cfg.Models.RegressionTolerance)
	e.num("MODEL_HISTORY_LIMIT", &cfg.Models.HistoryLimit)
	e.num("MIN_TRAINING_SAMPLES", &cfg.Models.MinTrainingSamples)
	e.dur("RETRAIN_INTERVAL", &cfg.Models.RetrainInterval)
	e.flag("AUTO_TRAIN", &cfg.Models.AutoTrain)

	e.float("LOW_RISK_THRESHOLD", &cfg.Policy.LowRiskThreshold)
	e.float("REJECT_THRESHOLD", &cfg.Decision.RejectThreshold)
	e.float("ESCALATE_THRESHOLD", &cfg.Decision.EscalateThreshold)

	e.flag("REASONING_ENABLED", &cfg.Reasoning.Enabled)
	e.str("REASONING_ENDPOINT", &cfg.Reasoning.Endpoint)
	e.str("REASONING_API_KEY", &cfg.Reasoning.APIKey)
	e.dur("REASONING_TIMEOUT", &cfg.Reasoning.Timeout)

	e.str("RULES_PATH", &cfg.Rules.Path)
	e.flag("RULES_WATCH", &cfg.Rules.Watch)
	e.dur("VELOCITY_WINDOW", &cfg.Velocity.Window)

	e.flag("TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.str("OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	return errors.Join(e.errs...)
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *domain.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server.port %d out of range", cfg.Server.Port)
	check(cfg.Repository.Driver == "sqlite" || cfg.Repository.Driver == "postgres",
		"repository.driver must be sqlite or postgres, got %q", cfg.Repository.Driver)

	in01 := func(v float64) bool { return v >= 0 && v <= 1 }
	check(in01(cfg.Policy.LowRiskThreshold), "policy.lowRiskThreshold %v not in [0,1]", cfg.Policy.LowRiskThreshold)
	check(in01(cfg.Policy.HighRiskThreshold), "policy.highRiskThreshold %v not in [0,1]", cfg.Policy.HighRiskThreshold)
	check(in01(cfg.Decision.RejectThreshold), "decision.rejectThreshold %v not in [0,1]", cfg.Decision.RejectThreshold)
	check(in01(cfg.Decision.EscalateThreshold), "decision.escalateThreshold %v not in [0,1]", cfg.Decision.EscalateThreshold)
	check(cfg.Decision.EscalateThreshold <= cfg.Decision.RejectThreshold,
		"decision.escalateThreshold %v above rejectThreshold %v", cfg.Decision.EscalateThreshold, cfg.Decision.RejectThreshold)

	check(cfg.Models.RegressionTolerance >= 0, "models.regressionTolerance must not be negative")
	check(cfg.Models.HistoryLimit >= 1, "models.historyLimit must be at least 1")
	check(cfg.Worker.Concurrency >= 1, "worker.concurrency must be at least 1")
	check(!cfg.Reasoning.Enabled || cfg.Reasoning.Endpoint != "", "reasoning.endpoint is required when reasoning is enabled")

	return errors.Join(errs...)
}
