package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines default backends
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Decision engine
	Models    LifecycleConfig `yaml:"models"`
	Policy    PolicyConfig    `yaml:"policy"`
	Decision  DecisionConfig  `yaml:"decision"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Rules     RulesConfig     `yaml:"rules"`
	Velocity  VelocityConfig  `yaml:"velocity"`
	Worker    WorkerConfig    `yaml:"worker"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds

	// CORSOrigins lists browser origins allowed to call the API; empty allows any.
	CORSOrigins []string `yaml:"corsOrigins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	Endpoint    string `yaml:"endpoint"` // OTLP gRPC endpoint
}

// LifecycleConfig controls the model version manager.
type LifecycleConfig struct {
	ArtifactDir string `yaml:"artifactDir"`

	// RegressionTolerance is the maximum relative degradation of a tracked
	// validation metric a candidate may show and still be activated.
	RegressionTolerance float64 `yaml:"regressionTolerance"`

	// HistoryLimit bounds retained versions per document type.
	HistoryLimit int `yaml:"historyLimit"`

	MinTrainingSamples int           `yaml:"minTrainingSamples"`
	SyntheticSamples   int           `yaml:"syntheticSamples"`
	RetrainInterval    time.Duration `yaml:"retrainInterval"`
	AutoTrain          bool          `yaml:"autoTrain"`

	// Regressor hyperparameters
	Trees        int     `yaml:"trees"`
	MaxDepth     int     `yaml:"maxDepth"`
	MinLeaf      int     `yaml:"minLeaf"`
	BoostRounds  int     `yaml:"boostRounds"`
	LearningRate float64 `yaml:"learningRate"`
	Seed         uint64  `yaml:"seed"`
}

// PolicyConfig controls the customer fraud-history policy engine.
type PolicyConfig struct {
	// LowRiskThreshold is the adjusted score below which a new identity is approved.
	LowRiskThreshold float64 `yaml:"lowRiskThreshold"`

	// HighRiskThreshold marks a decision as high risk for profile counters.
	HighRiskThreshold float64 `yaml:"highRiskThreshold"`

	LockTimeout   time.Duration `yaml:"lockTimeout"`
	LockRetries   int           `yaml:"lockRetries"`
	LockBaseDelay time.Duration `yaml:"lockBaseDelay"`
}

// DecisionConfig holds the score-threshold fallback of decision fusion.
type DecisionConfig struct {
	RejectThreshold   float64 `yaml:"rejectThreshold"`
	EscalateThreshold float64 `yaml:"escalateThreshold"`
}

// ReasoningConfig configures the external contextual-reasoning collaborator.
type ReasoningConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Endpoint         string        `yaml:"endpoint"`
	APIKey           string        `yaml:"apiKey"`
	Timeout          time.Duration `yaml:"timeout"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// RulesConfig points at an optional YAML rule set.
type RulesConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// VelocityConfig controls the per-identity submission window.
type VelocityConfig struct {
	Window time.Duration `yaml:"window"`
}

// WorkerConfig controls async processing.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Concurrency bounds the submissions processed at once.
	Concurrency int `yaml:"concurrency"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + local cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			RemoteTimeout: 250 * time.Millisecond,
			ExtractTTL:    24 * time.Hour,
			ScoreTTL:      time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Models: LifecycleConfig{
			ArtifactDir:         "./models",
			RegressionTolerance: 0.15,
			HistoryLimit:        10,
			MinTrainingSamples:  200,
			SyntheticSamples:    1500,
			RetrainInterval:     7 * 24 * time.Hour,
			AutoTrain:           true,
			Trees:               40,
			MaxDepth:            8,
			MinLeaf:             4,
			BoostRounds:         80,
			LearningRate:        0.1,
			Seed:                42,
		},
		Policy: PolicyConfig{
			LowRiskThreshold:  0.30,
			HighRiskThreshold: 0.70,
			LockTimeout:       2 * time.Second,
			LockRetries:       3,
			LockBaseDelay:     50 * time.Millisecond,
		},
		Decision: DecisionConfig{
			RejectThreshold:   0.70,
			EscalateThreshold: 0.30,
		},
		Reasoning: ReasoningConfig{
			Enabled:          false,
			Timeout:          8 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Velocity: VelocityConfig{
			Window: 24 * time.Hour,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache.Type = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Cache.LocalMaxSize = 1000
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.EventBus.NATSQueue = "kestrel-workers"
	cfg.Worker.Enabled = true
	cfg.Worker.Concurrency = 16
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}
