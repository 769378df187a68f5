package domain

import (
	"context"
	"time"
)

// DecisionStore persists decision records. Records are append-only.
type DecisionStore interface {
	SaveDecision(ctx context.Context, rec *DecisionRecord) error
	GetDecision(ctx context.Context, id string) (*DecisionRecord, error)

	// CountDecisionsByIdentity counts decisions recorded for identity since the given time.
	CountDecisionsByIdentity(ctx context.Context, identity string, since time.Time) (int64, error)
}

// ProfileStore persists customer fraud profiles. ApplyOutcome must be an
// atomic upsert-with-increment against the backing store.
type ProfileStore interface {
	GetProfile(ctx context.Context, identity string) (*CustomerFraudProfile, error)
	ApplyOutcome(ctx context.Context, identity string, outcome ProfileOutcome) (*CustomerFraudProfile, error)
	ArchiveProfile(ctx context.Context, identity string) error
}

// ModelStore persists model version metadata, the active pointer per
// document type and the lifecycle event history.
type ModelStore interface {
	SaveModelVersion(ctx context.Context, mv *ModelVersion) error
	GetModelVersion(ctx context.Context, id string) (*ModelVersion, error)

	// ListModelVersions returns versions for a document type, newest first.
	ListModelVersions(ctx context.Context, docType DocumentType) ([]*ModelVersion, error)
	DeleteModelVersion(ctx context.Context, id string) error

	GetActivePointer(ctx context.Context, docType DocumentType) (*ActivePointer, error)

	// SetActivePointer swaps the active pointer and the active flags in one transaction.
	SetActivePointer(ctx context.Context, ptr *ActivePointer) error

	AppendModelEvent(ctx context.Context, ev *ModelEvent) error
	ListModelEvents(ctx context.Context, docType DocumentType, limit int) ([]*ModelEvent, error)
}

// FingerprintStore is the source of truth for duplicate detection.
type FingerprintStore interface {
	// RegisterFingerprint records the content hash. It returns firstSeen=false
	// and the original submission ID when the hash was already registered.
	RegisterFingerprint(ctx context.Context, fingerprint, submissionID string) (firstSeen bool, original string, err error)
}

// TrainingStore persists labeled samples for retraining.
type TrainingStore interface {
	SaveTrainingSample(ctx context.Context, s *TrainingSample) error
	ListTrainingSamples(ctx context.Context, docType DocumentType, limit int) ([]*TrainingSample, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	DecisionStore
	ProfileStore
	ModelStore
	FingerprintStore
	TrainingStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDB"`
	PostgresSSLMode  string `yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
