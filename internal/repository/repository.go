// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// Open opens and verifies a database connection without running migrations.
func Open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case "sqlite":
		var err error
		if dsn, err = sqliteDSN(cfg); err != nil {
			return nil, err
		}
		driverName = "sqlite"
	case "postgres":
		driverName, dsn = "postgres", postgresDSN(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	// Configure connection pool. SQLite keeps a single connection:
	// concurrent profile upserts otherwise hit SQLITE_BUSY.
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// New opens the database, applies pending migrations and returns a repository.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(context.Background(), db, cfg.Driver, "up"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLRepository{db: db, driver: cfg.Driver}, nil
}

// DB exposes the connection pool for stats collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// SaveDecision appends a decision record. The full record is stored as JSON
// next to the indexed columns.
func (r *SQLRepository) SaveDecision(ctx context.Context, rec *domain.DecisionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: decision id is required", domain.ErrInvalidInput)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	query := `
		INSERT INTO decisions (
			id, submission_id, document_type, identity, fingerprint,
			decision, source, adjusted_score, model_version, record, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.SubmissionID, string(rec.DocumentType), rec.Identity, rec.Fingerprint,
		string(rec.Decision), string(rec.Source), rec.Score.Adjusted, rec.Score.ModelVersion,
		string(body), rec.Timestamp.UTC(),
	)
	return err
}

// GetDecision retrieves a decision record by ID.
func (r *SQLRepository) GetDecision(ctx context.Context, id string) (*domain.DecisionRecord, error) {
	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT record FROM decisions WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec domain.DecisionRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse decision %s: %w", id, err)
	}
	return &rec, nil
}

// CountDecisionsByIdentity counts decisions for identity recorded at or after since.
func (r *SQLRepository) CountDecisionsByIdentity(ctx context.Context, identity string, since time.Time) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM decisions WHERE identity = ? AND created_at >= ?`
	if err := r.db.QueryRowContext(ctx, r.rebind(query), identity, since.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

const profileColumns = `identity, total_submissions, high_risk_count, fraud_count, escalate_count,
	last_decision, last_seen, archived, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*domain.CustomerFraudProfile, error) {
	var p domain.CustomerFraudProfile
	var lastDecision string
	var archived int
	if err := row.Scan(
		&p.Identity, &p.TotalSubmissions, &p.HighRiskCount, &p.FraudCount, &p.EscalateCount,
		&lastDecision, &p.LastSeen, &archived, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.LastDecision = domain.Decision(lastDecision)
	p.Archived = archived == 1
	return &p, nil
}

// GetProfile retrieves the fraud profile of an identity.
func (r *SQLRepository) GetProfile(ctx context.Context, identity string) (*domain.CustomerFraudProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM customer_profiles WHERE identity = ?`
	p, err := scanProfile(r.db.QueryRowContext(ctx, r.rebind(query), identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

// ApplyOutcome creates the profile on first use and increments its counters
// in a single upsert, then returns the updated row from the same transaction.
func (r *SQLRepository) ApplyOutcome(ctx context.Context, identity string, outcome domain.ProfileOutcome) (*domain.CustomerFraudProfile, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", domain.ErrInvalidInput)
	}
	if !outcome.Decision.Valid() {
		return nil, fmt.Errorf("%w: decision %q", domain.ErrInvalidInput, outcome.Decision)
	}
	at := outcome.At.UTC()
	if outcome.At.IsZero() {
		at = time.Now().UTC()
	}

	var highRisk, fraud, escalate int64
	if outcome.HighRisk {
		highRisk = 1
	}
	switch outcome.Decision {
	case domain.DecisionReject:
		fraud = 1
	case domain.DecisionEscalate:
		escalate = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO customer_profiles (` + profileColumns + `)
		VALUES (?, 1, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (identity) DO UPDATE SET
			total_submissions = customer_profiles.total_submissions + 1,
			high_risk_count = customer_profiles.high_risk_count + excluded.high_risk_count,
			fraud_count = customer_profiles.fraud_count + excluded.fraud_count,
			escalate_count = customer_profiles.escalate_count + excluded.escalate_count,
			last_decision = excluded.last_decision,
			last_seen = excluded.last_seen
	`
	if _, err := tx.ExecContext(ctx, r.rebind(upsert),
		identity, highRisk, fraud, escalate, string(outcome.Decision), at, at,
	); err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}

	query := `SELECT ` + profileColumns + ` FROM customer_profiles WHERE identity = ?`
	p, err := scanProfile(tx.QueryRowContext(ctx, r.rebind(query), identity))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// ArchiveProfile flags a profile as archived. Profiles are never deleted.
func (r *SQLRepository) ArchiveProfile(ctx context.Context, identity string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`UPDATE customer_profiles SET archived = 1 WHERE identity = ?`), identity)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RegisterFingerprint records a document content hash. The primary key makes
// the first writer win; later callers get the original submission ID.
func (r *SQLRepository) RegisterFingerprint(ctx context.Context, fingerprint, submissionID string) (bool, string, error) {
	if fingerprint == "" {
		return true, "", nil
	}
	insert := `
		INSERT INTO document_fingerprints (fingerprint, submission_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, r.rebind(insert), fingerprint, submissionID, time.Now().UTC())
	if err != nil {
		return false, "", err
	}
	if n, err := result.RowsAffected(); err == nil && n == 1 {
		return true, submissionID, nil
	}

	var original string
	err = r.db.QueryRowContext(ctx, r.rebind(`SELECT submission_id FROM document_fingerprints WHERE fingerprint = ?`), fingerprint).Scan(&original)
	if err != nil {
		return false, "", err
	}
	return original == submissionID, original, nil
}

const modelVersionColumns = `id, document_type, bagged_path, boosted_path, scaler_path, metrics, active, created_at`

func scanModelVersion(row rowScanner) (*domain.ModelVersion, error) {
	var mv domain.ModelVersion
	var docType, metrics string
	var active int
	if err := row.Scan(&mv.ID, &docType, &mv.BaggedPath, &mv.BoostedPath, &mv.ScalerPath, &metrics, &active, &mv.CreatedAt); err != nil {
		return nil, err
	}
	mv.DocumentType = domain.DocumentType(docType)
	mv.Active = active == 1
	if err := json.Unmarshal([]byte(metrics), &mv.Metrics); err != nil {
		return nil, fmt.Errorf("failed to parse metrics for model %s: %w", mv.ID, err)
	}
	return &mv, nil
}

// SaveModelVersion appends model version metadata.
func (r *SQLRepository) SaveModelVersion(ctx context.Context, mv *domain.ModelVersion) error {
	metrics, err := json.Marshal(mv.Metrics)
	if err != nil {
		return err
	}
	query := `INSERT INTO model_versions (` + modelVersionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		mv.ID, string(mv.DocumentType), mv.BaggedPath, mv.BoostedPath, mv.ScalerPath,
		string(metrics), boolInt(mv.Active), mv.CreatedAt.UTC(),
	)
	return err
}

// GetModelVersion retrieves model version metadata by ID.
func (r *SQLRepository) GetModelVersion(ctx context.Context, id string) (*domain.ModelVersion, error) {
	query := `SELECT ` + modelVersionColumns + ` FROM model_versions WHERE id = ?`
	mv, err := scanModelVersion(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return mv, err
}

// ListModelVersions returns the versions of a document type, newest first.
func (r *SQLRepository) ListModelVersions(ctx context.Context, docType domain.DocumentType) ([]*domain.ModelVersion, error) {
	query := `SELECT ` + modelVersionColumns + ` FROM model_versions WHERE document_type = ? ORDER BY created_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(docType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.ModelVersion
	for rows.Next() {
		mv, err := scanModelVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, mv)
	}
	return versions, rows.Err()
}

// DeleteModelVersion removes version metadata. The active version cannot be deleted.
func (r *SQLRepository) DeleteModelVersion(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM model_versions WHERE id = ? AND active = 0`), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetActivePointer reads the active marker of a document type.
func (r *SQLRepository) GetActivePointer(ctx context.Context, docType domain.DocumentType) (*domain.ActivePointer, error) {
	query := `SELECT document_type, version_id, previous_id, updated_at FROM active_models WHERE document_type = ?`
	var ptr domain.ActivePointer
	var dt string
	err := r.db.QueryRowContext(ctx, r.rebind(query), string(docType)).Scan(&dt, &ptr.VersionID, &ptr.PreviousID, &ptr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ptr.DocumentType = domain.DocumentType(dt)
	return &ptr, nil
}

// SetActivePointer moves the active marker and the per-version active flags
// in one transaction.
func (r *SQLRepository) SetActivePointer(ctx context.Context, ptr *domain.ActivePointer) error {
	if ptr == nil || ptr.VersionID == "" {
		return fmt.Errorf("%w: version id is required", domain.ErrInvalidInput)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM model_versions WHERE id = ? AND document_type = ?`),
		ptr.VersionID, string(ptr.DocumentType)).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: model version %s", domain.ErrNotFound, ptr.VersionID)
	}

	upsert := `
		INSERT INTO active_models (document_type, version_id, previous_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (document_type) DO UPDATE SET
			version_id = excluded.version_id,
			previous_id = excluded.previous_id,
			updated_at = excluded.updated_at
	`
	updated := ptr.UpdatedAt.UTC()
	if ptr.UpdatedAt.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, r.rebind(upsert), string(ptr.DocumentType), ptr.VersionID, ptr.PreviousID, updated); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE model_versions SET active = 0 WHERE document_type = ?`), string(ptr.DocumentType)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE model_versions SET active = 1 WHERE id = ?`), ptr.VersionID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendModelEvent appends a lifecycle history entry.
func (r *SQLRepository) AppendModelEvent(ctx context.Context, ev *domain.ModelEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO model_events (id, document_type, version_id, type, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, string(ev.DocumentType), ev.VersionID, string(ev.Type), ev.Reason, ev.CreatedAt.UTC())
	return err
}

// ListModelEvents returns the newest lifecycle events of a document type.
// A non-positive limit returns all events.
func (r *SQLRepository) ListModelEvents(ctx context.Context, docType domain.DocumentType, limit int) ([]*domain.ModelEvent, error) {
	query := `SELECT id, document_type, version_id, type, reason, created_at FROM model_events
		WHERE document_type = ? ORDER BY created_at DESC, id DESC` + limitClause(limit)
	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(docType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.ModelEvent
	for rows.Next() {
		var ev domain.ModelEvent
		var dt, typ string
		if err := rows.Scan(&ev.ID, &dt, &ev.VersionID, &typ, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.DocumentType = domain.DocumentType(dt)
		ev.Type = domain.ModelEventType(typ)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SaveTrainingSample appends a labeled training sample.
func (r *SQLRepository) SaveTrainingSample(ctx context.Context, s *domain.TrainingSample) error {
	if !s.DocumentType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownDocumentType, s.DocumentType)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return fmt.Errorf("%w: fields: %v", domain.ErrInvalidInput, err)
	}
	query := `INSERT INTO training_samples (id, document_type, fields, raw_text, label, source, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		s.ID, string(s.DocumentType), string(fields), s.RawText, s.Label, s.Source, s.CreatedAt.UTC())
	return err
}

// ListTrainingSamples returns the oldest samples of a document type first.
// A non-positive limit returns all samples.
func (r *SQLRepository) ListTrainingSamples(ctx context.Context, docType domain.DocumentType, limit int) ([]*domain.TrainingSample, error) {
	query := `SELECT id, document_type, fields, raw_text, label, source, created_at FROM training_samples
		WHERE document_type = ? ORDER BY created_at, id` + limitClause(limit)
	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(docType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*domain.TrainingSample
	for rows.Next() {
		var s domain.TrainingSample
		var dt, fields string
		if err := rows.Scan(&s.ID, &dt, &fields, &s.RawText, &s.Label, &s.Source, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.DocumentType = domain.DocumentType(dt)
		if err := json.Unmarshal([]byte(fields), &s.Fields); err != nil {
			return nil, fmt.Errorf("failed to parse training sample %s: %w", s.ID, err)
		}
		samples = append(samples, &s)
	}
	return samples, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
