package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openmast/openmast/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the SQLite-backed persistence layer. It implements
// engine.ManifestStore, engine.RequestJournal, and engine.LeaseManager.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetManifest implements engine.ManifestStore.
func (s *SQLiteStore) GetManifest(ctx context.Context, id string) (*engine.Manifest, int64, error) {
	query := `SELECT document, generation FROM manifests WHERE id = ?`

	var document string
	var generation int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&document, &generation)
	if err == sql.ErrNoRows {
		return nil, 0, engine.NewNotFoundError("manifest", id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get manifest: %w", err)
	}

	var m engine.Manifest
	if err := json.Unmarshal([]byte(document), &m); err != nil {
		return nil, 0, fmt.Errorf("failed to decode manifest document: %w", err)
	}
	return &m, generation, nil
}

// GetGeneration implements engine.ManifestStore.
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (int64, error) {
	var generation int64
	err := s.db.QueryRowContext(ctx, `SELECT generation FROM manifests WHERE id = ?`, id).Scan(&generation)
	if err == sql.ErrNoRows {
		return 0, engine.NewNotFoundError("manifest", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get generation: %w", err)
	}
	return generation, nil
}

// ApplyMutation implements engine.ManifestStore. The manifest document is
// read, mutated, and written back in one serializable transaction; a
// stale generation yields a CONFLICT error for the caller to retry.
func (s *SQLiteStore) ApplyMutation(ctx context.Context, id string, generation int64, diff *engine.ManifestDiff) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var document string
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT document, generation FROM manifests WHERE id = ?`, id).
		Scan(&document, &current)
	if err == sql.ErrNoRows {
		return 0, engine.NewNotFoundError("manifest", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest: %w", err)
	}
	if current != generation {
		return 0, engine.NewConflictError(id, generation, current)
	}

	var m engine.Manifest
	if err := json.Unmarshal([]byte(document), &m); err != nil {
		return 0, fmt.Errorf("failed to decode manifest document: %w", err)
	}
	applyDiff(&m, diff)

	updated, err := json.Marshal(&m)
	if err != nil {
		return 0, fmt.Errorf("failed to encode manifest document: %w", err)
	}

	next := current + 1
	result, err := tx.ExecContext(ctx,
		`UPDATE manifests SET document = ?, generation = ?, updated_at = ? WHERE id = ? AND generation = ?`,
		string(updated), next, time.Now(), id, current)
	if err != nil {
		return 0, fmt.Errorf("failed to update manifest: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, engine.NewConflictError(id, generation, current)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mutation: %w", err)
	}
	return next, nil
}

// PutManifest implements engine.ManifestStore. Creating a manifest starts
// at generation 1; replacing one bumps the generation.
func (s *SQLiteStore) PutManifest(ctx context.Context, m *engine.Manifest) (int64, error) {
	document, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("failed to encode manifest document: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO manifests (id, name, document, generation, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			document = excluded.document,
			generation = manifests.generation + 1,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, m.ID, m.Name, string(document), now, now); err != nil {
		return 0, fmt.Errorf("failed to put manifest: %w", err)
	}

	return s.GetGeneration(ctx, m.ID)
}

// ListManifests implements engine.ManifestStore.
func (s *SQLiteStore) ListManifests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM manifests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan manifest id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRequest implements engine.RequestJournal.
func (s *SQLiteStore) GetRequest(ctx context.Context, idempotencyKey string) (*engine.ProvisioningRequest, error) {
	query := `
		SELECT idempotency_key, id, manifest_id, generation, component_name, tier, backend,
		       payload, provenance, status, handle, connection_data, failure_reason,
		       timeout_ns, submitted_at, ready_at
		FROM requests
		WHERE idempotency_key = ?
	`
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, idempotencyKey))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("request", idempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// SaveRequest implements engine.RequestJournal.
func (s *SQLiteStore) SaveRequest(ctx context.Context, req *engine.ProvisioningRequest) error {
	query := `
		INSERT INTO requests (idempotency_key, id, manifest_id, generation, component_name,
			tier, backend, payload, provenance, status, handle, connection_data,
			failure_reason, timeout_ns, submitted_at, ready_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = excluded.status,
			handle = excluded.handle,
			connection_data = excluded.connection_data,
			failure_reason = excluded.failure_reason,
			submitted_at = excluded.submitted_at,
			ready_at = excluded.ready_at
	`

	_, err := s.db.ExecContext(ctx, query,
		req.IdempotencyKey, req.ID, req.ManifestID, req.Generation, req.ComponentName,
		string(req.Tier), string(req.Backend), string(req.Payload), string(req.Provenance),
		string(req.Status), req.Handle, string(req.ConnectionData), req.FailureReason,
		int64(req.Timeout), req.SubmittedAt, req.ReadyAt)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

// ListRequests implements engine.RequestJournal.
func (s *SQLiteStore) ListRequests(ctx context.Context, manifestID string, generation int64) ([]engine.ProvisioningRequest, error) {
	query := `
		SELECT idempotency_key, id, manifest_id, generation, component_name, tier, backend,
		       payload, provenance, status, handle, connection_data, failure_reason,
		       timeout_ns, submitted_at, ready_at
		FROM requests
		WHERE manifest_id = ? AND generation = ?
		ORDER BY submitted_at
	`
	rows, err := s.db.QueryContext(ctx, query, manifestID, generation)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	reqs := []engine.ProvisioningRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// ClearStalled implements engine.RequestJournal. Resetting the submit
// time restarts the readiness timeout window.
func (s *SQLiteStore) ClearStalled(ctx context.Context, idempotencyKey string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, submitted_at = ? WHERE idempotency_key = ? AND status = ?`,
		string(engine.RequestStatusPending), time.Now(), idempotencyKey, string(engine.RequestStatusStalled))
	if err != nil {
		return fmt.Errorf("failed to clear stalled request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("stalled request", idempotencyKey)
	}
	return nil
}

// Acquire implements engine.LeaseManager. Lease rows survive process
// restarts; an expired lease is reclaimed by the next acquirer.
func (s *SQLiteStore) Acquire(ctx context.Context, manifestID, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	query := `
		INSERT INTO leases (manifest_id, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(manifest_id) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?
	`
	result, err := s.db.ExecContext(ctx, query, manifestID, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Renew implements engine.LeaseManager.
func (s *SQLiteStore) Renew(ctx context.Context, manifestID, holder string, ttl time.Duration) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE manifest_id = ? AND holder = ?`,
		time.Now().Add(ttl), manifestID, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewLeaseHeldError(manifestID, "unknown")
	}
	return nil
}

// Release implements engine.LeaseManager. Releasing a lease held by
// another holder is a no-op.
func (s *SQLiteStore) Release(ctx context.Context, manifestID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE manifest_id = ? AND holder = ?`, manifestID, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// SaveEvent appends one event to the timeline.
func (s *SQLiteStore) SaveEvent(ctx context.Context, e *engine.Event) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, timestamp, manifest_id, component, message, level, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Timestamp, e.ManifestID, e.Component, e.Message, e.Level, string(details))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ListEvents returns the timeline of a manifest, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, manifestID string, limit int) ([]engine.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, timestamp, manifest_id, component, message, level, details
		 FROM events WHERE manifest_id = ? ORDER BY timestamp LIMIT ?`,
		manifestID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var e engine.Event
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.ManifestID, &e.Component,
			&e.Message, &e.Level, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// applyDiff mutates a manifest document in place.
func applyDiff(m *engine.Manifest, diff *engine.ManifestDiff) {
	if diff == nil {
		return
	}
	m.Components = append(m.Components, diff.AddComponents...)
	for _, upd := range diff.UpdateComponents {
		for i := range m.Components {
			if m.Components[i].Name == upd.Name {
				m.Components[i] = upd
			}
		}
	}
	for _, name := range diff.RemoveComponents {
		for i := range m.Components {
			if m.Components[i].Name == name {
				m.Components = append(m.Components[:i], m.Components[i+1:]...)
				break
			}
		}
	}
}

// scanner abstracts sql.Row and sql.Rows for scanRequest.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*engine.ProvisioningRequest, error) {
	var req engine.ProvisioningRequest
	var tier, backend, provenance, status string
	var payload, connectionData string
	var handle, failureReason sql.NullString
	var timeoutNS int64
	var readyAt sql.NullTime

	err := row.Scan(&req.IdempotencyKey, &req.ID, &req.ManifestID, &req.Generation,
		&req.ComponentName, &tier, &backend, &payload, &provenance, &status,
		&handle, &connectionData, &failureReason, &timeoutNS, &req.SubmittedAt, &readyAt)
	if err != nil {
		return nil, err
	}

	req.Tier = engine.Tier(tier)
	req.Backend = engine.BackendKind(backend)
	req.Provenance = engine.Provenance(provenance)
	req.Status = engine.RequestStatus(status)
	req.Payload = json.RawMessage(payload)
	if connectionData != "" {
		req.ConnectionData = json.RawMessage(connectionData)
	}
	req.Handle = handle.String
	req.FailureReason = failureReason.String
	req.Timeout = time.Duration(timeoutNS)
	if readyAt.Valid {
		t := readyAt.Time
		req.ReadyAt = &t
	}
	return &req, nil
}
