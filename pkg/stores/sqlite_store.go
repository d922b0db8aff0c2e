package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openconduct/openconduct/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the durable request store. Envelope, plan, and results
// are stored as JSON columns; the external-id index lives in its own
// table and is rebuilt inside the same transaction as each record
// update.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
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
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Migrate runs database migrations from the embedded source.
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Create persists a fresh record and claims its idempotency key.
func (s *SQLiteStore) Create(ctx context.Context, record *engine.RequestRecord) error {
	envelope, plan, results, err := marshalRecord(record)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO requests (request_id, idempotency_key, fingerprint, envelope, plan, results, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		record.RequestID,
		record.Envelope.IdempotencyKey,
		record.Fingerprint,
		envelope,
		plan,
		results,
		string(record.Status),
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewError(engine.KindDuplicateKey,
				fmt.Sprintf("idempotency key %q is already held", record.Envelope.IdempotencyKey), err)
		}
		return fmt.Errorf("failed to create request: %w", err)
	}

	if err := reindexExternalRefs(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request: %w", err)
	}
	return nil
}

// Update applies a partial patch and rebuilds the record's external-id
// index entries in the same transaction.
func (s *SQLiteStore) Update(ctx context.Context, requestID string, patch engine.RecordPatch) (*engine.RequestRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record, err := getRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}

	if patch.Plan != nil {
		record.Plan = patch.Plan
	}
	if patch.Results != nil {
		record.Results = patch.Results
	}
	if patch.Status != nil {
		record.Status = *patch.Status
	}
	record.UpdatedAt = time.Now().UTC()

	_, plan, results, err := marshalRecord(record)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE requests
		SET plan = ?, results = ?, status = ?, updated_at = ?
		WHERE request_id = ?
	`
	if _, err := tx.ExecContext(ctx, query, plan, results, string(record.Status), record.UpdatedAt, requestID); err != nil {
		return nil, fmt.Errorf("failed to update request: %w", err)
	}

	if err := reindexExternalRefs(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return record, nil
}

// Get loads a record by id.
func (s *SQLiteStore) Get(ctx context.Context, requestID string) (*engine.RequestRecord, error) {
	return getRequest(ctx, s.db, requestID)
}

// FindByIdempotencyKey resolves the record holding the key.
func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (*engine.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRequest+` WHERE idempotency_key = ?`, key)
	record, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewError(engine.KindNotFound,
			fmt.Sprintf("no request holds idempotency key %q", key), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request by idempotency key: %w", err)
	}
	return record, nil
}

// ListByStatus returns up to limit records in the given statuses, FIFO
// by creation time.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses []engine.RequestStatus, limit int) ([]*engine.RequestRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	args = append(args, limit)

	query := selectRequest + `
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC, request_id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	records := []*engine.RequestRecord{}
	for rows.Next() {
		record, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}
	return records, nil
}

// FindTaskByExternalID resolves (backend, external_id) through the
// external index.
func (s *SQLiteStore) FindTaskByExternalID(ctx context.Context, backend, externalID string) (*engine.ExternalRef, error) {
	query := `
		SELECT backend, external_id, request_id, task_id
		FROM external_refs
		WHERE backend = ? AND external_id = ?
	`
	ref := &engine.ExternalRef{}
	err := s.db.QueryRowContext(ctx, query, backend, externalID).Scan(
		&ref.Backend,
		&ref.ExternalID,
		&ref.RequestID,
		&ref.TaskID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewError(engine.KindUnknownExternalID,
			fmt.Sprintf("no task indexed for backend %q external id %q", backend, externalID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external id: %w", err)
	}
	return ref, nil
}

// Append writes one audit event, making the store usable as an audit
// sink.
func (s *SQLiteStore) Append(ctx context.Context, event engine.AuditEvent) error {
	data, err := marshalJSON(event.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_events (request_id, timestamp, level, stage, message, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.RequestID,
		event.Timestamp.UTC(),
		string(event.Level),
		string(event.Stage),
		event.Message,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Query returns a request's audit events in append order.
func (s *SQLiteStore) Query(ctx context.Context, requestID string, limit int) ([]engine.AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT request_id, timestamp, level, stage, message, data
		FROM audit_events
		WHERE request_id = ?
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []engine.AuditEvent{}
	for rows.Next() {
		var event engine.AuditEvent
		var level, stage string
		var data sql.NullString
		if err := rows.Scan(&event.RequestID, &event.Timestamp, &level, &stage, &event.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Level = engine.AuditLevel(level)
		event.Stage = engine.Stage(stage)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode audit event data: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

const selectRequest = `
	SELECT request_id, fingerprint, envelope, plan, results, status, created_at, updated_at
	FROM requests
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func getRequest(ctx context.Context, q querier, requestID string) (*engine.RequestRecord, error) {
	row := q.QueryRowContext(ctx, selectRequest+` WHERE request_id = ?`, requestID)
	record, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewError(engine.KindNotFound,
			fmt.Sprintf("request %s not found", requestID), nil).WithRequest(requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return record, nil
}

func scanRequest(row rowScanner) (*engine.RequestRecord, error) {
	record := &engine.RequestRecord{}
	var envelope string
	var plan, results sql.NullString
	var status string

	err := row.Scan(
		&record.RequestID,
		&record.Fingerprint,
		&envelope,
		&plan,
		&results,
		&status,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = engine.RequestStatus(status)
	if err := json.Unmarshal([]byte(envelope), &record.Envelope); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if plan.Valid && plan.String != "" {
		record.Plan = &engine.ExecutionPlan{}
		if err := json.Unmarshal([]byte(plan.String), record.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &record.Results); err != nil {
			return nil, fmt.Errorf("failed to decode results: %w", err)
		}
	}
	return record, nil
}

func marshalRecord(record *engine.RequestRecord) (envelope string, plan, results *string, err error) {
	raw, err := json.Marshal(record.Envelope)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	envelope = string(raw)

	if record.Plan != nil {
		raw, err := json.Marshal(record.Plan)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		s := string(raw)
		plan = &s
	}
	if record.Results != nil {
		raw, err := json.Marshal(record.Results)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to encode results: %w", err)
		}
		s := string(raw)
		results = &s
	}
	return envelope, plan, results, nil
}

func marshalJSON(data map[string]interface{}) (*string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit data: %w", err)
	}
	s := string(raw)
	return &s, nil
}

// reindexExternalRefs deletes the record's index rows and reinserts the
// current ones. Callers run it inside the record's transaction.
func reindexExternalRefs(ctx context.Context, tx *sql.Tx, record *engine.RequestRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM external_refs WHERE request_id = ?`, record.RequestID); err != nil {
		return fmt.Errorf("failed to clear external refs: %w", err)
	}
	for _, res := range record.Results {
		if res.ExternalID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO external_refs (backend, external_id, request_id, task_id) VALUES (?, ?, ?, ?)`,
			res.Backend, res.ExternalID, record.RequestID, res.TaskID,
		)
		if err != nil {
			return fmt.Errorf("failed to index external id %q: %w", res.ExternalID, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
