package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

var (
	eventColumns   = []string{"id", "run_id", "task_id", "observed_at", "page_url", "scriptlet", "kind", "target", "detail"}
	requestColumns = []string{"run_id", "task_id", "method", "url", "status", "bytes", "duration_ms", "initiator", "error"}
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    target      TEXT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    errors      TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (run_id, task_id)
);
CREATE TABLE IF NOT EXISTS interception_events (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    page_url    TEXT NOT NULL,
    scriptlet   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    target      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS interception_events_run_idx ON interception_events (run_id, observed_at);
CREATE TABLE IF NOT EXISTS request_records (
    run_id      TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    method      TEXT NOT NULL,
    url         TEXT NOT NULL,
    status      INTEGER NOT NULL,
    bytes       INTEGER NOT NULL,
    duration_ms BIGINT NOT NULL,
    initiator   TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);`

// Store provides a PostgreSQL implementation of the Repository interface.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables the store writes to when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// PersistRun writes the run row, its events and its requests in one transaction.
func (s *Store) PersistRun(ctx context.Context, envelope *schemas.RunEnvelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.persistRunRow(ctx, tx, envelope); err != nil {
		return err
	}
	if len(envelope.Events) > 0 {
		if err := s.persistEvents(ctx, tx, envelope.Events); err != nil {
			return err
		}
	}
	if len(envelope.Requests) > 0 {
		if err := s.persistRequests(ctx, tx, envelope); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted run", zap.String("run_id", envelope.RunID), zap.String("task_id", envelope.TaskID), zap.Int("events", len(envelope.Events)))
	return nil
}

func (s *Store) persistRunRow(ctx context.Context, tx pgx.Tx, envelope *schemas.RunEnvelope) error {
	sql := `
        INSERT INTO runs (run_id, task_id, target, observed_at, errors)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (run_id, task_id) DO UPDATE SET
            target = EXCLUDED.target,
            observed_at = EXCLUDED.observed_at,
            errors = EXCLUDED.errors;
    `
	errs := envelope.Errors
	if errs == nil {
		errs = []string{}
	}
	if _, err := tx.Exec(ctx, sql, envelope.RunID, envelope.TaskID, envelope.Target, envelope.Timestamp, errs); err != nil {
		return fmt.Errorf("failed to upsert run %s/%s: %w", envelope.RunID, envelope.TaskID, err)
	}
	return nil
}

func (s *Store) persistEvents(ctx context.Context, tx pgx.Tx, events []schemas.InterceptionEvent) error {
	rows := make([][]interface{}, len(events))
	for i, e := range events {
		rows[i] = []interface{}{
			e.ID, e.RunID, e.TaskID,
			e.Timestamp, e.PageURL, e.Scriptlet,
			string(e.Kind), e.Target, e.Detail,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"interception_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	if int(copyCount) != len(events) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(events), copyCount)
	}
	return nil
}

func (s *Store) persistRequests(ctx context.Context, tx pgx.Tx, envelope *schemas.RunEnvelope) error {
	rows := make([][]interface{}, len(envelope.Requests))
	for i, r := range envelope.Requests {
		rows[i] = []interface{}{
			envelope.RunID, envelope.TaskID,
			r.Method, r.URL, r.Status, r.Bytes,
			r.Duration.Milliseconds(), r.Initiator, r.Error,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"request_records"}, requestColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy requests: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied requests count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

// GetEventsByRunID returns every event of a run in observation order.
func (s *Store) GetEventsByRunID(ctx context.Context, runID string) ([]schemas.InterceptionEvent, error) {
	query := `
        SELECT id, task_id, observed_at, page_url, scriptlet, kind, target, detail
        FROM interception_events
        WHERE run_id = $1
        ORDER BY observed_at ASC, id ASC;
    `
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []schemas.InterceptionEvent
	for rows.Next() {
		var e schemas.InterceptionEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &e.PageURL, &e.Scriptlet, &kind, &e.Target, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.RunID = runID
		e.Kind = schemas.EventKind(kind)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return events, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
