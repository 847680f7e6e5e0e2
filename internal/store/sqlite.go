package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// RunRecord is one processed task.
type RunRecord struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"uniqueIndex:idx_run_task;not null"`
	TaskID     string    `gorm:"uniqueIndex:idx_run_task;not null"`
	Target     string    `gorm:"not null"`
	ObservedAt time.Time `gorm:"not null"`
	ErrorsJSON string    `gorm:"type:text"`
}

// EventRecord is one interception event.
type EventRecord struct {
	ID         string    `gorm:"primaryKey"`
	RunID      string    `gorm:"index:idx_event_run;not null"`
	TaskID     string    `gorm:"not null"`
	ObservedAt time.Time `gorm:"index:idx_event_run;not null"`
	PageURL    string
	Scriptlet  string `gorm:"index;not null"`
	Kind       string `gorm:"index;not null"`
	Target     string
	Detail     string
}

// RequestRecord is one request that reached the network.
type RequestRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"index;not null"`
	TaskID     string `gorm:"not null"`
	Method     string
	URL        string
	Status     int
	Bytes      int
	DurationMs int64
	Initiator  string
	Error      string
}

// SQLiteStore persists runs to a local SQLite database through gorm.
type SQLiteStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	log := logger.Named("store")
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(log.Named("gorm"))})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
	}
	// One connection: SQLite has a single writer, and each connection to
	// ":memory:" would otherwise see its own empty database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RunRecord{}, &EventRecord{}, &RequestRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

// PersistRun writes the run row, its events and its requests in one transaction.
func (s *SQLiteStore) PersistRun(ctx context.Context, envelope *schemas.RunEnvelope) error {
	errs := envelope.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to encode run errors: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run := RunRecord{
			RunID:      envelope.RunID,
			TaskID:     envelope.TaskID,
			Target:     envelope.Target,
			ObservedAt: envelope.Timestamp,
			ErrorsJSON: string(errorsJSON),
		}
		if err := tx.Where(RunRecord{RunID: run.RunID, TaskID: run.TaskID}).
			Assign(RunRecord{Target: run.Target, ObservedAt: run.ObservedAt, ErrorsJSON: run.ErrorsJSON}).
			FirstOrCreate(&run).Error; err != nil {
			return fmt.Errorf("failed to upsert run: %w", err)
		}

		if len(envelope.Events) > 0 {
			events := make([]EventRecord, len(envelope.Events))
			for i, e := range envelope.Events {
				events[i] = EventRecord{
					ID: e.ID, RunID: e.RunID, TaskID: e.TaskID, ObservedAt: e.Timestamp,
					PageURL: e.PageURL, Scriptlet: e.Scriptlet, Kind: string(e.Kind),
					Target: e.Target, Detail: e.Detail,
				}
			}
			if err := tx.CreateInBatches(events, 200).Error; err != nil {
				return fmt.Errorf("failed to insert events: %w", err)
			}
		}

		if len(envelope.Requests) > 0 {
			requests := make([]RequestRecord, len(envelope.Requests))
			for i, r := range envelope.Requests {
				requests[i] = RequestRecord{
					RunID: envelope.RunID, TaskID: envelope.TaskID, Method: r.Method, URL: r.URL,
					Status: r.Status, Bytes: r.Bytes, DurationMs: r.Duration.Milliseconds(),
					Initiator: r.Initiator, Error: r.Error,
				}
			}
			if err := tx.CreateInBatches(requests, 200).Error; err != nil {
				return fmt.Errorf("failed to insert requests: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("Persisted run", zap.String("run_id", envelope.RunID), zap.String("task_id", envelope.TaskID), zap.Int("events", len(envelope.Events)))
	return nil
}

// GetEventsByRunID returns every event of a run in observation order.
func (s *SQLiteStore) GetEventsByRunID(ctx context.Context, runID string) ([]schemas.InterceptionEvent, error) {
	var records []EventRecord
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("observed_at ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]schemas.InterceptionEvent, len(records))
	for i, r := range records {
		events[i] = schemas.InterceptionEvent{
			ID: r.ID, RunID: r.RunID, TaskID: r.TaskID, Timestamp: r.ObservedAt,
			PageURL: r.PageURL, Scriptlet: r.Scriptlet, Kind: schemas.EventKind(r.Kind),
			Target: r.Target, Detail: r.Detail,
		}
	}
	return events, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		s.log.Warn("Failed to close sqlite database", zap.Error(err))
	}
}
