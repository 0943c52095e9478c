// Package store provides storage backends for TurnPipe.
//
// This file implements the SQLite-backed durable store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/TurnPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTurnRecord(rec models.TurnRecord) error {
	var endedAt interface{}
	if rec.EndedAt != nil {
		endedAt = *rec.EndedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO turn_records (message_id, identity, started_at, replied, ended_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET replied = excluded.replied, ended_at = excluded.ended_at`,
		rec.MessageID, rec.Identity, rec.StartedAt, rec.Replied, endedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn record failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTurnRecord(messageID string) (*models.TurnRecord, error) {
	row := s.db.QueryRow(
		`SELECT message_id, identity, started_at, replied, ended_at FROM turn_records WHERE message_id = ?`,
		messageID,
	)
	return scanTurnRecord(row)
}

func (s *SQLiteStore) AddRecoveryAttempt(att models.RecoveryAttempt) error {
	_, err := s.db.Exec(
		`INSERT INTO recovery_attempts (execution_id, stage, error_kind, strategy, result, recovery_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		att.ExecutionID, string(att.Stage), att.ErrorKind, att.Strategy, string(att.Result),
		att.RecoveryTime.Milliseconds(), att.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("add recovery attempt failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecoveryAttempts(executionID string) ([]models.RecoveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT execution_id, stage, error_kind, strategy, result, recovery_ms, created_at
		 FROM recovery_attempts WHERE execution_id = ? ORDER BY id`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recovery attempts failed: %w", err)
	}
	defer rows.Close()
	return scanRecoveryAttempts(rows)
}

func (s *SQLiteStore) AddEscalation(rec models.EscalationRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO escalations (escalation_id, stage, reason, identity, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.EscalationID, string(rec.Stage), rec.Reason, rec.Identity, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("add escalation failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEscalations(since time.Time) ([]models.EscalationRecord, error) {
	rows, err := s.db.Query(
		`SELECT escalation_id, stage, reason, identity, created_at FROM escalations
		 WHERE created_at >= ? ORDER BY created_at DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalations failed: %w", err)
	}
	defer rows.Close()
	return scanEscalations(rows)
}

func (s *SQLiteStore) SweepExpired(turnTTL, escalationTTL time.Duration) error {
	now := time.Now()
	if _, err := s.db.Exec(`DELETE FROM turn_records WHERE started_at < ?`, now.Add(-turnTTL)); err != nil {
		return fmt.Errorf("sweep turn records failed: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM escalations WHERE created_at < ?`, now.Add(-escalationTTL)); err != nil {
		return fmt.Errorf("sweep escalations failed: %w", err)
	}
	slog.Debug("SQLiteStore sweep completed", "turn_ttl", turnTTL, "escalation_ttl", escalationTTL)
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
