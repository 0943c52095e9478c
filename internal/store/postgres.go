// Package store provides storage backends for TurnPipe.
//
// This file implements the PostgreSQL-backed durable store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/TurnPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveTurnRecord(rec models.TurnRecord) error {
	var endedAt interface{}
	if rec.EndedAt != nil {
		endedAt = *rec.EndedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO turn_records (message_id, identity, started_at, replied, ended_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id) DO UPDATE SET replied = EXCLUDED.replied, ended_at = EXCLUDED.ended_at`,
		rec.MessageID, rec.Identity, rec.StartedAt, rec.Replied, endedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn record failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTurnRecord(messageID string) (*models.TurnRecord, error) {
	row := s.db.QueryRow(
		`SELECT message_id, identity, started_at, replied, ended_at FROM turn_records WHERE message_id = $1`,
		messageID,
	)
	return scanTurnRecord(row)
}

func (s *PostgresStore) AddRecoveryAttempt(att models.RecoveryAttempt) error {
	_, err := s.db.Exec(
		`INSERT INTO recovery_attempts (execution_id, stage, error_kind, strategy, result, recovery_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		att.ExecutionID, string(att.Stage), att.ErrorKind, att.Strategy, string(att.Result),
		att.RecoveryTime.Milliseconds(), att.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("add recovery attempt failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecoveryAttempts(executionID string) ([]models.RecoveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT execution_id, stage, error_kind, strategy, result, recovery_ms, created_at
		 FROM recovery_attempts WHERE execution_id = $1 ORDER BY id`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recovery attempts failed: %w", err)
	}
	defer rows.Close()
	return scanRecoveryAttempts(rows)
}

func (s *PostgresStore) AddEscalation(rec models.EscalationRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO escalations (escalation_id, stage, reason, identity, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.EscalationID, string(rec.Stage), rec.Reason, rec.Identity, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("add escalation failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEscalations(since time.Time) ([]models.EscalationRecord, error) {
	rows, err := s.db.Query(
		`SELECT escalation_id, stage, reason, identity, created_at FROM escalations
		 WHERE created_at >= $1 ORDER BY created_at DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalations failed: %w", err)
	}
	defer rows.Close()
	return scanEscalations(rows)
}

func (s *PostgresStore) SweepExpired(turnTTL, escalationTTL time.Duration) error {
	now := time.Now()
	if _, err := s.db.Exec(`DELETE FROM turn_records WHERE started_at < $1`, now.Add(-turnTTL)); err != nil {
		return fmt.Errorf("sweep turn records failed: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM escalations WHERE created_at < $1`, now.Add(-escalationTTL)); err != nil {
		return fmt.Errorf("sweep escalations failed: %w", err)
	}
	slog.Debug("PostgresStore sweep completed", "turn_ttl", turnTTL, "escalation_ttl", escalationTTL)
	return nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
