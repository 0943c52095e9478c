// Package store provides storage backends for TurnPipe.
//
// Two narrow contracts live here: KV, the TTL-bounded key/value port behind
// the conversation state store, and Store, the durable repository for turn
// records, recovery audit entries, and escalation records. Redis and an
// in-memory map implement KV; SQLite and PostgreSQL implement Store.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// KV is the key/value port used for conversation state and bounded history.
// All operations carry a context; backends must honor its deadline.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL stores value under key with an inactivity TTL.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// AppendBoundedList appends item to the list at key, trimming to the most
	// recent maxLen entries, and refreshes the list TTL.
	AppendBoundedList(ctx context.Context, key, item string, maxLen int, ttl time.Duration) error

	// GetList returns up to limit entries from the list at key, oldest first
	// within the returned window (most recent last).
	GetList(ctx context.Context, key string, limit int) ([]string, error)
}

// Store is the durable repository for records that outlive a single turn.
type Store interface {
	// SaveTurnRecord inserts or updates a turn record keyed by message id.
	SaveTurnRecord(rec models.TurnRecord) error

	// GetTurnRecord returns the record for a message id, nil when absent.
	GetTurnRecord(messageID string) (*models.TurnRecord, error)

	// AddRecoveryAttempt appends one entry to the recovery audit log.
	AddRecoveryAttempt(att models.RecoveryAttempt) error

	// ListRecoveryAttempts returns the audit entries for one execution id,
	// oldest first.
	ListRecoveryAttempts(executionID string) ([]models.RecoveryAttempt, error)

	// AddEscalation persists an escalation record for manual follow-up.
	AddEscalation(rec models.EscalationRecord) error

	// ListEscalations returns escalation records created at or after since,
	// newest first.
	ListEscalations(since time.Time) ([]models.EscalationRecord, error)

	// SweepExpired removes turn records older than turnTTL and escalations
	// older than escalationTTL.
	SweepExpired(turnTTL, escalationTTL time.Duration) error

	// Close releases the underlying database handle.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports whether a DSN targets postgres or sqlite, based on
// its scheme or key=value form.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
