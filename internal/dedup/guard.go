// Package dedup provides the message-level idempotency guard for TurnPipe.
//
// The guard tracks in-flight and already-handled message ids so a redelivered
// webhook never produces a second reply. Records are retained after the turn
// ends; only the TTL purge removes them, because the retention is what makes
// redelivery within the window a no-op.
package dedup

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// DefaultTTL is how long a turn record is retained before the lazy purge
// removes it.
const DefaultTTL = 60 * time.Second

// Recorder persists turn records for post-mortem inspection. Writes are
// best-effort; the guard never fails a turn because the recorder is down.
type Recorder interface {
	SaveTurnRecord(rec models.TurnRecord) error
}

type record struct {
	identity  string
	startedAt time.Time
	replied   bool
	ended     bool
	endedAt   *time.Time
}

// Guard is the in-memory idempotency guard. All methods are safe for
// concurrent use and none of them ever panics or returns an error: on any
// internal problem the guard fails open for unrelated entries only, never
// for the entry being checked.
type Guard struct {
	mu       sync.Mutex
	ttl      time.Duration
	records  map[string]*record
	recorder Recorder
	now      func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithRecorder attaches a durable mirror for turn records.
func WithRecorder(r Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard with the given retention TTL. A non-positive TTL
// falls back to DefaultTTL.
func NewGuard(ttl time.Duration, opts ...Option) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Guard{
		ttl:     ttl,
		records: make(map[string]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartTurn registers a message id as in-flight. It returns true when the
// caller may process the message, false when the id was already seen within
// the TTL window (in-flight, completed, or replied). Records older than the
// TTL are purged lazily before the lookup.
func (g *Guard) StartTurn(messageID, identity string) bool {
	if messageID == "" {
		// Nothing to key on; let the message through rather than block it.
		slog.Warn("Guard.StartTurn: empty message id, skipping dedup")
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purgeLocked(now)

	if _, seen := g.records[messageID]; seen {
		slog.Info("Guard.StartTurn: duplicate message id", "message_id", messageID, "identity", identity)
		return false
	}

	g.records[messageID] = &record{identity: identity, startedAt: now}
	g.mirror(messageID)
	return true
}

// HasReplied reports whether a reply was already sent for a message id.
func (g *Guard) HasReplied(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[messageID]
	return ok && rec.replied
}

// MarkReplied records that a reply went out for a message id.
func (g *Guard) MarkReplied(messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[messageID]
	if !ok {
		slog.Warn("Guard.MarkReplied: unknown message id", "message_id", messageID)
		return
	}
	rec.replied = true
	g.mirror(messageID)
}

// EndTurn marks processing complete for a message id. The record is
// retained until the TTL purge so redelivery stays deduplicated.
func (g *Guard) EndTurn(messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[messageID]
	if !ok {
		return
	}
	now := g.now()
	rec.ended = true
	rec.endedAt = &now
	g.mirror(messageID)
}

// purgeLocked drops records older than the TTL. Caller holds g.mu.
func (g *Guard) purgeLocked(now time.Time) {
	for id, rec := range g.records {
		if now.Sub(rec.startedAt) > g.ttl {
			delete(g.records, id)
		}
	}
}

// mirror writes the record to the durable recorder, best-effort.
// Caller holds g.mu.
func (g *Guard) mirror(messageID string) {
	if g.recorder == nil {
		return
	}
	rec := g.records[messageID]
	if rec == nil {
		return
	}
	err := g.recorder.SaveTurnRecord(models.TurnRecord{
		MessageID: messageID,
		Identity:  rec.identity,
		StartedAt: rec.startedAt,
		Replied:   rec.replied,
		EndedAt:   rec.endedAt,
	})
	if err != nil {
		slog.Warn("Guard: turn record mirror write failed", "error", err, "message_id", messageID)
	}
}
