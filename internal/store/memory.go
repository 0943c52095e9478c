package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// MemoryKV is an in-memory KV implementation with TTL support, used for
// tests and single-process deployments without Redis.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	lists  map[string]memoryListEntry
	now    func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryListEntry struct {
	items     []string
	expiresAt time.Time
}

// NewMemoryKV creates an empty in-memory KV store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string]memoryEntry),
		lists:  make(map[string]memoryListEntry),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get returns the value for key and whether it was present.
func (m *MemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// SetWithTTL stores value under key with an inactivity TTL.
func (m *MemoryKV) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	m.values[key] = memoryEntry{value: value, expiresAt: expiresAt}
	return nil
}

// AppendBoundedList appends item, trims to maxLen, refreshes the TTL.
func (m *MemoryKV) AppendBoundedList(ctx context.Context, key, item string, maxLen int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.lists[key]
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		entry = memoryListEntry{}
	}
	entry.items = append(entry.items, item)
	if maxLen > 0 && len(entry.items) > maxLen {
		entry.items = entry.items[len(entry.items)-maxLen:]
	}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.lists[key] = entry
	return nil
}

// GetList returns up to limit entries, most recent last.
func (m *MemoryKV) GetList(ctx context.Context, key string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lists[key]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.lists, key)
		return nil, nil
	}
	items := entry.items
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]string, len(items))
	copy(out, items)
	return out, nil
}

// Compile-time check that MemoryKV implements KV.
var _ KV = (*MemoryKV)(nil)

// MemoryStore is an in-memory Store implementation for tests and
// development runs without a database.
type MemoryStore struct {
	mu          sync.Mutex
	turns       map[string]models.TurnRecord
	attempts    []models.RecoveryAttempt
	escalations []models.EscalationRecord
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[string]models.TurnRecord),
		now:   time.Now,
	}
}

func (m *MemoryStore) SaveTurnRecord(rec models.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[rec.MessageID] = rec
	return nil
}

func (m *MemoryStore) GetTurnRecord(messageID string) (*models.TurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.turns[messageID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *MemoryStore) AddRecoveryAttempt(att models.RecoveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, att)
	return nil
}

func (m *MemoryStore) ListRecoveryAttempts(executionID string) ([]models.RecoveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RecoveryAttempt
	for _, att := range m.attempts {
		if att.ExecutionID == executionID {
			out = append(out, att)
		}
	}
	return out, nil
}

func (m *MemoryStore) AddEscalation(rec models.EscalationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, rec)
	return nil
}

func (m *MemoryStore) ListEscalations(since time.Time) ([]models.EscalationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EscalationRecord
	for _, rec := range m.escalations {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) SweepExpired(turnTTL, escalationTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, rec := range m.turns {
		if now.Sub(rec.StartedAt) > turnTTL {
			delete(m.turns, id)
		}
	}
	kept := m.escalations[:0]
	for _, rec := range m.escalations {
		if now.Sub(rec.Timestamp) <= escalationTTL {
			kept = append(kept, rec)
		}
	}
	m.escalations = kept
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
