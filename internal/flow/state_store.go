package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/BTreeMap/TurnPipe/internal/store"
)

// Key prefixes and bounds for conversation storage.
const (
	stateKeyPrefix   = "turnpipe:conv:"
	historyKeyPrefix = "turnpipe:hist:"

	// DefaultStateTTL is the inactivity TTL after which a conversation
	// expires and a fresh one starts with empty collected fields.
	DefaultStateTTL = 24 * time.Hour

	// DefaultHistoryLimit bounds the stored history ring; oldest entries
	// are evicted first.
	DefaultHistoryLimit = 20
)

// StateStore is the conversation state store. Get always returns a usable
// state: on a miss, on a corrupt record, or on a backend outage it degrades
// to a fresh default state (logged, never fatal). A state store failure is
// recoverable by contract; it must never fail the turn on its own.
type StateStore struct {
	kv           store.KV
	stateTTL     time.Duration
	historyLimit int
}

// NewStateStore creates a StateStore over the given KV backend.
func NewStateStore(kv store.KV, stateTTL time.Duration, historyLimit int) *StateStore {
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	slog.Debug("Creating StateStore", "state_ttl", stateTTL, "history_limit", historyLimit)
	return &StateStore{kv: kv, stateTTL: stateTTL, historyLimit: historyLimit}
}

// Get loads the conversation state for an identity. The returned state is
// never nil. The error, when non-nil, is advisory: it tells the caller the
// backend misbehaved, but the state is already degraded and usable.
func (ss *StateStore) Get(ctx context.Context, identity string) (*models.ConversationState, error) {
	raw, found, err := ss.kv.Get(ctx, stateKeyPrefix+identity)
	if err != nil {
		slog.Warn("StateStore.Get: backend unavailable, continuing with default state", "error", err, "identity", identity)
		return models.NewConversationState(identity), fmt.Errorf("%w: %v", models.ErrStateStoreUnavailable, err)
	}
	if !found {
		slog.Debug("StateStore.Get: no state, starting fresh conversation", "identity", identity)
		return models.NewConversationState(identity), nil
	}

	var state models.ConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		slog.Warn("StateStore.Get: corrupt state, degrading to fresh conversation", "error", err, "identity", identity)
		return models.NewConversationState(identity), fmt.Errorf("%w: %v", models.ErrStateCorruption, err)
	}
	state.Normalize()
	if err := state.Validate(); err != nil {
		slog.Warn("StateStore.Get: invalid state, degrading to fresh conversation", "error", err, "identity", identity)
		return models.NewConversationState(identity), fmt.Errorf("%w: validation failed", models.ErrStateCorruption)
	}

	return &state, nil
}

// Save persists the conversation state with the inactivity TTL. The
// per-turn NLU result is not persisted. Failures are logged and reported
// but the caller is expected to continue the turn.
func (ss *StateStore) Save(ctx context.Context, state *models.ConversationState) error {
	persisted := *state
	persisted.NLU = nil
	persisted.UpdatedAt = time.Now()

	raw, err := json.Marshal(&persisted)
	if err != nil {
		slog.Error("StateStore.Save: marshal failed", "error", err, "identity", state.Phone)
		return fmt.Errorf("marshal conversation state: %w", err)
	}
	if err := ss.kv.SetWithTTL(ctx, stateKeyPrefix+state.Phone, string(raw), ss.stateTTL); err != nil {
		slog.Warn("StateStore.Save: backend unavailable, state not persisted", "error", err, "identity", state.Phone)
		return fmt.Errorf("%w: %v", models.ErrStateStoreUnavailable, err)
	}
	return nil
}

// GetHistory returns up to limit history entries, most recent last.
// On any backend problem it returns an empty history.
func (ss *StateStore) GetHistory(ctx context.Context, identity string, limit int) []models.HistoryEntry {
	if limit <= 0 || limit > ss.historyLimit {
		limit = ss.historyLimit
	}
	items, err := ss.kv.GetList(ctx, historyKeyPrefix+identity, limit)
	if err != nil {
		slog.Warn("StateStore.GetHistory: backend unavailable, returning empty history", "error", err, "identity", identity)
		return nil
	}

	entries := make([]models.HistoryEntry, 0, len(items))
	for _, item := range items {
		var entry models.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			slog.Warn("StateStore.GetHistory: dropping corrupt history entry", "error", err, "identity", identity)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// AppendHistory appends one turn message to the bounded history ring.
// Best-effort: failures are logged and swallowed.
func (ss *StateStore) AppendHistory(ctx context.Context, identity, role, content string) {
	entry := models.HistoryEntry{Role: role, Content: content, Timestamp: time.Now()}
	raw, err := json.Marshal(&entry)
	if err != nil {
		slog.Error("StateStore.AppendHistory: marshal failed", "error", err, "identity", identity)
		return
	}
	if err := ss.kv.AppendBoundedList(ctx, historyKeyPrefix+identity, string(raw), ss.historyLimit, ss.stateTTL); err != nil {
		slog.Warn("StateStore.AppendHistory: backend unavailable, entry dropped", "error", err, "identity", identity)
	}
}
