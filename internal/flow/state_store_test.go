package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/BTreeMap/TurnPipe/internal/store"
)

// brokenKV simulates a backend outage.
type brokenKV struct{}

func (brokenKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (brokenKV) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenKV) AppendBoundedList(context.Context, string, string, int, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenKV) GetList(context.Context, string, int) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestGetReturnsDefaultOnMiss(t *testing.T) {
	ss := NewStateStore(store.NewMemoryKV(), time.Hour, 10)
	state, err := ss.Get(context.Background(), "5511912345678")
	if err != nil {
		t.Fatalf("miss is not an error: %v", err)
	}
	if state == nil || state.Phone != "5511912345678" {
		t.Fatalf("expected fresh default state, got %+v", state)
	}
	if state.CollectedFields == nil || state.AttemptsByFlow == nil {
		t.Fatal("fresh state must have initialized maps")
	}
}

func TestGetDegradesOnOutage(t *testing.T) {
	ss := NewStateStore(brokenKV{}, time.Hour, 10)
	state, err := ss.Get(context.Background(), "5511912345678")
	if state == nil {
		t.Fatal("state must never be nil, even on outage")
	}
	if !errors.Is(err, models.ErrStateStoreUnavailable) {
		t.Fatalf("expected advisory ErrStateStoreUnavailable, got %v", err)
	}
}

func TestGetDegradesOnCorruption(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()
	_ = kv.SetWithTTL(ctx, "turnpipe:conv:5511912345678", "{not json", time.Hour)

	ss := NewStateStore(kv, time.Hour, 10)
	state, err := ss.Get(ctx, "5511912345678")
	if state == nil || state.TurnCount != 0 {
		t.Fatal("corrupt state must degrade to a fresh conversation")
	}
	if !errors.Is(err, models.ErrStateCorruption) {
		t.Fatalf("expected advisory ErrStateCorruption, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	kv := store.NewMemoryKV()
	ss := NewStateStore(kv, time.Hour, 10)
	ctx := context.Background()

	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.CollectedFields["parent_name"] = "Ana"
	state.AttemptsByFlow[FlowQualification] = 2
	state.NLU = nluWith(models.IntentQualification, nil)

	if err := ss.Save(ctx, state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := ss.Get(ctx, "5511912345678")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !loaded.GreetingSent || loaded.CollectedFields["parent_name"] != "Ana" {
		t.Fatalf("round trip lost data: %+v", loaded)
	}
	if loaded.Attempts(FlowQualification) != 2 {
		t.Errorf("attempt counters must survive the round trip")
	}
	if loaded.NLU != nil {
		t.Error("per-turn NLU result must not be persisted")
	}
}

func TestSaveFailureIsAdvisory(t *testing.T) {
	ss := NewStateStore(brokenKV{}, time.Hour, 10)
	state := models.NewConversationState("5511912345678")
	err := ss.Save(context.Background(), state)
	if !errors.Is(err, models.ErrStateStoreUnavailable) {
		t.Fatalf("expected ErrStateStoreUnavailable, got %v", err)
	}
}

func TestHistoryBoundedMostRecentLast(t *testing.T) {
	kv := store.NewMemoryKV()
	ss := NewStateStore(kv, time.Hour, 4)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		ss.AppendHistory(ctx, "id", models.RoleUser, fmt.Sprintf("msg-%d", i))
	}

	entries := ss.GetHistory(ctx, "id", 0)
	if len(entries) != 4 {
		t.Fatalf("expected history bounded to 4, got %d", len(entries))
	}
	if entries[0].Content != "msg-2" || entries[3].Content != "msg-5" {
		t.Fatalf("expected oldest evicted and most recent last, got %+v", entries)
	}

	limited := ss.GetHistory(ctx, "id", 2)
	if len(limited) != 2 || limited[1].Content != "msg-5" {
		t.Fatalf("limit should return the most recent entries, got %+v", limited)
	}
}

func TestHistoryOutageReturnsEmpty(t *testing.T) {
	ss := NewStateStore(brokenKV{}, time.Hour, 10)
	if entries := ss.GetHistory(context.Background(), "id", 5); entries != nil {
		t.Fatalf("outage must yield empty history, got %+v", entries)
	}
	// Append on outage must not panic.
	ss.AppendHistory(context.Background(), "id", models.RoleUser, "oi")
}
