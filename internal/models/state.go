package models

import (
	"log/slog"
	"time"
)

// History roles for conversation history entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is a single message in the bounded conversation history.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the per-identity state mutated once per turn.
// Exactly one writer commits per turn; the turn lock in the pipeline
// serializes same-identity turns.
type ConversationState struct {
	Phone           string            `json:"phone"`
	CollectedFields map[string]string `json:"collected_fields"`
	PendingInputFor string            `json:"pending_input_for,omitempty"`
	AttemptsByFlow  map[string]int    `json:"attempts_by_flow"`
	GreetingSent    bool              `json:"greeting_sent"`
	TurnCount       int               `json:"turn_count"`
	UpdatedAt       time.Time         `json:"updated_at"`

	// NLU holds the classifier output for the current turn so nodes can
	// reuse it without re-classifying. Not persisted across turns.
	NLU *NLUResult `json:"nlu_result,omitempty"`
}

// NewConversationState returns a fresh state for an identity.
func NewConversationState(phone string) *ConversationState {
	return &ConversationState{
		Phone:           phone,
		CollectedFields: make(map[string]string),
		AttemptsByFlow:  make(map[string]int),
	}
}

// Validate checks the invariants a loaded state must satisfy. A state that
// fails validation is treated as absent by the loader, never propagated.
func (s *ConversationState) Validate() error {
	if s.Phone == "" {
		return ErrStateCorruption
	}
	if s.TurnCount < 0 {
		return ErrStateCorruption
	}
	for flow, n := range s.AttemptsByFlow {
		if flow == "" || n < 0 {
			return ErrStateCorruption
		}
	}
	return nil
}

// Normalize repairs nil maps after deserialization so callers never need
// nil checks before writing.
func (s *ConversationState) Normalize() {
	if s.CollectedFields == nil {
		s.CollectedFields = make(map[string]string)
	}
	if s.AttemptsByFlow == nil {
		s.AttemptsByFlow = make(map[string]int)
	}
}

// MergeFields merges extracted entities into the collected fields.
// Collection is monotonic: a key that already holds a non-empty value is
// never cleared, only overwritten by a newer non-empty value. Keys outside
// the allowed set are logged and dropped. Returns the keys that went from
// missing to present this turn.
func (s *ConversationState) MergeFields(entities map[string]string, allowed []string) []string {
	if len(entities) == 0 {
		return nil
	}
	s.Normalize()

	allowedSet := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = true
	}

	var filled []string
	for key, value := range entities {
		if !allowedSet[key] {
			slog.Debug("ConversationState.MergeFields: dropping unexpected key", "phone", s.Phone, "key", key)
			continue
		}
		if value == "" {
			continue
		}
		if s.CollectedFields[key] == "" {
			filled = append(filled, key)
		}
		s.CollectedFields[key] = value
	}
	return filled
}

// FieldPresent reports whether a field has a non-empty value. A present but
// empty value counts as missing.
func (s *ConversationState) FieldPresent(key string) bool {
	if s.CollectedFields == nil {
		return false
	}
	return s.CollectedFields[key] != ""
}

// Attempts returns the attempt counter for a flow, zero when unset.
func (s *ConversationState) Attempts(flow string) int {
	if s.AttemptsByFlow == nil {
		return 0
	}
	return s.AttemptsByFlow[flow]
}
