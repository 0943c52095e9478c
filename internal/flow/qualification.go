package flow

import (
	"log/slog"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// Flow names used as attempt-counter keys in ConversationState.
const (
	FlowQualification = "qualification"
	FlowScheduling    = "scheduling"
)

// QualificationFields is the canonical ordered list of required
// qualification fields. The left-to-right order is a contract: it determines
// which question is asked next.
var QualificationFields = []string{"parent_name", "child_name", "child_age", "program_interest"}

// SchedulingFields are required once qualification is complete.
var SchedulingFields = []string{"preferred_day", "preferred_time"}

// DefaultAttemptCeiling is the number of attempts without progress after
// which a flow takes the escape hatch instead of re-asking the same question.
const DefaultAttemptCeiling = 4

// ProgressTracker decides the next missing field, whether a turn made
// progress, and whether a flow has hit its attempt ceiling. It is a pure
// function of the state handed to it.
type ProgressTracker struct {
	ceiling int
}

// NewProgressTracker creates a tracker with the given attempt ceiling.
// A non-positive ceiling falls back to DefaultAttemptCeiling.
func NewProgressTracker(ceiling int) *ProgressTracker {
	if ceiling <= 0 {
		ceiling = DefaultAttemptCeiling
	}
	return &ProgressTracker{ceiling: ceiling}
}

// Ceiling returns the configured attempt ceiling.
func (t *ProgressTracker) Ceiling() int { return t.ceiling }

// NextMissingField returns the first field from requiredOrder that has no
// non-empty value in collected, and whether such a field exists. A present
// but empty value counts as missing.
func (t *ProgressTracker) NextMissingField(requiredOrder []string, collected map[string]string) (string, bool) {
	for _, field := range requiredOrder {
		if collected[field] == "" {
			return field, true
		}
	}
	return "", false
}

// Advance updates the attempt counter for a flow: progress resets it to
// zero, no progress increments it by one.
func (t *ProgressTracker) Advance(state *models.ConversationState, flowName string, madeProgress bool) {
	state.Normalize()
	if madeProgress {
		if state.AttemptsByFlow[flowName] != 0 {
			slog.Debug("ProgressTracker.Advance: progress made, resetting attempts", "flow", flowName, "identity", state.Phone)
		}
		state.AttemptsByFlow[flowName] = 0
		return
	}
	state.AttemptsByFlow[flowName]++
	slog.Debug("ProgressTracker.Advance: no progress", "flow", flowName, "attempts", state.AttemptsByFlow[flowName], "identity", state.Phone)
}

// NoteProgress resets the attempt counter of every flow one of the newly
// filled fields belongs to. Progress counts no matter which node handled the
// turn: a name supplied during an information detour still unsticks the
// qualification flow, so an escape hatch never becomes permanent.
func (t *ProgressTracker) NoteProgress(state *models.ConversationState, filled []string) {
	if containsAny(filled, QualificationFields) {
		t.Advance(state, FlowQualification, true)
	}
	if containsAny(filled, SchedulingFields) {
		t.Advance(state, FlowScheduling, true)
	}
}

// ShouldEscapeHatch reports whether a flow is stuck: the attempt ceiling is
// reached while required fields are still missing. When true the router must
// leave the flow rather than re-ask the same question again.
func (t *ProgressTracker) ShouldEscapeHatch(state *models.ConversationState, flowName string, requiredOrder []string) bool {
	if state.Attempts(flowName) < t.ceiling {
		return false
	}
	_, missing := t.NextMissingField(requiredOrder, state.CollectedFields)
	return missing
}
