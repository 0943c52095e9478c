package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// DefaultClassifierTimeout bounds a single classifier call from the router.
const DefaultClassifierTimeout = 5 * time.Second

// TurnRouter is the single router implementation. The decision hierarchy is
// evaluated in strict order and is the most important behavioral contract of
// the engine:
//
//  1. Explicit interruption: an interruption intent from the classifier wins
//     immediately. A user's explicit request is never overridden by a rigid
//     in-progress flow.
//  2. Business continuation: deterministic rules over state alone, never the
//     classifier, so they stay fast and independent of AI availability.
//  3. New flow: the classified intent picks a node.
type TurnRouter struct {
	classifier Classifier
	tracker    *ProgressTracker
	timeout    time.Duration
}

// NewTurnRouter creates a router with its classifier port and tracker.
func NewTurnRouter(classifier Classifier, tracker *ProgressTracker) *TurnRouter {
	return &TurnRouter{
		classifier: classifier,
		tracker:    tracker,
		timeout:    DefaultClassifierTimeout,
	}
}

// SetClassifierTimeout overrides the per-call classifier deadline.
func (r *TurnRouter) SetClassifierTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Route applies the decision hierarchy. It never propagates an internal
// failure: the worst outcome is the fallback decision plus an advisory error
// describing why the classifier tier was unavailable.
func (r *TurnRouter) Route(ctx context.Context, text string, state *models.ConversationState, history []models.HistoryEntry) (decision Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("TurnRouter.Route: recovered from panic, degrading to fallback", "panic", rec, "identity", state.Phone)
			decision = Decision{Node: models.NodeFallback, Reason: ReasonFallback}
			err = fmt.Errorf("router panic: %v", rec)
		}
	}()

	state.Normalize()

	var nlu *models.NLUResult
	var classifyErr error
	if r.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		nlu, classifyErr = r.classifier.Classify(cctx, text, models.ClassifierContext{State: state, History: history}, state.PendingInputFor)
		cancel()
		if classifyErr != nil {
			slog.Warn("TurnRouter.Route: classification failed, continuing with rules only", "error", classifyErr, "identity", state.Phone)
		} else if nlu != nil {
			// Stash the result so nodes reuse it without re-classifying.
			state.NLU = nlu
		}
	}

	// Tier 1: explicit interruption.
	if nlu != nil && nlu.PrimaryIntent.IsInterruption() {
		node := models.NodeForIntent(nlu.PrimaryIntent)
		slog.Info("TurnRouter.Route: interruption intent", "intent", nlu.PrimaryIntent, "node", node, "identity", state.Phone)
		return Decision{Node: node, Reason: ReasonInterruption}, nil
	}

	// Tier 2: business continuation over state alone.
	if node, ok := ContinuationNode(state, r.tracker); ok {
		slog.Debug("TurnRouter.Route: continuation rule", "node", node, "identity", state.Phone)
		return Decision{Node: node, Reason: ReasonContinuation}, nil
	}

	// Tier 3: new flow from the classified intent.
	if nlu != nil {
		node := models.NodeForIntent(nlu.PrimaryIntent)
		slog.Debug("TurnRouter.Route: classified new flow", "intent", nlu.PrimaryIntent, "node", node, "identity", state.Phone)
		return Decision{Node: node, Reason: ReasonClassified}, nil
	}

	// No classifier answer and no rule applied: fallback, with the cause
	// reported so the recovery coordinator can record it.
	if classifyErr != nil {
		return Decision{Node: models.NodeFallback, Reason: ReasonFallback}, fmt.Errorf("routing degraded: %w", classifyErr)
	}
	return Decision{Node: models.NodeFallback, Reason: ReasonFallback}, nil
}

// ContinuationNode evaluates the deterministic continuation rules. It is a
// pure function of state (never the classifier), exported so the recovery
// ladder can reuse it for classifier-free routing.
func ContinuationNode(state *models.ConversationState, tracker *ProgressTracker) (models.NodeType, bool) {
	if !state.GreetingSent {
		return "", false
	}

	// A stuck flow exits to the information node instead of re-asking the
	// same question past the ceiling.
	if tracker.ShouldEscapeHatch(state, FlowQualification, QualificationFields) {
		slog.Info("ContinuationNode: qualification escape hatch", "identity", state.Phone, "attempts", state.Attempts(FlowQualification))
		return models.NodeInformation, true
	}
	if _, missing := tracker.NextMissingField(QualificationFields, state.CollectedFields); missing {
		return models.NodeQualification, true
	}

	if tracker.ShouldEscapeHatch(state, FlowScheduling, SchedulingFields) {
		slog.Info("ContinuationNode: scheduling escape hatch", "identity", state.Phone, "attempts", state.Attempts(FlowScheduling))
		return models.NodeInformation, true
	}
	if _, missing := tracker.NextMissingField(SchedulingFields, state.CollectedFields); missing {
		return models.NodeScheduling, true
	}

	return "", false
}

// Compile-time check that TurnRouter implements Router.
var _ Router = (*TurnRouter)(nil)
