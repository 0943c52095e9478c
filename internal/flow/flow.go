// Package flow implements the turn routing core: the conversation state
// store, the qualification progress tracker, the turn router with its
// three-tier decision hierarchy, and the conversational nodes.
package flow

import (
	"context"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// Classifier is the narrow port to the external NLU model. The router's rule
// logic depends only on this interface so it is testable without network
// calls. When task is non-empty the classifier performs a narrower
// extraction focused on that one field; otherwise it classifies generally.
type Classifier interface {
	Classify(ctx context.Context, text string, cctx models.ClassifierContext, task string) (*models.NLUResult, error)
}

// Router decides which conversational node handles a turn.
type Router interface {
	// Route applies the decision hierarchy and returns the chosen node.
	// The classifier result is written into state so downstream nodes can
	// reuse it without re-classifying. Route never propagates an internal
	// failure: it degrades to the fallback decision and reports the cause
	// in the returned error for the recovery coordinator to record.
	Route(ctx context.Context, text string, state *models.ConversationState, history []models.HistoryEntry) (Decision, error)
}

// Node handles one turn once the router has chosen it.
type Node interface {
	// Type identifies the node.
	Type() models.NodeType

	// Execute produces the outbound reply for this turn. Nodes may mutate
	// state (for example merging extracted fields); they must not touch
	// external services other than through their injected dependencies.
	Execute(ctx context.Context, text string, state *models.ConversationState) (string, error)
}

// Decision is the router's output for one turn.
type Decision struct {
	Node models.NodeType
	// Reason records which tier produced the decision: "interruption",
	// "continuation", "classified", or "fallback".
	Reason string
}

// Decision reasons.
const (
	ReasonInterruption = "interruption"
	ReasonContinuation = "continuation"
	ReasonClassified   = "classified"
	ReasonFallback     = "fallback"
)
