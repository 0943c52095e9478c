package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// InstrumentedRouter decorates a Router with timing instrumentation.
// Variant routing behavior composes around the one TurnRouter implementation
// instead of duplicating it.
type InstrumentedRouter struct {
	inner Router
}

// NewInstrumentedRouter wraps a router with latency logging.
func NewInstrumentedRouter(inner Router) *InstrumentedRouter {
	return &InstrumentedRouter{inner: inner}
}

// Route delegates to the wrapped router and logs the outcome and latency.
func (ir *InstrumentedRouter) Route(ctx context.Context, text string, state *models.ConversationState, history []models.HistoryEntry) (Decision, error) {
	start := time.Now()
	decision, err := ir.inner.Route(ctx, text, state, history)
	elapsed := time.Since(start)

	if err != nil {
		slog.Warn("Router decision (degraded)", "node", decision.Node, "reason", decision.Reason, "elapsed", elapsed, "error", err, "identity", state.Phone)
	} else {
		slog.Info("Router decision", "node", decision.Node, "reason", decision.Reason, "elapsed", elapsed, "identity", state.Phone)
	}
	return decision, err
}

// Compile-time check that InstrumentedRouter implements Router.
var _ Router = (*InstrumentedRouter)(nil)
