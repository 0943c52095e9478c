package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/flow"
	"github.com/BTreeMap/TurnPipe/internal/models"
)

// Static bypass replies used when a stage is skipped instead of retried.
const (
	retryRequestReply = "Sorry, I couldn't read that message. Could you send it again?"

	staticGreetingReply      = "Hi! Welcome to Bright Steps. How can I help you?"
	staticQualificationReply = "Could you tell me a bit more so I can help you better?"
	staticSchedulingReply    = "I can help you book a visit. Which day works best for you?"
	staticInformationReply   = "Our team can answer any question about our programs. What would you like to know?"
)

// PreprocessingHandler recovers failures while validating and normalizing the
// inbound message, before any routing happens.
type PreprocessingHandler struct{}

// NewPreprocessingHandler creates the preprocessing ladder.
func NewPreprocessingHandler() *PreprocessingHandler { return &PreprocessingHandler{} }

var _ StageHandler = (*PreprocessingHandler)(nil)

func (h *PreprocessingHandler) Stage() models.Stage { return models.StagePreprocessing }

func (h *PreprocessingHandler) Strategies() []Strategy {
	return []Strategy{
		{
			// Strip malformed bytes and collapse whitespace; succeeds when
			// any readable text survives.
			Name:        "retry_normalized",
			Degradation: 1,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				cleaned := strings.ToValidUTF8(tc.Text, "")
				normalized := strings.Join(strings.Fields(cleaned), " ")
				if normalized == "" {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("text empty after normalization")
				}
				tc.Text = normalized
				return Outcome{Result: models.RecoverySuccess}, nil
			},
		},
		{
			// Nothing usable in the message. Ask the user to resend rather
			// than guessing at intent.
			Name:        "request_resend",
			Degradation: 2,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				return Outcome{Result: models.RecoveryPartial, FallbackText: retryRequestReply}, nil
			},
		},
	}
}

// RoutingHandler recovers classifier failures. The first rung retries the
// router with minimal context, the second drops the classifier entirely and
// routes on continuation rules, the last forces the fallback node.
type RoutingHandler struct {
	router  flow.Router
	tracker *flow.ProgressTracker
}

// NewRoutingHandler creates the routing ladder over the given router and
// progress tracker.
func NewRoutingHandler(router flow.Router, tracker *flow.ProgressTracker) *RoutingHandler {
	return &RoutingHandler{router: router, tracker: tracker}
}

var _ StageHandler = (*RoutingHandler)(nil)

func (h *RoutingHandler) Stage() models.Stage { return models.StageRouting }

func (h *RoutingHandler) Strategies() []Strategy {
	return []Strategy{
		{
			Name:        "retry_minimal_context",
			Degradation: 1,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				decision, err := h.router.Route(ctx, tc.Text, tc.State, nil)
				if err != nil {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("retry without history: %w", err)
				}
				tc.Decision = &decision
				return Outcome{Result: models.RecoverySuccess}, nil
			},
		},
		{
			Name:        "continuation_rules_only",
			Degradation: 2,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				node, ok := flow.ContinuationNode(tc.State, h.tracker)
				if !ok {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("no continuation rule applies")
				}
				tc.Decision = &flow.Decision{Node: node, Reason: flow.ReasonContinuation}
				return Outcome{Result: models.RecoveryPartial}, nil
			},
		},
		{
			Name:        "static_fallback_node",
			Degradation: 3,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				tc.Decision = &flow.Decision{Node: models.NodeFallback, Reason: flow.ReasonFallback}
				return Outcome{Result: models.RecoveryPartial}, nil
			},
		},
	}
}

// NodeExecutionHandler recovers failures inside the chosen node. Retrying
// without the classifier result comes first; a canned per-node reply second;
// escalation with the emergency reply last.
type NodeExecutionHandler struct {
	registry *flow.Registry
}

// NewNodeExecutionHandler creates the node-execution ladder over the node
// registry.
func NewNodeExecutionHandler(registry *flow.Registry) *NodeExecutionHandler {
	return &NodeExecutionHandler{registry: registry}
}

var _ StageHandler = (*NodeExecutionHandler)(nil)

func (h *NodeExecutionHandler) Stage() models.Stage { return models.StageNodeExecution }

func (h *NodeExecutionHandler) decisionNode(tc *TurnContext) models.NodeType {
	if tc.Decision != nil {
		return tc.Decision.Node
	}
	return models.NodeFallback
}

func (h *NodeExecutionHandler) Strategies() []Strategy {
	return []Strategy{
		{
			Name:        "retry_without_nlu",
			Degradation: 1,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				if tc.State == nil {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("no state to re-execute with")
				}
				tc.State.NLU = nil
				node := h.registry.Get(h.decisionNode(tc))
				reply, err := node.Execute(ctx, tc.Text, tc.State)
				if err != nil {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("re-execute without nlu: %w", err)
				}
				tc.Reply = reply
				return Outcome{Result: models.RecoverySuccess}, nil
			},
		},
		{
			Name:        "static_node_reply",
			Degradation: 2,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				reply, ok := staticReplyFor(h.decisionNode(tc))
				if !ok {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("no static reply for node %s", h.decisionNode(tc))
				}
				return Outcome{Result: models.RecoveryPartial, FallbackText: reply}, nil
			},
		},
		{
			Name:        "emergency_reply",
			Degradation: 3,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				return Outcome{Result: models.RecoveryEscalated, FallbackText: EmergencyResponse}, nil
			},
		},
	}
}

func staticReplyFor(node models.NodeType) (string, bool) {
	switch node {
	case models.NodeGreeting:
		return staticGreetingReply, true
	case models.NodeQualification:
		return staticQualificationReply, true
	case models.NodeScheduling:
		return staticSchedulingReply, true
	case models.NodeInformation:
		return staticInformationReply, true
	default:
		return "", false
	}
}

// Sender is the slice of the messaging service the delivery ladder retries
// through.
type Sender interface {
	Send(ctx context.Context, phone, text, channelInstance string) models.DeliveryResult
}

// DeliveryHandler recovers delivery failures. Rejected sends (the client
// error class) are never retried; transient failures get bounded backoff,
// then a shortened retry, then escalation.
type DeliveryHandler struct {
	sender  Sender
	retries int
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDeliveryHandler creates the delivery ladder over the given sender.
func NewDeliveryHandler(sender Sender) *DeliveryHandler {
	return &DeliveryHandler{
		sender:  sender,
		retries: 2,
		backoff: 200 * time.Millisecond,
		sleep:   sleepCtx,
	}
}

var _ StageHandler = (*DeliveryHandler)(nil)

func (h *DeliveryHandler) Stage() models.Stage { return models.StageDelivery }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h *DeliveryHandler) Strategies() []Strategy {
	return []Strategy{
		{
			Name:        "retry_with_backoff",
			Degradation: 1,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				if errors.Is(cause, models.ErrDeliveryRejected) {
					// Retrying a malformed request is wasted work.
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("rejected by channel, not retriable: %w", cause)
				}
				for attempt := 1; attempt <= h.retries; attempt++ {
					if err := h.sleep(ctx, time.Duration(attempt)*h.backoff); err != nil {
						return Outcome{Result: models.RecoveryFailed}, err
					}
					res := h.sender.Send(ctx, tc.Identity, tc.Reply, tc.ChannelInstance)
					if res.Sent == models.SentTrue {
						return Outcome{Result: models.RecoverySuccess}, nil
					}
					slog.Warn("DeliveryHandler: retry failed",
						"identity", tc.Identity, "attempt", attempt, "statusCode", res.StatusCode)
				}
				return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("delivery retries exhausted: %w", cause)
			},
		},
		{
			Name:        "shorten_and_retry",
			Degradation: 2,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				if errors.Is(cause, models.ErrDeliveryRejected) {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("rejected by channel, not retriable: %w", cause)
				}
				res := h.sender.Send(ctx, tc.Identity, retryRequestReply, tc.ChannelInstance)
				if res.Sent != models.SentTrue {
					return Outcome{Result: models.RecoveryFailed}, fmt.Errorf("short reply also failed (status %d)", res.StatusCode)
				}
				return Outcome{Result: models.RecoveryPartial, FallbackText: retryRequestReply}, nil
			},
		},
		{
			Name:        "escalate_undeliverable",
			Degradation: 3,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				return Outcome{Result: models.RecoveryEscalated}, nil
			},
		},
	}
}

// DefaultHandlers wires the standard four-stage ladder set.
func DefaultHandlers(router flow.Router, tracker *flow.ProgressTracker, registry *flow.Registry, sender Sender) []StageHandler {
	return []StageHandler{
		NewPreprocessingHandler(),
		NewRoutingHandler(router, tracker),
		NewNodeExecutionHandler(registry),
		NewDeliveryHandler(sender),
	}
}
