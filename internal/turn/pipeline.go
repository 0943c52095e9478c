// Package turn implements the per-message processing pipeline: dedup, state
// load, routing, node execution, persistence, and delivery, with every stage
// failure routed into the recovery coordinator. One logical worker handles
// each inbound message; workers for the same identity are serialized.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/TurnPipe/internal/dedup"
	"github.com/BTreeMap/TurnPipe/internal/flow"
	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/BTreeMap/TurnPipe/internal/recovery"
)

// Defaults for pipeline tuning.
const (
	DefaultNodeTimeout        = 10 * time.Second
	DefaultClassifierHistory  = 10
	DefaultMaxConcurrentTurns = 32
)

// Deliverer is the outbound slice of the messaging service.
type Deliverer interface {
	Send(ctx context.Context, phone, text, channelInstance string) models.DeliveryResult
}

// Result summarizes one processed turn.
type Result struct {
	ExecutionID string
	Duplicate   bool
	Decision    flow.Decision
	Reply       string
	Delivery    models.DeliveryResult
}

// Opts holds configuration options for the pipeline.
type Opts struct {
	NodeTimeout       time.Duration
	ClassifierHistory int
	MaxConcurrent     int
}

// Option defines a configuration option for the pipeline.
type Option func(*Opts)

// WithNodeTimeout bounds a single node execution.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.NodeTimeout = d }
}

// WithClassifierHistory sets how many history entries the router sees.
func WithClassifierHistory(n int) Option {
	return func(o *Opts) { o.ClassifierHistory = n }
}

// WithMaxConcurrent caps the number of turns processed in parallel.
func WithMaxConcurrent(n int) Option {
	return func(o *Opts) { o.MaxConcurrent = n }
}

// Pipeline wires the turn processing stages together.
type Pipeline struct {
	guard     *dedup.Guard
	states    *flow.StateStore
	router    flow.Router
	registry  *flow.Registry
	coord     *recovery.Coordinator
	deliverer Deliverer
	locks     *KeyedLock

	nodeTimeout       time.Duration
	classifierHistory int
	maxConcurrent     int
}

// NewPipeline builds a pipeline over its collaborators.
func NewPipeline(guard *dedup.Guard, states *flow.StateStore, router flow.Router, registry *flow.Registry, coord *recovery.Coordinator, deliverer Deliverer, options ...Option) *Pipeline {
	opts := Opts{
		NodeTimeout:       DefaultNodeTimeout,
		ClassifierHistory: DefaultClassifierHistory,
		MaxConcurrent:     DefaultMaxConcurrentTurns,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return &Pipeline{
		guard:             guard,
		states:            states,
		router:            router,
		registry:          registry,
		coord:             coord,
		deliverer:         deliverer,
		locks:             NewKeyedLock(),
		nodeTimeout:       opts.NodeTimeout,
		classifierHistory: opts.ClassifierHistory,
		maxConcurrent:     opts.MaxConcurrent,
	}
}

// Run consumes inbound messages until the context is cancelled or the channel
// closes. Each message gets its own worker; the per-identity lock inside
// HandleMessage keeps same-identity turns in arrival order.
func (p *Pipeline) Run(ctx context.Context, inbound <-chan models.InboundMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrent)

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case msg, ok := <-inbound:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				if _, err := p.HandleMessage(gctx, msg); err != nil {
					slog.Error("Pipeline.Run: turn dropped", "messageID", msg.MessageID, "error", err)
				}
				// Turn failures never stop the loop.
				return nil
			})
		}
	}
}

// HandleMessage processes one inbound message end to end. It returns an error
// only when the message could not be processed at all (no usable identity);
// every other failure degrades through the recovery coordinator so the user
// still receives a reply.
func (p *Pipeline) HandleMessage(ctx context.Context, msg models.InboundMessage) (*Result, error) {
	if err := msg.Validate(); err != nil {
		// Without an identity there is nowhere to send even an emergency
		// reply, and without a message id the dedup guard cannot protect us.
		return nil, fmt.Errorf("unprocessable inbound message: %w", err)
	}

	res := &Result{ExecutionID: uuid.NewString()}
	start := time.Now()

	// Turns for the same identity are strictly serialized; the lock covers
	// dedup through delivery so a concurrent redelivery can never interleave.
	p.locks.Lock(msg.Phone)
	defer p.locks.Unlock(msg.Phone)

	if !p.guard.StartTurn(msg.MessageID, msg.Phone) {
		slog.Info("Pipeline.HandleMessage: duplicate message ignored", "messageID", msg.MessageID, "identity", msg.Phone)
		res.Duplicate = true
		return res, nil
	}
	defer p.guard.EndTurn(msg.MessageID)

	tc := &recovery.TurnContext{
		Identity:        msg.Phone,
		ChannelInstance: msg.ChannelInstance,
		Text:            msg.Text,
	}

	// Preprocessing. Empty or malformed text goes through the recovery
	// ladder: the first rung salvages readable text, the second asks the
	// user to resend.
	text := strings.TrimSpace(msg.Text)
	if text == "" || !utf8.ValidString(text) {
		cause := errors.New("empty message text")
		if text != "" {
			cause = errors.New("malformed message text")
		}
		out := p.coord.AttemptRecovery(ctx, res.ExecutionID, models.StagePreprocessing, cause, tc, 0)
		if out.FallbackText != "" {
			res.Delivery, res.Reply = p.deliver(ctx, res.ExecutionID, msg, out.FallbackText, tc)
			p.finishReply(msg, res)
			return res, nil
		}
		text = tc.Text
	}
	tc.Text = text

	// State load is always recoverable: a backend outage yields a fresh
	// state and the turn continues.
	state, stateErr := p.states.Get(ctx, msg.Phone)
	if stateErr != nil {
		slog.Warn("Pipeline.HandleMessage: continuing with degraded state", "identity", msg.Phone, "error", stateErr)
	}
	history := p.states.GetHistory(ctx, msg.Phone, p.classifierHistory)
	tc.State = state
	tc.History = history

	// Routing.
	decision, routeErr := p.router.Route(ctx, text, state, history)
	if routeErr != nil {
		tc.Decision = &decision
		out := p.coord.AttemptRecovery(ctx, res.ExecutionID, models.StageRouting, routeErr, tc, 0)
		if (out.Result == models.RecoverySuccess || out.Result == models.RecoveryPartial) && tc.Decision != nil {
			decision = *tc.Decision
		}
	}
	res.Decision = decision

	// Node execution.
	reply := p.executeNode(ctx, res.ExecutionID, decision, text, state, tc)
	res.Reply = reply

	// Persist before delivering: the state must reflect this turn even if
	// delivery later fails.
	state.TurnCount++
	p.states.AppendHistory(ctx, msg.Phone, models.RoleUser, text)
	p.states.AppendHistory(ctx, msg.Phone, models.RoleAssistant, reply)
	if err := p.states.Save(ctx, state); err != nil {
		slog.Warn("Pipeline.HandleMessage: state save failed, turn continues", "identity", msg.Phone, "error", err)
	}

	// Delivery. The result carries the text that actually went out, which the
	// ladder may have substituted for the composed reply.
	res.Delivery, res.Reply = p.deliver(ctx, res.ExecutionID, msg, reply, tc)
	p.finishReply(msg, res)

	slog.Info("Pipeline.HandleMessage: turn complete",
		"messageID", msg.MessageID, "identity", msg.Phone, "node", decision.Node,
		"reason", decision.Reason, "sent", res.Delivery.Sent, "duration", time.Since(start))
	return res, nil
}

// executeNode runs the chosen node under the stage timeout, degrading through
// the recovery ladder on failure. It always returns some reply text.
func (p *Pipeline) executeNode(ctx context.Context, executionID string, decision flow.Decision, text string, state *models.ConversationState, tc *recovery.TurnContext) string {
	node := p.registry.Get(decision.Node)

	nctx, cancel := context.WithTimeout(ctx, p.nodeTimeout)
	reply, err := node.Execute(nctx, text, state)
	cancel()
	if err == nil {
		return reply
	}

	cause := err
	if errors.Is(err, context.DeadlineExceeded) {
		cause = fmt.Errorf("node %s: %w", decision.Node, models.ErrStageTimeout)
	}
	tc.Decision = &decision
	tc.Reply = reply

	out := p.coord.AttemptRecovery(ctx, executionID, models.StageNodeExecution, cause, tc, 0)
	switch {
	case out.Result == models.RecoverySuccess && tc.Reply != "":
		return tc.Reply
	case out.FallbackText != "":
		return out.FallbackText
	default:
		return recovery.EmergencyResponse
	}
}

// deliver sends the reply, routing a failed send into the delivery ladder.
// It returns the delivery result and the text actually delivered, which can
// differ from reply when the ladder substituted a shorter message.
func (p *Pipeline) deliver(ctx context.Context, executionID string, msg models.InboundMessage, reply string, tc *recovery.TurnContext) (models.DeliveryResult, string) {
	result := p.deliverer.Send(ctx, msg.Phone, reply, msg.ChannelInstance)
	if result.Sent == models.SentTrue {
		return result, reply
	}

	cause := models.ErrDeliveryTransient
	if result.StatusCode >= 400 && result.StatusCode < 500 {
		cause = models.ErrDeliveryRejected
	}
	tc.Reply = reply

	out := p.coord.AttemptRecovery(ctx, executionID, models.StageDelivery, cause, tc, 0)
	if out.Result == models.RecoverySuccess || out.Result == models.RecoveryPartial {
		delivered := reply
		if out.FallbackText != "" {
			delivered = out.FallbackText
		}
		return models.SentResult(200), delivered
	}
	return result, reply
}

// finishReply records that this message id produced an outbound reply, which
// is what blocks a second reply on redelivery.
func (p *Pipeline) finishReply(msg models.InboundMessage, res *Result) {
	if res.Delivery.Sent == models.SentTrue {
		p.guard.MarkReplied(msg.MessageID)
	}
}
