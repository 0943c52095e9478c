// Package recovery implements the stage recovery coordinator: when a turn
// pipeline stage fails, a per-stage ladder of progressively more degraded
// strategies is applied until one succeeds, the turn is escalated, or the
// ladder is exhausted and a canned emergency reply goes out. Every strategy
// attempt is written to an append-only audit log, and repeated failures of
// the same stage inside a rolling window raise one escalation record for
// manual follow-up.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/TurnPipe/internal/flow"
	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/BTreeMap/TurnPipe/internal/store"
)

// EmergencyResponse is the hardcoded reply of last resort. It is sent when
// every recovery strategy for a stage has failed, so the user never sees a
// silent timeout.
const EmergencyResponse = "Sorry, I'm having a technical issue right now. " +
	"Please try again in a few minutes, or call our team directly and they'll be happy to help."

// Defaults for the auto-escalation window.
const (
	DefaultEscalationThreshold = 3
	DefaultEscalationWindow    = time.Hour
)

// TurnContext carries the mutable turn data strategies operate on. Strategies
// may rewrite Text, Decision, or Reply; the coordinator returns the mutated
// context to the pipeline as the recovered state of the turn.
type TurnContext struct {
	Identity        string
	ChannelInstance string
	Text            string
	State           *models.ConversationState
	History         []models.HistoryEntry
	Decision        *flow.Decision
	Reply           string
}

// Outcome is the coordinator's answer for one failed stage.
type Outcome struct {
	Result models.RecoveryResult
	// FallbackText is the reply to deliver when the stage was bypassed or
	// the ladder exhausted. Empty when the stage fully recovered and the
	// pipeline should proceed with the mutated TurnContext.
	FallbackText string
}

// Strategy is one rung of a stage's recovery ladder.
type Strategy struct {
	Name string
	// Degradation orders the ladder. Rungs are tried in ascending order and
	// a later rung is never less degraded than an earlier one.
	Degradation int
	Apply       func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error)
}

// StageHandler defines the ladder for one pipeline stage.
type StageHandler interface {
	Stage() models.Stage
	Strategies() []Strategy
}

// Auditor is the slice of store.Store the coordinator writes audit and
// escalation records through.
type Auditor interface {
	AddRecoveryAttempt(att models.RecoveryAttempt) error
	AddEscalation(rec models.EscalationRecord) error
}

var _ Auditor = (store.Store)(nil)

// Opts holds configuration options for the coordinator.
type Opts struct {
	EscalationThreshold int
	EscalationWindow    time.Duration
}

// Option defines a configuration option for the coordinator.
type Option func(*Opts)

// WithEscalationThreshold sets the failed-attempt count that triggers an
// escalation record.
func WithEscalationThreshold(n int) Option {
	return func(o *Opts) { o.EscalationThreshold = n }
}

// WithEscalationWindow sets the rolling window for auto-escalation.
func WithEscalationWindow(d time.Duration) Option {
	return func(o *Opts) { o.EscalationWindow = d }
}

// Coordinator applies per-stage recovery ladders and keeps the audit log.
type Coordinator struct {
	handlers map[models.Stage]StageHandler
	auditor  Auditor
	now      func() time.Time

	threshold int
	window    time.Duration

	mu            sync.Mutex
	failures      map[models.Stage][]time.Time
	lastEscalated map[models.Stage]time.Time
}

// NewCoordinator builds a coordinator over the given stage handlers. The
// auditor may be nil, in which case audit writes are skipped.
func NewCoordinator(auditor Auditor, handlers []StageHandler, options ...Option) *Coordinator {
	opts := Opts{
		EscalationThreshold: DefaultEscalationThreshold,
		EscalationWindow:    DefaultEscalationWindow,
	}
	for _, opt := range options {
		opt(&opts)
	}
	c := &Coordinator{
		handlers:      make(map[models.Stage]StageHandler, len(handlers)),
		auditor:       auditor,
		now:           time.Now,
		threshold:     opts.EscalationThreshold,
		window:        opts.EscalationWindow,
		failures:      make(map[models.Stage][]time.Time),
		lastEscalated: make(map[models.Stage]time.Time),
	}
	for _, h := range handlers {
		c.handlers[h.Stage()] = h
	}
	return c
}

// SetClock overrides the coordinator's clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// AttemptRecovery walks the stage's strategy ladder for a failed execution.
// Strategies run in order of increasing degradation; the walk stops at the
// first Success, Partial or Escalated outcome. maxAttempts caps how many
// rungs are tried; zero or negative means the whole ladder. When the ladder
// is exhausted the turn falls through to the emergency response and a final
// audit entry is retained.
func (c *Coordinator) AttemptRecovery(ctx context.Context, executionID string, stage models.Stage, cause error, tc *TurnContext, maxAttempts int) Outcome {
	kind := models.ErrorKind(cause)
	slog.Warn("Coordinator.AttemptRecovery: stage failed, starting ladder",
		"executionID", executionID, "stage", stage, "errorKind", kind)

	h, ok := c.handlers[stage]
	if !ok {
		slog.Error("Coordinator.AttemptRecovery: no handler for stage", "stage", stage)
		c.record(executionID, stage, kind, "none", models.RecoveryFailed, 0)
		c.registerFailure(stage, tc, kind)
		return Outcome{Result: models.RecoveryFailed, FallbackText: EmergencyResponse}
	}

	ladder := h.Strategies()
	if maxAttempts > 0 && maxAttempts < len(ladder) {
		ladder = ladder[:maxAttempts]
	}

	for _, strat := range ladder {
		start := c.now()
		outcome, err := strat.Apply(ctx, tc, cause)
		elapsed := c.now().Sub(start)

		result := outcome.Result
		if err != nil {
			result = models.RecoveryFailed
		}
		c.record(executionID, stage, kind, strat.Name, result, elapsed)

		switch result {
		case models.RecoverySuccess, models.RecoveryPartial:
			slog.Info("Coordinator.AttemptRecovery: stage recovered",
				"executionID", executionID, "stage", stage, "strategy", strat.Name, "result", result)
			return outcome
		case models.RecoveryEscalated:
			slog.Warn("Coordinator.AttemptRecovery: strategy escalated turn",
				"executionID", executionID, "stage", stage, "strategy", strat.Name)
			c.escalate(stage, tc, "strategy "+strat.Name+" escalated ("+kind+")")
			return outcome
		default:
			slog.Warn("Coordinator.AttemptRecovery: strategy failed, degrading",
				"executionID", executionID, "stage", stage, "strategy", strat.Name, "error", err)
			c.registerFailure(stage, tc, kind)
		}
	}

	// Ladder exhausted: retain a final record and fall through to the
	// emergency reply so the user still hears back.
	c.record(executionID, stage, kind, "exhausted", models.RecoveryFailed, 0)
	slog.Error("Coordinator.AttemptRecovery: ladder exhausted, using emergency response",
		"executionID", executionID, "stage", stage, "errorKind", kind)
	return Outcome{Result: models.RecoveryFailed, FallbackText: EmergencyResponse}
}

// record appends one audit entry. Audit writes are best effort: a failing
// auditor must never break recovery itself.
func (c *Coordinator) record(executionID string, stage models.Stage, kind, strategy string, result models.RecoveryResult, elapsed time.Duration) {
	if c.auditor == nil {
		return
	}
	att := models.RecoveryAttempt{
		ExecutionID:  executionID,
		Stage:        stage,
		ErrorKind:    kind,
		Strategy:     strategy,
		Result:       result,
		RecoveryTime: elapsed,
		Timestamp:    c.now(),
	}
	if err := c.auditor.AddRecoveryAttempt(att); err != nil {
		slog.Warn("Coordinator.record: failed to persist recovery attempt",
			"executionID", executionID, "stage", stage, "error", err)
	}
}

// registerFailure counts a failed attempt toward the stage's rolling window
// and escalates when the threshold is crossed. At most one escalation record
// is emitted per stage per window.
func (c *Coordinator) registerFailure(stage models.Stage, tc *TurnContext, kind string) {
	now := c.now()
	cutoff := now.Add(-c.window)

	c.mu.Lock()
	recent := c.failures[stage][:0:0]
	for _, t := range c.failures[stage] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	c.failures[stage] = recent

	crossed := len(recent) >= c.threshold
	already := c.lastEscalated[stage].After(cutoff)
	if crossed && !already {
		c.lastEscalated[stage] = now
	}
	c.mu.Unlock()

	if crossed && !already {
		c.escalate(stage, tc, "repeated "+kind+" failures within window")
	}
}

// escalate persists one escalation record for manual follow-up.
func (c *Coordinator) escalate(stage models.Stage, tc *TurnContext, reason string) {
	identity := ""
	if tc != nil {
		identity = tc.Identity
	}
	rec := models.EscalationRecord{
		EscalationID: uuid.NewString(),
		Stage:        stage,
		Reason:       reason,
		Identity:     identity,
		Timestamp:    c.now(),
	}
	slog.Error("Coordinator.escalate: raising escalation for manual follow-up",
		"escalationID", rec.EscalationID, "stage", stage, "reason", reason, "identity", identity)
	if c.auditor == nil {
		return
	}
	if err := c.auditor.AddEscalation(rec); err != nil {
		slog.Warn("Coordinator.escalate: failed to persist escalation", "error", err)
	}
}
