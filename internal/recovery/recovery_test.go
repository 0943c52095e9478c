package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/flow"
	"github.com/BTreeMap/TurnPipe/internal/models"
)

// memAuditor captures audit writes in memory.
type memAuditor struct {
	mu          sync.Mutex
	attempts    []models.RecoveryAttempt
	escalations []models.EscalationRecord
	failWrites  bool
}

func (a *memAuditor) AddRecoveryAttempt(att models.RecoveryAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWrites {
		return errors.New("audit store down")
	}
	a.attempts = append(a.attempts, att)
	return nil
}

func (a *memAuditor) AddEscalation(rec models.EscalationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWrites {
		return errors.New("audit store down")
	}
	a.escalations = append(a.escalations, rec)
	return nil
}

// scriptedHandler returns a fixed ladder whose rungs report preset results.
type scriptedHandler struct {
	stage   models.Stage
	results []models.RecoveryResult
	applied []string
}

func (h *scriptedHandler) Stage() models.Stage { return h.stage }

func (h *scriptedHandler) Strategies() []Strategy {
	strategies := make([]Strategy, len(h.results))
	for i, result := range h.results {
		name := fmt.Sprintf("rung_%d", i+1)
		res := result
		strategies[i] = Strategy{
			Name:        name,
			Degradation: i + 1,
			Apply: func(ctx context.Context, tc *TurnContext, cause error) (Outcome, error) {
				h.applied = append(h.applied, name)
				if res == models.RecoveryFailed {
					return Outcome{Result: res}, errors.New("rung failed")
				}
				return Outcome{Result: res, FallbackText: "recovered"}, nil
			},
		}
	}
	return strategies
}

// errorRouter always fails, standing in for a dead classifier path.
type errorRouter struct{}

func (r *errorRouter) Route(ctx context.Context, text string, state *models.ConversationState, history []models.HistoryEntry) (flow.Decision, error) {
	return flow.Decision{Node: models.NodeFallback, Reason: flow.ReasonFallback},
		fmt.Errorf("routing degraded: %w", models.ErrClassifierUnavailable)
}

// countingSender scripts delivery results per call.
type countingSender struct {
	results []models.DeliveryResult
	calls   int
	texts   []string
}

func (s *countingSender) Send(ctx context.Context, phone, text, channelInstance string) models.DeliveryResult {
	s.texts = append(s.texts, text)
	res := models.FailedResult(500, "scripted failure")
	if s.calls < len(s.results) {
		res = s.results[s.calls]
	}
	s.calls++
	return res
}

func turnCtx() *TurnContext {
	return &TurnContext{
		Identity: "5511999990000",
		Text:     "oi",
		State:    models.NewConversationState("5511999990000"),
	}
}

func TestAttemptRecoveryStopsAtFirstSuccess(t *testing.T) {
	auditor := &memAuditor{}
	handler := &scriptedHandler{
		stage:   models.StageRouting,
		results: []models.RecoveryResult{models.RecoveryFailed, models.RecoverySuccess, models.RecoveryPartial},
	}
	c := NewCoordinator(auditor, []StageHandler{handler})

	out := c.AttemptRecovery(context.Background(), "exec-1", models.StageRouting, models.ErrClassifierTimeout, turnCtx(), 0)

	if out.Result != models.RecoverySuccess {
		t.Fatalf("expected success, got %s", out.Result)
	}
	if len(handler.applied) != 2 {
		t.Errorf("expected 2 strategies tried, got %v", handler.applied)
	}
	if len(auditor.attempts) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(auditor.attempts))
	}
	if auditor.attempts[0].Result != models.RecoveryFailed || auditor.attempts[1].Result != models.RecoverySuccess {
		t.Errorf("unexpected audit results: %+v", auditor.attempts)
	}
	if auditor.attempts[0].ErrorKind != "classifier_timeout" {
		t.Errorf("expected error kind classifier_timeout, got %q", auditor.attempts[0].ErrorKind)
	}
}

func TestAttemptRecoveryExhaustedFallsToEmergency(t *testing.T) {
	auditor := &memAuditor{}
	handler := &scriptedHandler{
		stage:   models.StageNodeExecution,
		results: []models.RecoveryResult{models.RecoveryFailed, models.RecoveryFailed},
	}
	c := NewCoordinator(auditor, []StageHandler{handler})

	out := c.AttemptRecovery(context.Background(), "exec-2", models.StageNodeExecution, models.ErrStageTimeout, turnCtx(), 0)

	if out.Result != models.RecoveryFailed {
		t.Fatalf("expected failed, got %s", out.Result)
	}
	if out.FallbackText != EmergencyResponse {
		t.Errorf("expected emergency response, got %q", out.FallbackText)
	}
	last := auditor.attempts[len(auditor.attempts)-1]
	if last.Strategy != "exhausted" {
		t.Errorf("expected retained exhausted record, got %q", last.Strategy)
	}
}

func TestAttemptRecoveryMaxAttemptsCapsLadder(t *testing.T) {
	handler := &scriptedHandler{
		stage:   models.StageRouting,
		results: []models.RecoveryResult{models.RecoveryFailed, models.RecoveryFailed, models.RecoverySuccess},
	}
	c := NewCoordinator(&memAuditor{}, []StageHandler{handler})

	out := c.AttemptRecovery(context.Background(), "exec-3", models.StageRouting, models.ErrClassifierUnavailable, turnCtx(), 2)

	if out.Result != models.RecoveryFailed {
		t.Fatalf("expected failed after cap, got %s", out.Result)
	}
	if len(handler.applied) != 2 {
		t.Errorf("expected cap at 2 strategies, got %v", handler.applied)
	}
}

func TestAttemptRecoveryAuditFailureIsHarmless(t *testing.T) {
	auditor := &memAuditor{failWrites: true}
	handler := &scriptedHandler{
		stage:   models.StageRouting,
		results: []models.RecoveryResult{models.RecoverySuccess},
	}
	c := NewCoordinator(auditor, []StageHandler{handler})

	out := c.AttemptRecovery(context.Background(), "exec-4", models.StageRouting, models.ErrClassifierTimeout, turnCtx(), 0)
	if out.Result != models.RecoverySuccess {
		t.Fatalf("audit failure must not break recovery, got %s", out.Result)
	}
}

// Ladder monotonicity: for every configured handler, degradation never
// decreases along the ladder.
func TestLadderMonotonicity(t *testing.T) {
	tracker := flow.NewProgressTracker(flow.DefaultAttemptCeiling)
	handlers := DefaultHandlers(&errorRouter{}, tracker, flow.NewDefaultRegistry(tracker), &countingSender{})

	for _, h := range handlers {
		prev := 0
		for i, strat := range h.Strategies() {
			if strat.Degradation < prev {
				t.Errorf("stage %s: rung %d (%s) less degraded than rung %d", h.Stage(), i+1, strat.Name, i)
			}
			prev = strat.Degradation
		}
	}
}

func TestAutoEscalationOncePerWindow(t *testing.T) {
	auditor := &memAuditor{}
	handler := &scriptedHandler{
		stage:   models.StageRouting,
		results: []models.RecoveryResult{models.RecoveryFailed},
	}
	c := NewCoordinator(auditor, []StageHandler{handler},
		WithEscalationThreshold(3), WithEscalationWindow(time.Hour))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		c.AttemptRecovery(context.Background(), fmt.Sprintf("exec-%d", i), models.StageRouting, models.ErrClassifierUnavailable, turnCtx(), 0)
		now = now.Add(time.Minute)
	}
	if len(auditor.escalations) != 1 {
		t.Fatalf("expected exactly one escalation inside the window, got %d", len(auditor.escalations))
	}
	first := auditor.escalations[0]
	if first.Stage != models.StageRouting || first.EscalationID == "" || first.Identity != "5511999990000" {
		t.Errorf("unexpected escalation record: %+v", first)
	}

	// Past the window the stage may escalate again.
	now = now.Add(2 * time.Hour)
	for i := 0; i < 3; i++ {
		c.AttemptRecovery(context.Background(), fmt.Sprintf("late-%d", i), models.StageRouting, models.ErrClassifierUnavailable, turnCtx(), 0)
		now = now.Add(time.Minute)
	}
	if len(auditor.escalations) != 2 {
		t.Errorf("expected a second escalation in the next window, got %d", len(auditor.escalations))
	}
}

func TestRoutingLadderFallsBackToContinuationRules(t *testing.T) {
	tracker := flow.NewProgressTracker(flow.DefaultAttemptCeiling)
	c := NewCoordinator(&memAuditor{}, []StageHandler{NewRoutingHandler(&errorRouter{}, tracker)})

	tc := turnCtx()
	tc.State.GreetingSent = true

	out := c.AttemptRecovery(context.Background(), "exec-route", models.StageRouting, models.ErrClassifierUnavailable, tc, 0)

	if out.Result != models.RecoveryPartial {
		t.Fatalf("expected partial via rules-only routing, got %s", out.Result)
	}
	if tc.Decision == nil || tc.Decision.Node != models.NodeQualification {
		t.Errorf("expected qualification continuation decision, got %+v", tc.Decision)
	}
}

func TestRoutingLadderStaticFallbackWhenNoRuleApplies(t *testing.T) {
	tracker := flow.NewProgressTracker(flow.DefaultAttemptCeiling)
	c := NewCoordinator(&memAuditor{}, []StageHandler{NewRoutingHandler(&errorRouter{}, tracker)})

	// Greeting not sent yet: the continuation rules offer nothing.
	tc := turnCtx()

	out := c.AttemptRecovery(context.Background(), "exec-route-2", models.StageRouting, models.ErrClassifierUnavailable, tc, 0)

	if out.Result != models.RecoveryPartial {
		t.Fatalf("expected partial via static fallback, got %s", out.Result)
	}
	if tc.Decision == nil || tc.Decision.Node != models.NodeFallback {
		t.Errorf("expected fallback decision, got %+v", tc.Decision)
	}
}

func TestNodeExecutionStaticReply(t *testing.T) {
	tracker := flow.NewProgressTracker(flow.DefaultAttemptCeiling)
	handler := NewNodeExecutionHandler(flow.NewDefaultRegistry(tracker))

	tc := turnCtx()
	tc.State = nil // forces rung 1 to fail
	tc.Decision = &flow.Decision{Node: models.NodeScheduling, Reason: flow.ReasonClassified}

	c := NewCoordinator(&memAuditor{}, []StageHandler{handler})
	out := c.AttemptRecovery(context.Background(), "exec-node", models.StageNodeExecution, models.ErrStageTimeout, tc, 0)

	if out.Result != models.RecoveryPartial {
		t.Fatalf("expected partial static reply, got %s", out.Result)
	}
	if out.FallbackText != staticSchedulingReply {
		t.Errorf("expected scheduling static reply, got %q", out.FallbackText)
	}
}

func TestDeliveryRejectedNeverRetried(t *testing.T) {
	sender := &countingSender{}
	handler := NewDeliveryHandler(sender)
	handler.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	c := NewCoordinator(&memAuditor{}, []StageHandler{handler})
	tc := turnCtx()
	tc.Reply = "hello"

	out := c.AttemptRecovery(context.Background(), "exec-del", models.StageDelivery, models.ErrDeliveryRejected, tc, 0)

	if sender.calls != 0 {
		t.Errorf("rejected delivery must not be retried, sender called %d times", sender.calls)
	}
	if out.Result != models.RecoveryEscalated {
		t.Errorf("expected escalation for undeliverable turn, got %s", out.Result)
	}
}

func TestDeliveryTransientRetriesWithBackoff(t *testing.T) {
	sender := &countingSender{results: []models.DeliveryResult{
		models.FailedResult(503, "server busy"),
		models.SentResult(200),
	}}
	handler := NewDeliveryHandler(sender)
	var slept []time.Duration
	handler.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	c := NewCoordinator(&memAuditor{}, []StageHandler{handler})
	tc := turnCtx()
	tc.Reply = "your visit is confirmed for Tuesday"

	out := c.AttemptRecovery(context.Background(), "exec-del-2", models.StageDelivery, models.ErrDeliveryTransient, tc, 0)

	if out.Result != models.RecoverySuccess {
		t.Fatalf("expected success after transient retry, got %s", out.Result)
	}
	if sender.calls != 2 {
		t.Errorf("expected 2 send attempts, got %d", sender.calls)
	}
	if len(slept) != 2 || slept[1] <= slept[0] {
		t.Errorf("expected increasing backoff, got %v", slept)
	}
	if sender.texts[1] != "your visit is confirmed for Tuesday" {
		t.Errorf("retry must resend the original reply, got %q", sender.texts[1])
	}
}
