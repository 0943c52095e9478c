package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

func newTestRouter(classifier Classifier) *TurnRouter {
	return NewTurnRouter(classifier, NewProgressTracker(4))
}

// An interruption intent must win even when a continuation rule would fire.
func TestInterruptionOverridesContinuation(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true // continuation rule applies: parent_name missing

	classifier := &MockClassifier{Result: nluWith(models.IntentInformation, nil)}
	router := newTestRouter(classifier)

	decision, err := router.Route(context.Background(), "what programs do you have?", state, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Node != models.NodeInformation {
		t.Fatalf("expected information node, got %s", decision.Node)
	}
	if decision.Reason != ReasonInterruption {
		t.Errorf("expected interruption reason, got %s", decision.Reason)
	}
}

func TestContinuationQualificationInProgress(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.CollectedFields["parent_name"] = "Ana"

	// Non-interruption intent: continuation wins over classification.
	classifier := &MockClassifier{Result: nluWith(models.IntentGreeting, nil)}
	router := newTestRouter(classifier)

	decision, err := router.Route(context.Background(), "Gabriel", state, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Node != models.NodeQualification || decision.Reason != ReasonContinuation {
		t.Fatalf("expected qualification continuation, got %s/%s", decision.Node, decision.Reason)
	}
}

func TestContinuationSchedulingAfterQualification(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	for _, f := range QualificationFields {
		state.CollectedFields[f] = "x"
	}

	classifier := &MockClassifier{Result: nluWith(models.IntentQualification, nil)}
	router := newTestRouter(classifier)

	decision, _ := router.Route(context.Background(), "tuesday", state, nil)
	if decision.Node != models.NodeScheduling || decision.Reason != ReasonContinuation {
		t.Fatalf("expected scheduling continuation, got %s/%s", decision.Node, decision.Reason)
	}
}

// At the attempt ceiling with fields missing, the router must not return the
// qualification node.
func TestEscapeHatchLeavesQualification(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.AttemptsByFlow[FlowQualification] = 4

	classifier := &MockClassifier{Result: nluWith(models.IntentQualification, nil)}
	router := newTestRouter(classifier)

	decision, err := router.Route(context.Background(), "hmm", state, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Node == models.NodeQualification {
		t.Fatal("router must not return qualification at the attempt ceiling")
	}
	if decision.Node != models.NodeInformation {
		t.Errorf("expected escape to information node, got %s", decision.Node)
	}
}

func TestNewFlowFromClassifiedIntent(t *testing.T) {
	state := models.NewConversationState("5511912345678")

	classifier := &MockClassifier{Result: nluWith(models.IntentGreeting, nil)}
	router := newTestRouter(classifier)

	decision, err := router.Route(context.Background(), "oi", state, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Node != models.NodeGreeting || decision.Reason != ReasonClassified {
		t.Fatalf("expected classified greeting, got %s/%s", decision.Node, decision.Reason)
	}
}

func TestClassifierResultWrittenToState(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	nlu := nluWith(models.IntentGreeting, map[string]string{"parent_name": "Ana"})
	router := newTestRouter(&MockClassifier{Result: nlu})

	_, _ = router.Route(context.Background(), "oi, sou a Ana", state, nil)
	if state.NLU == nil || state.NLU.PrimaryIntent != models.IntentGreeting {
		t.Fatal("classifier result must be stashed on the state for nodes to reuse")
	}
}

func TestClassifierFailureFallsBackToContinuation(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true

	classifier := &MockClassifier{Err: models.ErrClassifierTimeout}
	router := newTestRouter(classifier)

	decision, err := router.Route(context.Background(), "Gabriel", state, nil)
	if err != nil {
		t.Fatalf("continuation rules answered, error should be nil: %v", err)
	}
	if decision.Node != models.NodeQualification {
		t.Fatalf("expected rules-only qualification routing, got %s", decision.Node)
	}
}

func TestClassifierFailureWithoutRulesDegradesToFallback(t *testing.T) {
	state := models.NewConversationState("5511912345678")

	classifier := &MockClassifier{Err: models.ErrClassifierUnavailable}
	router := newTestRouter(classifier)

	decision, err := router.Route(context.Background(), "oi", state, nil)
	if decision.Node != models.NodeFallback {
		t.Fatalf("expected fallback decision, got %s", decision.Node)
	}
	if !errors.Is(err, models.ErrClassifierUnavailable) {
		t.Fatalf("expected advisory classifier error, got %v", err)
	}
}

func TestPendingInputDrivesClassifierTask(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.PendingInputFor = "child_age"

	classifier := &MockClassifier{Result: nluWith(models.IntentQualification, nil)}
	router := newTestRouter(classifier)

	_, _ = router.Route(context.Background(), "he is four", state, nil)
	if classifier.LastTask != "child_age" {
		t.Fatalf("expected task-focused classification for child_age, got %q", classifier.LastTask)
	}
}

type panickyClassifier struct{}

func (panickyClassifier) Classify(context.Context, string, models.ClassifierContext, string) (*models.NLUResult, error) {
	panic("boom")
}

func TestRoutePanicDegradesToFallback(t *testing.T) {
	state := models.NewConversationState("5511912345678")
	router := newTestRouter(panickyClassifier{})

	decision, err := router.Route(context.Background(), "oi", state, nil)
	if decision.Node != models.NodeFallback {
		t.Fatalf("panic must degrade to fallback, got %s", decision.Node)
	}
	if err == nil {
		t.Fatal("panic should surface as an advisory error")
	}
}
