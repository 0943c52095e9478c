package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

func TestGreetingNodeSetsGreetingSent(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewGreetingNode(tracker)
	state := models.NewConversationState("5511912345678")

	reply, err := node.Execute(context.Background(), "oi", state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.GreetingSent {
		t.Fatal("greeting node must mark the greeting as sent")
	}
	if state.PendingInputFor != "parent_name" {
		t.Errorf("expected pending input parent_name, got %q", state.PendingInputFor)
	}
	if reply == "" {
		t.Fatal("expected a non-empty greeting reply")
	}
}

func TestGreetingNodeCapturesNameFromGreeting(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewGreetingNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.NLU = nluWith(models.IntentGreeting, map[string]string{"parent_name": "Ana"})

	_, err := node.Execute(context.Background(), "oi, sou a Ana", state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CollectedFields["parent_name"] != "Ana" {
		t.Fatal("name carried in the greeting must be collected")
	}
	if state.PendingInputFor != "child_name" {
		t.Errorf("expected next question about child_name, got %q", state.PendingInputFor)
	}
}

func TestQualificationNodeExtractsAndAsksNext(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewQualificationNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.AttemptsByFlow[FlowQualification] = 2
	state.NLU = nluWith(models.IntentQualification, map[string]string{"parent_name": "Gabriel"})

	reply, err := node.Execute(context.Background(), "Gabriel", state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CollectedFields["parent_name"] != "Gabriel" {
		t.Fatal("extracted entity must land in collected fields")
	}
	if got := state.Attempts(FlowQualification); got != 0 {
		t.Errorf("progress must reset the attempt counter, got %d", got)
	}
	if state.PendingInputFor != "child_name" {
		t.Errorf("expected pending input child_name, got %q", state.PendingInputFor)
	}
	if !strings.Contains(reply, "child") {
		t.Errorf("expected the child question next, got %q", reply)
	}
}

func TestQualificationNodeNoProgressIncrements(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewQualificationNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.NLU = nluWith(models.IntentQualification, nil)

	_, _ = node.Execute(context.Background(), "what?", state)
	if got := state.Attempts(FlowQualification); got != 1 {
		t.Fatalf("no progress must increment attempts, got %d", got)
	}
}

func TestQualificationNodeEscapeHatchDoesNotReask(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewQualificationNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.AttemptsByFlow[FlowQualification] = 3
	state.PendingInputFor = "parent_name"
	state.NLU = nluWith(models.IntentQualification, nil)

	// Fourth fruitless attempt hits the ceiling.
	reply, err := node.Execute(context.Background(), "...", state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.PendingInputFor != "" {
		t.Error("escape hatch must clear the pending question")
	}
	if strings.Contains(reply, questionForField["parent_name"]) {
		t.Error("escape hatch must not re-ask the same question a fifth time")
	}
}

func TestQualificationNodeComplete(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewQualificationNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	for _, f := range QualificationFields {
		state.CollectedFields[f] = "x"
	}
	state.NLU = nluWith(models.IntentQualification, nil)

	reply, _ := node.Execute(context.Background(), "ok", state)
	if state.PendingInputFor != "" {
		t.Error("nothing pending once qualification is complete")
	}
	if reply != qualificationCompleteReply {
		t.Errorf("expected completion reply, got %q", reply)
	}
}

func TestSchedulingNodeCollectsSlot(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewSchedulingNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.NLU = nluWith(models.IntentScheduling, map[string]string{"preferred_day": "tuesday"})

	_, err := node.Execute(context.Background(), "tuesday works", state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CollectedFields["preferred_day"] != "tuesday" {
		t.Fatal("scheduling entity must be collected")
	}
	if state.PendingInputFor != "preferred_time" {
		t.Errorf("expected preferred_time asked next, got %q", state.PendingInputFor)
	}
}

func TestInformationNodePreservesPendingInput(t *testing.T) {
	node := NewInformationNode(NewProgressTracker(4))
	state := models.NewConversationState("5511912345678")
	state.PendingInputFor = "child_age"

	reply, err := node.Execute(context.Background(), "do you have parking?", state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply == "" {
		t.Fatal("expected information reply")
	}
	if state.PendingInputFor != "child_age" {
		t.Error("an interruption must not discard the in-progress question")
	}
}

func TestInformationNodeProgressResetsAttempts(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewInformationNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.AttemptsByFlow[FlowQualification] = 2
	state.NLU = nluWith(models.IntentInformation, map[string]string{"parent_name": "Ana"})

	_, err := node.Execute(context.Background(), "I'm Ana, what programs do you offer?", state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CollectedFields["parent_name"] != "Ana" {
		t.Fatal("field supplied during an information turn must be collected")
	}
	if got := state.Attempts(FlowQualification); got != 0 {
		t.Errorf("attemptsByFlow[qualification] = %d, want 0 after late progress", got)
	}
}

func TestEscapeHatchRecoversAfterLateProgress(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewInformationNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.AttemptsByFlow[FlowQualification] = 4

	// Stuck: the continuation rule routes away from qualification.
	if got, ok := ContinuationNode(state, tracker); !ok || got != models.NodeInformation {
		t.Fatalf("expected information escape hatch while stuck, got %s (ok=%v)", got, ok)
	}

	// The user volunteers their name during the detour.
	state.NLU = nluWith(models.IntentInformation, map[string]string{"parent_name": "Ana"})
	if _, err := node.Execute(context.Background(), "sure, I'm Ana", state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The next turn resumes the qualification flow.
	if got, ok := ContinuationNode(state, tracker); !ok || got != models.NodeQualification {
		t.Fatalf("expected qualification to resume after late progress, got %s (ok=%v)", got, ok)
	}
}

func TestSchedulingNodeCreditsLateQualificationField(t *testing.T) {
	tracker := NewProgressTracker(4)
	node := NewSchedulingNode(tracker)
	state := models.NewConversationState("5511912345678")
	state.GreetingSent = true
	state.AttemptsByFlow[FlowQualification] = 3
	state.NLU = nluWith(models.IntentScheduling, map[string]string{
		"preferred_day": "tuesday",
		"child_age":     "4",
	})

	if _, err := node.Execute(context.Background(), "tuesday, she's 4", state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := state.Attempts(FlowQualification); got != 0 {
		t.Errorf("qualification attempts = %d, want 0 when its field arrives mid-scheduling", got)
	}
	if got := state.Attempts(FlowScheduling); got != 0 {
		t.Errorf("scheduling attempts = %d, want 0 after scheduling progress", got)
	}
}

func TestRegistryFallsBackOnUnknownNode(t *testing.T) {
	registry := NewDefaultRegistry(NewProgressTracker(4))
	node := registry.Get(models.NodeType("no-such-node"))
	if node.Type() != models.NodeFallback {
		t.Fatalf("unknown node type must resolve to fallback, got %s", node.Type())
	}
	if registry.Get(models.NodeGreeting).Type() != models.NodeGreeting {
		t.Fatal("known node types must resolve directly")
	}
}
