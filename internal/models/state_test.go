package models

import (
	"testing"
)

func TestMergeFieldsMonotonic(t *testing.T) {
	s := NewConversationState("+15551234567")
	allowed := []string{"parent_name", "child_name"}

	filled := s.MergeFields(map[string]string{"parent_name": "Ana"}, allowed)
	if len(filled) != 1 || filled[0] != "parent_name" {
		t.Fatalf("expected parent_name newly filled, got %v", filled)
	}

	// An empty extraction must never clear a collected value.
	s.MergeFields(map[string]string{"parent_name": ""}, allowed)
	if s.CollectedFields["parent_name"] != "Ana" {
		t.Errorf("expected parent_name to stay Ana, got %q", s.CollectedFields["parent_name"])
	}

	// A newer non-empty value overwrites.
	s.MergeFields(map[string]string{"parent_name": "Ana Clara"}, allowed)
	if s.CollectedFields["parent_name"] != "Ana Clara" {
		t.Errorf("expected overwrite with newer value, got %q", s.CollectedFields["parent_name"])
	}
}

func TestMergeFieldsDropsUnexpectedKeys(t *testing.T) {
	s := NewConversationState("+15551234567")
	filled := s.MergeFields(map[string]string{"budget": "500"}, []string{"parent_name"})
	if len(filled) != 0 {
		t.Fatalf("expected no fill for unexpected key, got %v", filled)
	}
	if _, ok := s.CollectedFields["budget"]; ok {
		t.Error("unexpected key should not be stored")
	}
}

func TestMergeFieldsRefillNotReportedAsProgress(t *testing.T) {
	s := NewConversationState("+15551234567")
	allowed := []string{"child_age"}
	s.MergeFields(map[string]string{"child_age": "5"}, allowed)
	filled := s.MergeFields(map[string]string{"child_age": "6"}, allowed)
	if len(filled) != 0 {
		t.Errorf("overwriting an already-present field is not new progress, got %v", filled)
	}
}

func TestFieldPresentTreatsEmptyAsMissing(t *testing.T) {
	s := NewConversationState("+15551234567")
	s.CollectedFields["parent_name"] = ""
	if s.FieldPresent("parent_name") {
		t.Error("empty string value must count as missing")
	}
}

func TestValidate(t *testing.T) {
	s := NewConversationState("")
	if err := s.Validate(); err == nil {
		t.Error("state without phone should fail validation")
	}
	s = NewConversationState("+15551234567")
	s.AttemptsByFlow["qualification"] = -1
	if err := s.Validate(); err == nil {
		t.Error("negative attempt counter should fail validation")
	}
}

func TestNodeForIntent(t *testing.T) {
	cases := map[Intent]NodeType{
		IntentGreeting:      NodeGreeting,
		IntentQualification: NodeQualification,
		IntentInformation:   NodeInformation,
		IntentScheduling:    NodeScheduling,
		IntentHelp:          NodeInformation,
		IntentUnknown:       NodeFallback,
		Intent("???"):       NodeFallback,
	}
	for intent, want := range cases {
		if got := NodeForIntent(intent); got != want {
			t.Errorf("NodeForIntent(%s) = %s, want %s", intent, got, want)
		}
	}
}

func TestInterruptionIntents(t *testing.T) {
	for _, i := range []Intent{IntentInformation, IntentScheduling, IntentHelp} {
		if !i.IsInterruption() {
			t.Errorf("%s should be an interruption intent", i)
		}
	}
	for _, i := range []Intent{IntentGreeting, IntentQualification, IntentUnknown} {
		if i.IsInterruption() {
			t.Errorf("%s should not be an interruption intent", i)
		}
	}
}
