package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// Canned reply texts. Content wording is a placeholder concern; the
// structure (which question is asked, when the escape hatch fires) is the
// behavioral contract.
const (
	greetingReply = "Hi! Welcome to Bright Steps. I can answer questions and help you book a visit. To get started, what's your name?"

	qualificationCompleteReply = "Perfect, that's everything I need! Would you like to schedule a visit? Just tell me a day that works for you."

	escapeHatchReply = "No problem, we can come back to that later! In the meantime: we offer morning and afternoon programs for children aged 2 to 6, and you can book a visit any weekday. Is there anything you'd like to know?"

	informationReply = "We offer morning and afternoon programs for children aged 2 to 6, with music, arts and outdoor play. Visits run Monday to Friday, 9am to 5pm. Anything specific I can help with?"

	schedulingCompleteReply = "Great, your visit is noted! Our team will confirm the exact time shortly."

	fallbackReply = "Sorry, I didn't quite get that. Could you say it another way?"
)

// questionForField maps each required field to the question that collects it.
var questionForField = map[string]string{
	"parent_name":      "What's your name?",
	"child_name":       "And what's your child's name?",
	"child_age":        "How old is your child?",
	"program_interest": "Which program are you interested in, morning or afternoon?",
	"preferred_day":    "Which day works best for your visit?",
	"preferred_time":   "And what time of day suits you, morning or afternoon?",
}

// askFor returns the question for a field and records it as the pending
// input so the next classification can focus on that one field.
func askFor(state *models.ConversationState, field string) string {
	state.PendingInputFor = field
	q, ok := questionForField[field]
	if !ok {
		slog.Warn("askFor: no question configured for field", "field", field)
		return fmt.Sprintf("Could you tell me your %s?", field)
	}
	return q
}

// allCollectableFields is the merge allow-list for extracted entities.
func allCollectableFields() []string {
	out := make([]string, 0, len(QualificationFields)+len(SchedulingFields))
	out = append(out, QualificationFields...)
	out = append(out, SchedulingFields...)
	return out
}

// containsAny reports whether any of keys is in the candidate list.
func containsAny(keys []string, candidates []string) bool {
	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		set[c] = true
	}
	for _, k := range keys {
		if set[k] {
			return true
		}
	}
	return false
}

// mergeNLUEntities merges the current turn's extracted entities into the
// collected fields and returns the newly-filled keys.
func mergeNLUEntities(state *models.ConversationState) []string {
	if state.NLU == nil {
		return nil
	}
	return state.MergeFields(state.NLU.Entities, allCollectableFields())
}

// GreetingNode opens a conversation and asks the first qualification question.
type GreetingNode struct {
	tracker *ProgressTracker
}

// NewGreetingNode creates the greeting node.
func NewGreetingNode(tracker *ProgressTracker) *GreetingNode {
	return &GreetingNode{tracker: tracker}
}

func (n *GreetingNode) Type() models.NodeType { return models.NodeGreeting }

func (n *GreetingNode) Execute(ctx context.Context, text string, state *models.ConversationState) (string, error) {
	state.GreetingSent = true
	// A greeting can already carry a name ("hi, I'm Ana").
	n.tracker.NoteProgress(state, mergeNLUEntities(state))

	if field, missing := n.tracker.NextMissingField(QualificationFields, state.CollectedFields); missing {
		if field == "parent_name" {
			// The stock greeting already asks for the name.
			state.PendingInputFor = field
			return greetingReply, nil
		}
		return "Hi! Welcome to Bright Steps. " + askFor(state, field), nil
	}
	state.PendingInputFor = ""
	return greetingReply, nil
}

// QualificationNode collects the required qualification fields one at a
// time, tracking attempts and taking the escape hatch when stuck.
type QualificationNode struct {
	tracker *ProgressTracker
}

// NewQualificationNode creates the qualification node.
func NewQualificationNode(tracker *ProgressTracker) *QualificationNode {
	return &QualificationNode{tracker: tracker}
}

func (n *QualificationNode) Type() models.NodeType { return models.NodeQualification }

func (n *QualificationNode) Execute(ctx context.Context, text string, state *models.ConversationState) (string, error) {
	filled := mergeNLUEntities(state)
	// A qualification answer can also carry scheduling fields; credit them.
	n.tracker.NoteProgress(state, filled)
	n.tracker.Advance(state, FlowQualification, containsAny(filled, QualificationFields))

	if n.tracker.ShouldEscapeHatch(state, FlowQualification, QualificationFields) {
		// Do not re-ask the same question past the ceiling.
		state.PendingInputFor = ""
		slog.Info("QualificationNode: escape hatch taken", "identity", state.Phone, "attempts", state.Attempts(FlowQualification))
		return escapeHatchReply, nil
	}

	if field, missing := n.tracker.NextMissingField(QualificationFields, state.CollectedFields); missing {
		return askFor(state, field), nil
	}

	state.PendingInputFor = ""
	return qualificationCompleteReply, nil
}

// SchedulingNode collects the visit scheduling fields once qualification is
// complete.
type SchedulingNode struct {
	tracker *ProgressTracker
}

// NewSchedulingNode creates the scheduling node.
func NewSchedulingNode(tracker *ProgressTracker) *SchedulingNode {
	return &SchedulingNode{tracker: tracker}
}

func (n *SchedulingNode) Type() models.NodeType { return models.NodeScheduling }

func (n *SchedulingNode) Execute(ctx context.Context, text string, state *models.ConversationState) (string, error) {
	filled := mergeNLUEntities(state)
	// Late qualification fields supplied mid-scheduling still count.
	n.tracker.NoteProgress(state, filled)
	n.tracker.Advance(state, FlowScheduling, containsAny(filled, SchedulingFields))

	if n.tracker.ShouldEscapeHatch(state, FlowScheduling, SchedulingFields) {
		state.PendingInputFor = ""
		slog.Info("SchedulingNode: escape hatch taken", "identity", state.Phone, "attempts", state.Attempts(FlowScheduling))
		return escapeHatchReply, nil
	}

	if field, missing := n.tracker.NextMissingField(SchedulingFields, state.CollectedFields); missing {
		return askFor(state, field), nil
	}

	state.PendingInputFor = ""
	return schedulingCompleteReply, nil
}

// InformationNode answers explicit information and help requests. It leaves
// PendingInputFor untouched so an interrupted flow can resume where it was.
type InformationNode struct {
	tracker *ProgressTracker
}

// NewInformationNode creates the information node.
func NewInformationNode(tracker *ProgressTracker) *InformationNode {
	return &InformationNode{tracker: tracker}
}

func (n *InformationNode) Type() models.NodeType { return models.NodeInformation }

func (n *InformationNode) Execute(ctx context.Context, text string, state *models.ConversationState) (string, error) {
	// Fields supplied during an information detour reset the stuck flow's
	// attempt counter, so the next continuation rule can resume it.
	n.tracker.NoteProgress(state, mergeNLUEntities(state))
	return informationReply, nil
}

// FallbackNode handles anything no other node claims.
type FallbackNode struct{}

// NewFallbackNode creates the fallback node.
func NewFallbackNode() *FallbackNode { return &FallbackNode{} }

func (n *FallbackNode) Type() models.NodeType { return models.NodeFallback }

func (n *FallbackNode) Execute(ctx context.Context, text string, state *models.ConversationState) (string, error) {
	return fallbackReply, nil
}

// Registry holds the node set and resolves routing decisions to nodes.
type Registry struct {
	nodes    map[models.NodeType]Node
	fallback Node
}

// NewRegistry builds a registry from the given nodes. The fallback node is
// always present.
func NewRegistry(nodes ...Node) *Registry {
	r := &Registry{
		nodes:    make(map[models.NodeType]Node, len(nodes)),
		fallback: NewFallbackNode(),
	}
	for _, n := range nodes {
		r.nodes[n.Type()] = n
		if n.Type() == models.NodeFallback {
			r.fallback = n
		}
	}
	return r
}

// NewDefaultRegistry builds the standard node set sharing one tracker.
func NewDefaultRegistry(tracker *ProgressTracker) *Registry {
	return NewRegistry(
		NewGreetingNode(tracker),
		NewQualificationNode(tracker),
		NewSchedulingNode(tracker),
		NewInformationNode(tracker),
		NewFallbackNode(),
	)
}

// Get resolves a node type, returning the fallback node when unknown.
func (r *Registry) Get(t models.NodeType) Node {
	if n, ok := r.nodes[t]; ok {
		return n
	}
	slog.Warn("Registry.Get: unknown node type, using fallback", "node", t)
	return r.fallback
}
