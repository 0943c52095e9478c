// Package models defines the core data structures for TurnPipe.
//
// It includes the conversation state, classifier output, turn and recovery
// records, and the wire-level message types shared across modules.
package models

import (
	"errors"
	"time"
)

// Intent identifies what the classifier believes the user wants.
type Intent string

const (
	// IntentGreeting is a first-contact salutation.
	IntentGreeting Intent = "greeting"
	// IntentQualification is an answer (or attempted answer) to a qualification question.
	IntentQualification Intent = "qualification"
	// IntentInformation is an explicit request for information.
	IntentInformation Intent = "information"
	// IntentScheduling is an explicit request to book or change a visit.
	IntentScheduling Intent = "scheduling"
	// IntentHelp is an explicit request for human assistance.
	IntentHelp Intent = "help"
	// IntentUnknown is anything the classifier could not place.
	IntentUnknown Intent = "unknown"
)

// IsInterruption reports whether the intent must override any in-progress flow.
// An explicit user request is never silently swallowed by a continuation rule.
func (i Intent) IsInterruption() bool {
	switch i {
	case IntentInformation, IntentScheduling, IntentHelp:
		return true
	default:
		return false
	}
}

// IsValidIntent checks if the given intent is one the router understands.
func IsValidIntent(i Intent) bool {
	switch i {
	case IntentGreeting, IntentQualification, IntentInformation, IntentScheduling, IntentHelp, IntentUnknown:
		return true
	default:
		return false
	}
}

// NodeType identifies the conversational node chosen to handle a turn.
type NodeType string

const (
	NodeGreeting      NodeType = "greeting"
	NodeQualification NodeType = "qualification"
	NodeInformation   NodeType = "information"
	NodeScheduling    NodeType = "scheduling"
	NodeFallback      NodeType = "fallback"
)

// NodeForIntent maps a classified intent to the node that handles it.
// Unknown intents land on the fallback node.
func NodeForIntent(i Intent) NodeType {
	switch i {
	case IntentGreeting:
		return NodeGreeting
	case IntentQualification:
		return NodeQualification
	case IntentInformation:
		return NodeInformation
	case IntentScheduling:
		return NodeScheduling
	case IntentHelp:
		return NodeInformation
	default:
		return NodeFallback
	}
}

// NLUResult is the structured output of the external classifier.
// It is produced once per turn and consumed read-only by the router and nodes.
type NLUResult struct {
	PrimaryIntent   Intent            `json:"primary_intent"`
	SecondaryIntent Intent            `json:"secondary_intent,omitempty"`
	Entities        map[string]string `json:"entities,omitempty"`
	Confidence      float64           `json:"confidence"`
}

// ClassifierContext is the read-only context handed to the classifier
// alongside the inbound text.
type ClassifierContext struct {
	State   *ConversationState `json:"state"`
	History []HistoryEntry     `json:"history"`
}

// InboundMessage is one message event received from a messaging channel.
type InboundMessage struct {
	MessageID       string `json:"message_id"`
	Phone           string `json:"phone"`
	Text            string `json:"text"`
	ChannelInstance string `json:"channel_instance"`
	Timestamp       int64  `json:"timestamp"`
}

// Validate checks the fields the pipeline cannot work without.
func (m *InboundMessage) Validate() error {
	if m.MessageID == "" {
		return errors.New("inbound message missing message_id")
	}
	if m.Phone == "" {
		return errors.New("inbound message missing phone")
	}
	return nil
}

// Literal values for DeliveryResult.Sent. Downstream consumers require the
// string form, never a boolean.
const (
	SentTrue  = "true"
	SentFalse = "false"
)

// DeliveryResult is the wire-format outcome of a delivery attempt.
type DeliveryResult struct {
	Sent        string `json:"sent"` // always "true" or "false"
	StatusCode  int    `json:"status_code"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// SentResult builds a successful DeliveryResult.
func SentResult(statusCode int) DeliveryResult {
	return DeliveryResult{Sent: SentTrue, StatusCode: statusCode}
}

// FailedResult builds a failed DeliveryResult with a reason.
func FailedResult(statusCode int, reason string) DeliveryResult {
	return DeliveryResult{Sent: SentFalse, StatusCode: statusCode, ErrorReason: reason}
}

// TurnRecord tracks one inbound message id through its processing lifetime.
// Records are retained (not deleted) until a TTL sweep; the retention is what
// enforces idempotency against channel redelivery.
type TurnRecord struct {
	MessageID string     `json:"message_id"`
	Identity  string     `json:"identity"`
	StartedAt time.Time  `json:"started_at"`
	Replied   bool       `json:"replied"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
