package models

import "errors"

// Error taxonomy for turn processing. Callers distinguish failure classes
// with errors.Is so the recovery coordinator can pick the right ladder.
var (
	// ErrClassifierUnavailable indicates the classifier backend could not be reached.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrClassifierTimeout indicates the classifier did not answer within its deadline.
	ErrClassifierTimeout = errors.New("classifier timeout")
	// ErrStateStoreUnavailable indicates the conversation state backend is down.
	// This is always recoverable: the turn continues with a default state.
	ErrStateStoreUnavailable = errors.New("state store unavailable")
	// ErrDeliveryRejected indicates the channel rejected the message (client-error
	// class). Retrying a malformed request is wasted work, so it never retries.
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrDeliveryTransient indicates a retriable delivery failure (server-error class).
	ErrDeliveryTransient = errors.New("delivery transient failure")
	// ErrStageTimeout indicates a pipeline stage exceeded its deadline.
	ErrStageTimeout = errors.New("stage timeout")
	// ErrStateCorruption indicates a loaded state is missing or has invalid
	// critical fields. The loader degrades to a fresh conversation.
	ErrStateCorruption = errors.New("conversation state corrupt")
)

// ErrorKind returns the taxonomy name for an error, for audit records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrClassifierTimeout):
		return "classifier_timeout"
	case errors.Is(err, ErrClassifierUnavailable):
		return "classifier_unavailable"
	case errors.Is(err, ErrStateStoreUnavailable):
		return "state_store_unavailable"
	case errors.Is(err, ErrDeliveryRejected):
		return "delivery_rejected"
	case errors.Is(err, ErrDeliveryTransient):
		return "delivery_transient"
	case errors.Is(err, ErrStageTimeout):
		return "stage_timeout"
	case errors.Is(err, ErrStateCorruption):
		return "state_corruption"
	default:
		return "unknown"
	}
}
