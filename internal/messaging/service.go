// Package messaging defines the channel abstraction the turn pipeline sends
// and receives through, with WhatsApp implementations over Whatsmeow and the
// Twilio REST API.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// DefaultSendTimeout bounds one outbound delivery attempt
	DefaultSendTimeout = 30 * time.Second
)

// ErrServiceStopped is returned when an operation is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message channel.
//
// Send never returns an error: the outcome is the wire-format DeliveryResult,
// whose Sent field is always the literal string "true" or "false". The
// status code and reason carry the failure class for the recovery ladder.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier into the canonical identity key.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers text to phone on the given channel instance.
	Send(ctx context.Context, phone, text, channelInstance string) models.DeliveryResult

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns the channel of incoming message events.
	Inbound() <-chan models.InboundMessage
}

// resultFromSendError maps a channel send error to the wire contract.
// Rejected sends report a client-error status so callers skip retries;
// everything else reports a transient server-class failure.
func resultFromSendError(err error) models.DeliveryResult {
	if err == nil {
		return models.SentResult(200)
	}
	if errors.Is(err, models.ErrDeliveryRejected) {
		return models.FailedResult(400, err.Error())
	}
	return models.FailedResult(502, err.Error())
}
