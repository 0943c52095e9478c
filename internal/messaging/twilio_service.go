package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/BTreeMap/TurnPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TurnPipe/internal/util"
)

// TwilioService implements Service using the Twilio REST API. Outbound sends
// go through the API; inbound messages arrive via the webhook handler.
type TwilioService struct {
	client   twiliowhatsapp.Sender
	instance string
	inbound  chan models.InboundMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService over the given sender. instance
// identifies the sending account and is stamped onto inbound messages.
func NewTwilioService(client twiliowhatsapp.Sender, instance string) *TwilioService {
	return &TwilioService{
		client:   client,
		instance: instance,
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number
// into the canonical identity key.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return util.CanonicalizePhone(recipient)
}

// Start is a no-op: Twilio pushes inbound messages over the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.inbound)
	return nil
}

// Send delivers one message and reports the wire-format outcome.
func (s *TwilioService) Send(ctx context.Context, phone, text, channelInstance string) models.DeliveryResult {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return models.FailedResult(503, ErrServiceStopped.Error())
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		slog.Error("TwilioService.Send: invalid recipient", "to", phone, "error", err)
		return models.FailedResult(400, err.Error())
	}

	sctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	defer cancel()

	result := resultFromSendError(s.client.SendMessage(sctx, canonical, text))
	if result.Sent == models.SentTrue {
		slog.Info("TwilioService.Send: message delivered", "to", canonical, "channelInstance", channelInstance)
	} else {
		slog.Error("TwilioService.Send: delivery failed", "to", canonical, "statusCode", result.StatusCode, "reason", result.ErrorReason)
	}
	return result
}

// Inbound returns the channel of incoming message events.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// WebhookHandler handles inbound Twilio webhook requests, converting them
// into InboundMessage events on the Inbound channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	messageID := r.FormValue("MessageSid")
	from := r.FormValue("From")
	body := r.FormValue("Body")

	if messageID == "" || from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "messageSid", messageID, "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	// Twilio sends "whatsapp:+5511999990000"; strip the scheme and
	// canonicalize the number.
	phone, err := util.CanonicalizePhone(stripWhatsAppPrefix(from))
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		MessageID:       messageID,
		Phone:           phone,
		Text:            body,
		ChannelInstance: s.instance,
		Timestamp:       time.Now().Unix(),
	}
	s.emit(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func stripWhatsAppPrefix(from string) string {
	const prefix = "whatsapp:"
	if len(from) > len(prefix) && from[:len(prefix)] == prefix {
		return from[len(prefix):]
	}
	return from
}

// emit pushes an inbound message without blocking the webhook handler.
func (s *TwilioService) emit(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.Phone)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService inbound message forwarded", "from", msg.Phone, "messageID", msg.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.Phone)
	}
}
