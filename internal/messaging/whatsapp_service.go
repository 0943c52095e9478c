package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/BTreeMap/TurnPipe/internal/util"
	"github.com/BTreeMap/TurnPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // full client for event handling, nil for mocks
	inbound  chan models.InboundMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}

	// Only a full client can register event handlers; mocks are send-only.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number
// into the canonical identity key (E.164 without the plus).
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return util.CanonicalizePhone(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.inbound)
	slog.Info("WhatsAppService stopped")
	return nil
}

// Send delivers one message and reports the wire-format outcome.
func (s *WhatsAppService) Send(ctx context.Context, phone, text, channelInstance string) models.DeliveryResult {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return models.FailedResult(503, ErrServiceStopped.Error())
	}
	s.mu.RUnlock()

	sctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	defer cancel()

	err := s.client.SendMessage(sctx, phone, text)
	result := resultFromSendError(err)
	if result.Sent == models.SentTrue {
		slog.Info("WhatsAppService.Send: message delivered", "to", phone, "channelInstance", channelInstance)
	} else {
		slog.Error("WhatsAppService.Send: delivery failed", "to", phone, "statusCode", result.StatusCode, "reason", result.ErrorReason)
	}
	return result
}

// Inbound returns the channel of incoming message events.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// handleEvents registers the whatsmeow event handler and feeds text messages
// into the inbound channel until the context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})

	slog.Debug("WhatsAppService event handler registered")
	<-ctx.Done()
	slog.Debug("WhatsAppService.handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts one whatsmeow message event into an
// InboundMessage. Non-text messages (images, audio, polls) are skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	phone, err := util.CanonicalizePhone(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService dropping message with invalid sender", "sender", evt.Info.Sender.User, "error", err)
		return
	}

	msg := models.InboundMessage{
		MessageID:       string(evt.Info.ID),
		Phone:           phone,
		Text:            messageText,
		ChannelInstance: s.waClient.InstanceID(),
		Timestamp:       evt.Info.Timestamp.Unix(),
	}

	s.emit(msg)
}

// emit pushes an inbound message without blocking the event handler.
func (s *WhatsAppService) emit(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", msg.Phone)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Info("WhatsAppService inbound message forwarded", "from", msg.Phone, "messageID", msg.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.Phone, "timeout", DefaultChannelTimeout)
	}
}
