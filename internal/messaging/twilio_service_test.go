package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/BTreeMap/TurnPipe/internal/twiliowhatsapp"
)

func postWebhook(t *testing.T, svc *TwilioService, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	svc.WebhookHandler(w, req)
	return w
}

func TestTwilioWebhookEmitsInboundMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "twilio-main")

	w := postWebhook(t, svc, url.Values{
		"MessageSid": {"SM123abc"},
		"From":       {"whatsapp:+5511999990000"},
		"Body":       {"oi, quero informações"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", w.Code)
	}

	select {
	case msg := <-svc.Inbound():
		if msg.MessageID != "SM123abc" {
			t.Errorf("MessageID = %q", msg.MessageID)
		}
		if msg.Phone != "5511999990000" {
			t.Errorf("Phone = %q, want canonical form without plus", msg.Phone)
		}
		if msg.Text != "oi, quero informações" {
			t.Errorf("Text = %q", msg.Text)
		}
		if msg.ChannelInstance != "twilio-main" {
			t.Errorf("ChannelInstance = %q", msg.ChannelInstance)
		}
		if err := msg.Validate(); err != nil {
			t.Errorf("emitted message fails validation: %v", err)
		}
	default:
		t.Fatal("expected an inbound message on the channel")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "twilio-main")

	w := postWebhook(t, svc, url.Values{
		"From": {"whatsapp:+5511999990000"},
		"Body": {"oi"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing MessageSid should be a 400, got %d", w.Code)
	}

	select {
	case msg := <-svc.Inbound():
		t.Errorf("no message should be emitted, got %+v", msg)
	default:
	}
}

func TestTwilioServiceSend(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock, "twilio-main")

	res := svc.Send(context.Background(), "+5511999990000", "your visit is confirmed for Tuesday", "twilio-main")
	if res.Sent != models.SentTrue || res.StatusCode != 200 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "5511999990000" {
		t.Errorf("expected canonicalized recipient, got %+v", mock.SentMessages)
	}

	res = svc.Send(context.Background(), "garbage", "oi", "twilio-main")
	if res.Sent != models.SentFalse || res.StatusCode != 400 {
		t.Errorf("invalid recipient should fail with 400, got %+v", res)
	}
}
