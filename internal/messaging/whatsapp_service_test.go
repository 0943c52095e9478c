package messaging

import (
	"context"
	"fmt"
	"testing"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// fakeSender scripts the outcome of each send.
type fakeSender struct {
	err   error
	calls int
}

func (f *fakeSender) SendMessage(ctx context.Context, to string, body string) error {
	f.calls++
	return f.err
}

func TestWhatsAppServiceSendWireContract(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantSent   string
		wantStatus int
	}{
		{"success", nil, models.SentTrue, 200},
		{"rejected", fmt.Errorf("bad recipient: %w", models.ErrDeliveryRejected), models.SentFalse, 400},
		{"transient", fmt.Errorf("server hiccup: %w", models.ErrDeliveryTransient), models.SentFalse, 502},
		{"unclassified", fmt.Errorf("socket closed"), models.SentFalse, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewWhatsAppService(&fakeSender{err: tt.err})
			res := svc.Send(context.Background(), "5511999990000", "oi", "instance-1")

			if res.Sent != tt.wantSent {
				t.Errorf("Sent = %q, want %q", res.Sent, tt.wantSent)
			}
			if res.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			if res.Sent != "true" && res.Sent != "false" {
				t.Errorf("wire contract violated: Sent = %q", res.Sent)
			}
		})
	}
}

func TestWhatsAppServiceSendAfterStop(t *testing.T) {
	sender := &fakeSender{}
	svc := NewWhatsAppService(sender)
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	res := svc.Send(context.Background(), "5511999990000", "oi", "instance-1")
	if res.Sent != models.SentFalse || res.StatusCode != 503 {
		t.Errorf("expected 503 failure after stop, got %+v", res)
	}
	if sender.calls != 0 {
		t.Errorf("stopped service must not reach the channel, got %d calls", sender.calls)
	}

	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestWhatsAppServiceValidateRecipient(t *testing.T) {
	svc := NewWhatsAppService(&fakeSender{})

	got, err := svc.ValidateAndCanonicalizeRecipient("+55 11 99999-0000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "5511999990000" {
		t.Errorf("canonical = %q, want 5511999990000", got)
	}

	if _, err := svc.ValidateAndCanonicalizeRecipient("not a phone"); err == nil {
		t.Error("expected error for invalid recipient")
	}
}
