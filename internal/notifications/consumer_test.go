package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/payflow-backend/pkg/enums"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
	"github.com/angelmondragon/payflow-backend/pkg/outbox"
	"github.com/angelmondragon/payflow-backend/pkg/outbox/payloads"
)

type stubGuard struct {
	processed map[uuid.UUID]bool
	released  []uuid.UUID
	err       error
}

func newStubGuard() *stubGuard {
	return &stubGuard{processed: make(map[uuid.UUID]bool)}
}

func (s *stubGuard) CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.processed[eventID] {
		return true, nil
	}
	s.processed[eventID] = true
	return false, nil
}

func (s *stubGuard) Release(ctx context.Context, consumer string, eventID uuid.UUID) error {
	s.released = append(s.released, eventID)
	delete(s.processed, eventID)
	return nil
}

type stubSender struct {
	sent []Email
	err  error
}

func (s *stubSender) Send(ctx context.Context, email Email) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, email)
	return nil
}

func newTestConsumer(t *testing.T, guard processedGuard, sender EmailSender) *Consumer {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "notifications-test"})
	consumer, err := NewConsumer(nil, guard, sender, logg)
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}
	return consumer
}

func encodeEnvelope(t *testing.T, eventID uuid.UUID, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	envelope := outbox.PayloadEnvelope{
		Version: 1,
		EventID: eventID.String(),
		Data:    raw,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return encoded
}

func confirmedAttrs() map[string]string {
	return map[string]string{"event_type": string(enums.EventOrderConfirmed)}
}

func TestProcess_SendsConfirmationEmail(t *testing.T) {
	guard := newStubGuard()
	sender := &stubSender{}
	consumer := newTestConsumer(t, guard, sender)

	payload := payloads.OrderConfirmedEvent{
		OrderID:       uuid.New(),
		UserID:        uuid.New(),
		PaymentID:     uuid.New(),
		TransactionID: "txn_1",
		TotalAmount:   decimal.RequireFromString("25.50"),
		Currency:      enums.CurrencyUSD,
	}
	data := encodeEnvelope(t, uuid.New(), payload)

	result := consumer.process(context.Background(), "m1", confirmedAttrs(), data)
	if !result.ack {
		t.Fatal("expected ack")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sender.sent))
	}
	email := sender.sent[0]
	if email.UserID != payload.UserID.String() {
		t.Fatalf("email for wrong user: %s", email.UserID)
	}
	if !strings.Contains(email.Body, payload.OrderID.String()) {
		t.Fatalf("body missing order id: %q", email.Body)
	}
}

func TestProcess_SkipsDuplicateEvents(t *testing.T) {
	guard := newStubGuard()
	sender := &stubSender{}
	consumer := newTestConsumer(t, guard, sender)

	eventID := uuid.New()
	data := encodeEnvelope(t, eventID, payloads.OrderFailedEvent{
		OrderID: uuid.New(),
		UserID:  uuid.New(),
		Reason:  "card declined",
	})
	attrs := map[string]string{"event_type": string(enums.EventOrderFailed)}

	first := consumer.process(context.Background(), "m1", attrs, data)
	second := consumer.process(context.Background(), "m1-redelivery", attrs, data)
	if !first.ack || !second.ack {
		t.Fatal("expected both deliveries acked")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("duplicate delivery must not send again: %d emails", len(sender.sent))
	}
}

func TestProcess_ReleasesGuardOnSendFailure(t *testing.T) {
	guard := newStubGuard()
	sender := &stubSender{err: errors.New("smtp down")}
	consumer := newTestConsumer(t, guard, sender)

	eventID := uuid.New()
	data := encodeEnvelope(t, eventID, payloads.PaymentFailedEvent{
		PaymentID: uuid.New(),
		UserID:    uuid.New(),
		Reason:    "gateway timeout",
	})
	attrs := map[string]string{"event_type": string(enums.EventPaymentFailed)}

	result := consumer.process(context.Background(), "m1", attrs, data)
	if !result.nack {
		t.Fatal("expected nack so the subscription redelivers")
	}
	if len(guard.released) != 1 || guard.released[0] != eventID {
		t.Fatalf("expected guard released for %s, got %v", eventID, guard.released)
	}
}

func TestProcess_AcksMalformedMessages(t *testing.T) {
	guard := newStubGuard()
	sender := &stubSender{}
	consumer := newTestConsumer(t, guard, sender)

	result := consumer.process(context.Background(), "m1", confirmedAttrs(), []byte("{not json"))
	if !result.ack {
		t.Fatal("malformed envelope must be acked, not redelivered forever")
	}
	if len(sender.sent) != 0 {
		t.Fatal("malformed envelope must not send email")
	}

	result = consumer.process(context.Background(), "m2", map[string]string{"event_type": "unrelated"}, []byte("{}"))
	if !result.ack {
		t.Fatal("unknown event type must be acked")
	}
}
