package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/payflow-backend/pkg/enums"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
	"github.com/angelmondragon/payflow-backend/pkg/outbox"
	"github.com/angelmondragon/payflow-backend/pkg/outbox/payloads"
)

const orderNotificationConsumer = "order-notifications"

type processedGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Consumer turns order and payment events into customer emails.
type Consumer struct {
	subscription *pubsub.Subscriber
	guard        processedGuard
	decoders     *outbox.DecoderRegistry
	sender       EmailSender
	logg         *logger.Logger
}

// NewConsumer builds the order notification consumer.
func NewConsumer(subscription *pubsub.Subscriber, guard processedGuard, sender EmailSender, logg *logger.Logger) (*Consumer, error) {
	if guard == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	if sender == nil {
		return nil, fmt.Errorf("email sender required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		subscription: subscription,
		guard:        guard,
		decoders:     newDecoders(),
		sender:       sender,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscription == nil {
		return fmt.Errorf("notification subscription required")
	}
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg.ID, msg.Attributes, msg.Data)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msgID string, attrs map[string]string, data []byte) processResult {
	eventType := enums.OutboxEventType(attrs["event_type"])
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msgID,
		"event_type": string(eventType),
	})

	if !eventType.IsValid() {
		c.logg.Info(logCtx, "skipping unknown event")
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	already, err := c.guard.CheckAndMarkProcessed(ctx, orderNotificationConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	payload, err := c.decoders.Decode(eventType, envelope.Version, envelope.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode payload", err)
		_ = c.guard.Release(ctx, orderNotificationConsumer, eventID)
		return processResult{nack: true}
	}

	if err := c.handle(ctx, payload); err != nil {
		c.logg.Error(logCtx, "notification handling failed", err)
		_ = c.guard.Release(ctx, orderNotificationConsumer, eventID)
		return processResult{nack: true}
	}
	return processResult{ack: true}
}

func (c *Consumer) handle(ctx context.Context, payload any) error {
	switch event := payload.(type) {
	case payloads.OrderConfirmedEvent:
		return c.sender.Send(ctx, Email{
			UserID:  event.UserID.String(),
			Subject: "Your order is confirmed",
			Body: fmt.Sprintf("Order %s is confirmed. We charged %s %s (transaction %s).",
				event.OrderID, event.TotalAmount, event.Currency, event.TransactionID),
		})
	case payloads.OrderFailedEvent:
		return c.sender.Send(ctx, Email{
			UserID:  event.UserID.String(),
			Subject: "Your order could not be completed",
			Body:    fmt.Sprintf("Order %s failed: %s", event.OrderID, event.Reason),
		})
	case payloads.PaymentFailedEvent:
		return c.sender.Send(ctx, Email{
			UserID:  event.UserID.String(),
			Subject: "Payment failed",
			Body:    fmt.Sprintf("Payment %s failed: %s", event.PaymentID, event.Reason),
		})
	default:
		return fmt.Errorf("unhandled payload type %T", payload)
	}
}

func newDecoders() *outbox.DecoderRegistry {
	registry := outbox.NewDecoderRegistry()
	registry.Register(enums.EventOrderConfirmed, 1, func(raw json.RawMessage) (interface{}, error) {
		var payload payloads.OrderConfirmedEvent
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	registry.Register(enums.EventOrderFailed, 1, func(raw json.RawMessage) (interface{}, error) {
		var payload payloads.OrderFailedEvent
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	registry.Register(enums.EventPaymentFailed, 1, func(raw json.RawMessage) (interface{}, error) {
		var payload payloads.PaymentFailedEvent
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	return registry
}
