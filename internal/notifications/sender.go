package notifications

import (
	"context"
	"fmt"

	"github.com/angelmondragon/payflow-backend/pkg/logger"
)

// Email is an outbound message composed from a domain event.
type Email struct {
	UserID  string
	Subject string
	Body    string
}

// EmailSender delivers composed emails. Delivery failures are retried by the
// subscription, never by the order transaction.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// LogSender records emails in the service log instead of delivering them.
// It stands in for a real provider integration.
type LogSender struct {
	logg *logger.Logger
}

// NewLogSender builds a log-backed sender.
func NewLogSender(logg *logger.Logger) (*LogSender, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &LogSender{logg: logg}, nil
}

func (s *LogSender) Send(ctx context.Context, email Email) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"user_id": email.UserID,
		"subject": email.Subject,
	})
	s.logg.Info(logCtx, "email dispatched")
	return nil
}
