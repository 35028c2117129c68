package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/payflow-backend/internal/payments"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
	"github.com/angelmondragon/payflow-backend/pkg/outbox"
	"github.com/angelmondragon/payflow-backend/pkg/outbox/payloads"
)

const staleReason = "payment stuck in processing beyond max age"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// PaymentJanitorParams configure the stale payment janitor.
type PaymentJanitorParams struct {
	Logger *logger.Logger
	DB     txRunner
	Repo   payments.Repository
	Outbox outboxEmitter
	MaxAge time.Duration
	Now    func() time.Time
}

// NewPaymentJanitorJob builds the job that fails payments stuck in
// processing. A row lands there when the service crashed between claiming
// the idempotency key and recording the gateway outcome.
func NewPaymentJanitorJob(params PaymentJanitorParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.MaxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &paymentJanitorJob{
		logg:   params.Logger,
		db:     params.DB,
		repo:   params.Repo,
		outbox: params.Outbox,
		maxAge: params.MaxAge,
		now:    now,
	}, nil
}

type paymentJanitorJob struct {
	logg   *logger.Logger
	db     txRunner
	repo   payments.Repository
	outbox outboxEmitter
	maxAge time.Duration
	now    func() time.Time
}

func (j *paymentJanitorJob) Name() string { return "payment-janitor" }

func (j *paymentJanitorJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.maxAge)
	rows, err := j.repo.FindStaleProcessing(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("query stale payments: %w", err)
	}

	var errs []error
	failed := 0
	for _, payment := range rows {
		if err := j.failPayment(ctx, payment, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", payment.ID, err))
			continue
		}
		failed++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned": len(rows),
		"failed":  failed,
	})
	j.logg.Info(logCtx, "stale payment sweep complete")
	return multierr.Combine(errs...)
}

func (j *paymentJanitorJob) failPayment(ctx context.Context, payment models.Payment, cutoff time.Time) error {
	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.repo.WithTx(tx)
		current, err := repo.FindByID(ctx, payment.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		// Re-check under the transaction: a concurrent resolution wins.
		if current.Status != enums.PaymentStatusProcessing || !current.UpdatedAt.Before(cutoff) {
			return nil
		}
		updates := map[string]any{
			"status":         enums.PaymentStatusFailed,
			"failure_reason": staleReason,
		}
		if err := repo.UpdateByID(ctx, current.ID, updates); err != nil {
			return err
		}
		return j.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePayment,
			AggregateID:   current.ID,
			Version:       1,
			Actor:         &outbox.ActorRef{UserID: current.UserID},
			Data: payloads.PaymentFailedEvent{
				PaymentID: current.ID,
				UserID:    current.UserID,
				Reason:    staleReason,
			},
		})
	})
}
