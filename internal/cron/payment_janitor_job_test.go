package cron

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/payflow-backend/internal/payments"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
	"github.com/angelmondragon/payflow-backend/pkg/outbox"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r *gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func newJanitorTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:janitor_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	ddl := `
	CREATE TABLE payments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		transaction_id TEXT,
		gateway_response TEXT,
		failure_reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX uq_payments_idempotency_key ON payments (idempotency_key);
	CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	`
	require.NoError(t, db.Exec(ddl).Error)
	return db
}

func seedJanitorPayment(t *testing.T, db *gorm.DB, status enums.PaymentStatus, age time.Duration) uuid.UUID {
	t.Helper()
	payment := models.Payment{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		IdempotencyKey: "pay_" + uuid.NewString(),
		Amount:         decimal.NewFromInt(20),
		Currency:       enums.CurrencyUSD,
		Status:         status,
	}
	require.NoError(t, db.Create(&payment).Error)
	require.NoError(t, db.Model(&models.Payment{}).
		Where("id = ?", payment.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error)
	return payment.ID
}

func TestPaymentJanitorFailsOnlyStaleProcessingRows(t *testing.T) {
	db := newJanitorTestDB(t)
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	repo := payments.NewRepository(db)
	outboxSvc := outbox.NewService(outbox.NewRepository(db), nil)

	stale := seedJanitorPayment(t, db, enums.PaymentStatusProcessing, time.Hour)
	fresh := seedJanitorPayment(t, db, enums.PaymentStatusProcessing, time.Minute)
	done := seedJanitorPayment(t, db, enums.PaymentStatusCompleted, 2*time.Hour)

	job, err := NewPaymentJanitorJob(PaymentJanitorParams{
		Logger: logg,
		DB:     &gormTxRunner{db: db},
		Repo:   repo,
		Outbox: outboxSvc,
		MaxAge: 15 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	var staleRow models.Payment
	require.NoError(t, db.First(&staleRow, "id = ?", stale).Error)
	assert.Equal(t, enums.PaymentStatusFailed, staleRow.Status)
	require.NotNil(t, staleRow.FailureReason)
	assert.Equal(t, staleReason, *staleRow.FailureReason)

	var freshRow models.Payment
	require.NoError(t, db.First(&freshRow, "id = ?", fresh).Error)
	assert.Equal(t, enums.PaymentStatusProcessing, freshRow.Status)

	var doneRow models.Payment
	require.NoError(t, db.First(&doneRow, "id = ?", done).Error)
	assert.Equal(t, enums.PaymentStatusCompleted, doneRow.Status)

	var events []models.OutboxEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventPaymentFailed, events[0].EventType)
	assert.Equal(t, stale, events[0].AggregateID)
}

func TestPaymentJanitorRequiresMaxAge(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	_, err := NewPaymentJanitorJob(PaymentJanitorParams{
		Logger: logg,
		DB:     &gormTxRunner{},
		Repo:   payments.NewRepository(nil),
		Outbox: outbox.NewService(outbox.NewRepository(nil), nil),
		MaxAge: 0,
	})
	require.Error(t, err)
}
