package payments

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

	dbpkg "github.com/angelmondragon/payflow-backend/pkg/db"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
)

func newPaymentsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:payments_" + uuid.NewString() + "?mode=memory&cache=shared"
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
	CREATE UNIQUE INDEX uq_payments_transaction_id ON payments (transaction_id);
	`
	require.NoError(t, db.Exec(ddl).Error)
	return db
}

func seedPayment(t *testing.T, repo Repository, key string, status enums.PaymentStatus) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		IdempotencyKey: key,
		Amount:         decimal.RequireFromString("25.00"),
		Currency:       enums.CurrencyUSD,
		Status:         status,
	}
	_, err := repo.Create(context.Background(), payment)
	require.NoError(t, err)
	return payment
}

func TestRepository_CreateAndLookups(t *testing.T) {
	db := newPaymentsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	payment := seedPayment(t, repo, "pay_lookup_1", enums.PaymentStatusProcessing)

	byID, err := repo.FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.IdempotencyKey, byID.IdempotencyKey)

	byKey, err := repo.FindByIdempotencyKey(ctx, "pay_lookup_1")
	require.NoError(t, err)
	assert.Equal(t, payment.ID, byKey.ID)

	_, err = repo.FindByIdempotencyKey(ctx, "pay_missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRepository_IdempotencyKeyUnique(t *testing.T) {
	db := newPaymentsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	seedPayment(t, repo, "pay_dup", enums.PaymentStatusProcessing)

	_, err := repo.Create(ctx, &models.Payment{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		IdempotencyKey: "pay_dup",
		Amount:         decimal.NewFromInt(5),
		Currency:       enums.CurrencyUSD,
		Status:         enums.PaymentStatusProcessing,
	})
	require.Error(t, err)
	assert.True(t, dbpkg.IsUniqueViolation(err, "uq_payments_idempotency_key"))
}

func TestRepository_TransactionIDUnique(t *testing.T) {
	db := newPaymentsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	first := seedPayment(t, repo, "pay_txn_1", enums.PaymentStatusProcessing)
	second := seedPayment(t, repo, "pay_txn_2", enums.PaymentStatusProcessing)

	require.NoError(t, repo.UpdateByID(ctx, first.ID, map[string]any{
		"status":         enums.PaymentStatusCompleted,
		"transaction_id": "txn_shared",
	}))

	err := repo.UpdateByID(ctx, second.ID, map[string]any{
		"status":         enums.PaymentStatusCompleted,
		"transaction_id": "txn_shared",
	})
	require.Error(t, err)
	assert.True(t, dbpkg.IsUniqueViolation(err, "uq_payments_transaction_id"))

	found, err := repo.FindByTransactionID(ctx, "txn_shared")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestRepository_FindStaleProcessing(t *testing.T) {
	db := newPaymentsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	stale := seedPayment(t, repo, "pay_stale", enums.PaymentStatusProcessing)
	fresh := seedPayment(t, repo, "pay_fresh", enums.PaymentStatusProcessing)
	seedPayment(t, repo, "pay_done", enums.PaymentStatusCompleted)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Payment{}).
		Where("id = ?", stale.ID).
		UpdateColumn("updated_at", old).Error)

	rows, err := repo.FindStaleProcessing(ctx, time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale.ID, rows[0].ID)
	assert.NotEqual(t, fresh.ID, rows[0].ID)
}

func TestRepository_WithTxRebinds(t *testing.T) {
	db := newPaymentsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Error)

	txRepo := repo.WithTx(tx)
	payment := &models.Payment{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		IdempotencyKey: "pay_tx_scoped",
		Amount:         decimal.NewFromInt(10),
		Currency:       enums.CurrencyUSD,
		Status:         enums.PaymentStatusProcessing,
	}
	_, err := txRepo.Create(ctx, payment)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback().Error)

	_, err = repo.FindByIdempotencyKey(ctx, "pay_tx_scoped")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRepository_SavePointRecoversAfterViolation(t *testing.T) {
	db := newPaymentsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	winner := seedPayment(t, repo, "pay_sp", enums.PaymentStatusCompleted)

	tx := db.Begin()
	require.NoError(t, tx.Error)
	defer tx.Rollback()
	txRepo := repo.WithTx(tx)

	require.NoError(t, txRepo.SavePoint("claim"))
	_, err := txRepo.Create(ctx, &models.Payment{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		IdempotencyKey: "pay_sp",
		Amount:         decimal.NewFromInt(5),
		Currency:       enums.CurrencyUSD,
		Status:         enums.PaymentStatusProcessing,
	})
	require.Error(t, err)
	require.NoError(t, txRepo.RollbackTo("claim"))

	found, err := txRepo.FindByIdempotencyKey(ctx, "pay_sp")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, found.ID)
}

func TestRepository_SavePointNoopOutsideTransaction(t *testing.T) {
	db := newPaymentsTestDB(t)
	repo := NewRepository(db)

	require.NoError(t, repo.SavePoint("claim"))
	require.NoError(t, repo.RollbackTo("claim"))
}
