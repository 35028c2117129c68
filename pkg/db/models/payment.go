package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/payflow-backend/pkg/enums"
)

// Payment tracks a single charge attempt against the external gateway.
// IdempotencyKey and TransactionID both carry unique indexes so duplicate
// submissions and duplicate gateway charges surface as constraint violations.
type Payment struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID          uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	IdempotencyKey  string              `gorm:"column:idempotency_key;not null;uniqueIndex:uq_payments_idempotency_key"`
	Amount          decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency        enums.Currency      `gorm:"column:currency;type:text;not null;default:'USD'"`
	Status          enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'pending'"`
	TransactionID   *string             `gorm:"column:transaction_id;uniqueIndex:uq_payments_transaction_id"`
	GatewayResponse *string             `gorm:"column:gateway_response"`
	FailureReason   *string             `gorm:"column:failure_reason"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name so GORM does not pluralize differently.
func (Payment) TableName() string {
	return "payments"
}
