package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/payflow-backend/pkg/enums"
	"github.com/angelmondragon/payflow-backend/pkg/types"
)

// Order is the purchase record whose payment is settled atomically with it.
// The order owns the link to its payment: payment_id is set at confirmation
// and carries a unique index so one payment settles at most one order.
type Order struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID         `gorm:"column:user_id;type:uuid;not null;index"`
	IdempotencyKey string            `gorm:"column:idempotency_key;not null;uniqueIndex:uq_orders_idempotency_key"`
	TotalAmount    decimal.Decimal   `gorm:"column:total_amount;type:numeric(12,2);not null"`
	Currency       enums.Currency    `gorm:"column:currency;type:text;not null;default:'USD'"`
	Status         enums.OrderStatus `gorm:"column:status;type:order_status;not null;default:'pending_payment'"`
	Items          types.OrderItems  `gorm:"column:items;type:jsonb;serializer:json"`
	PaymentID      *uuid.UUID        `gorm:"column:payment_id;type:uuid;uniqueIndex:uq_orders_payment_id"`
	Payment        *Payment          `gorm:"foreignKey:PaymentID;references:ID"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name so GORM does not pluralize differently.
func (Order) TableName() string {
	return "orders"
}
