package payloads

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/payflow-backend/pkg/enums"
)

// OrderConfirmedEvent announces an order whose payment settled.
type OrderConfirmedEvent struct {
	OrderID       uuid.UUID       `json:"orderId"`
	UserID        uuid.UUID       `json:"userId"`
	PaymentID     uuid.UUID       `json:"paymentId"`
	TransactionID string          `json:"transactionId"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Currency      enums.Currency  `json:"currency"`
}

// OrderFailedEvent announces an order that could not be settled.
type OrderFailedEvent struct {
	OrderID uuid.UUID `json:"orderId"`
	UserID  uuid.UUID `json:"userId"`
	Reason  string    `json:"reason"`
}

// PaymentFailedEvent announces a terminally failed payment.
type PaymentFailedEvent struct {
	PaymentID uuid.UUID `json:"paymentId"`
	UserID    uuid.UUID `json:"userId"`
	Reason    string    `json:"reason"`
}
