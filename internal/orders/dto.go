package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	"github.com/angelmondragon/payflow-backend/pkg/types"
)

// CreateOrderInput carries everything needed to place an order and settle
// its payment in one transaction.
type CreateOrderInput struct {
	UserID         uuid.UUID
	Items          types.OrderItems
	TotalAmount    decimal.Decimal
	Currency       enums.Currency
	IdempotencyKey string
	SourceID       string
	Note           string
}

// Result is the outcome of an order submission. Replayed marks responses
// served from a previously recorded outcome.
type Result struct {
	Order    *models.Order
	Payment  *models.Payment
	Replayed bool
	Message  string
}

// Effect is a side effect deferred until after the order transaction
// commits. Callers run effects only on a successful commit.
type Effect func(ctx context.Context)

// RunEffects executes post-commit effects in order.
func RunEffects(ctx context.Context, effects []Effect) {
	for _, effect := range effects {
		if effect != nil {
			effect(ctx)
		}
	}
}

// NewIdempotencyKey synthesizes an order idempotency key for callers that
// did not supply one.
func NewIdempotencyKey(userID uuid.UUID) string {
	return fmt.Sprintf("ord_%s_%s", userID, randomSuffix())
}

// DerivedPaymentKey builds the payment idempotency key for an order. The
// key is a pure function of the order id, so a resubmission that lands on
// the same order row can never double-charge.
func DerivedPaymentKey(orderID uuid.UUID) string {
	return fmt.Sprintf("ord_%s_pay", orderID)
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
