package payments

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
)

// ProcessPaymentInput carries everything needed to settle a single charge.
type ProcessPaymentInput struct {
	UserID         uuid.UUID
	Amount         decimal.Decimal
	Currency       enums.Currency
	IdempotencyKey string
	SourceID       string
	Note           string
}

// Result is the outcome of a payment submission. Replayed marks responses
// served from a previously recorded outcome instead of a fresh charge.
type Result struct {
	Payment  *models.Payment
	Replayed bool
	Message  string
}

// NewIdempotencyKey synthesizes a payment idempotency key for callers that
// did not supply one. Synthesized keys are unique per call, so they never
// collide with a previous submission.
func NewIdempotencyKey(userID uuid.UUID) string {
	return fmt.Sprintf("pay_%s_%s", userID, randomSuffix())
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
