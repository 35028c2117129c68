package gateway

import (
	"strings"

	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/payflow-backend/pkg/enums"
)

// ChargeParams encapsulates the inputs for a gateway charge.
type ChargeParams struct {
	Amount         decimal.Decimal
	Currency       enums.Currency
	SourceID       string
	IdempotencyKey string
	Note           string
	ReferenceID    string
}

// AmountCents converts the decimal amount into the gateway's minor units.
func (p ChargeParams) AmountCents() int64 {
	return p.Amount.Mul(decimal.NewFromInt(100)).IntPart()
}

// ChargeResult is the gateway's view of a settled charge. Raw carries the
// gateway's payment object as JSON for audit storage.
type ChargeResult struct {
	TransactionID string
	Status        string
	Raw           []byte
}

func (p ChargeParams) toSquareRequest(idempotencyKey, locationID string) *sq.CreatePaymentRequest {
	req := &sq.CreatePaymentRequest{
		IdempotencyKey: idempotencyKey,
		SourceID:       p.SourceID,
	}
	if trimmed := strings.TrimSpace(locationID); trimmed != "" {
		req.LocationID = ptrString(trimmed)
	}
	if cents := p.AmountCents(); cents > 0 {
		req.AmountMoney = moneyPtr(cents, p.Currency.String())
	}
	if trimmed := strings.TrimSpace(p.Note); trimmed != "" {
		req.Note = ptrString(trimmed)
	}
	if trimmed := strings.TrimSpace(p.ReferenceID); trimmed != "" {
		req.ReferenceID = ptrString(trimmed)
	}
	return req
}

func ptrString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func int64Ptr(value int64) *int64 {
	return &value
}

func currencyPtr(code string) *sq.Currency {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		trimmed = "USD"
	}
	c := sq.Currency(trimmed)
	return &c
}

func moneyPtr(amount int64, currency string) *sq.Money {
	if amount == 0 {
		return nil
	}
	return &sq.Money{
		Amount:   int64Ptr(amount),
		Currency: currencyPtr(currency),
	}
}
