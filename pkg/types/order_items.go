package types

import "github.com/shopspring/decimal"

// OrderItem is a single purchased line stored on the order as jsonb.
type OrderItem struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderItems is the jsonb-serialized collection of order lines.
type OrderItems []OrderItem

// Total sums quantity times unit price across all lines.
func (items OrderItems) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
