package totals

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicecore/internal/money"
)

// ValidationError reports input the engine refuses to total.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate rejects negative quantities, negative prices, out-of-range rates
// and amounts too large to total in minor units. Compute is only defined for
// input that passes Validate.
func Validate(items []LineItem, tax TaxConfig) error {
	subtotal := decimal.Zero
	for i, item := range items {
		if item.Quantity < 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must not be negative"}
		}
		if item.UnitPrice.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Reason: "must not be negative"}
		}
		amount := item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)).Round(money.Places)
		if !money.FitsMinor(amount) {
			return &ValidationError{Field: fmt.Sprintf("items[%d].amount", i), Reason: "exceeds the supported maximum"}
		}
		subtotal = subtotal.Add(amount)
	}
	if !money.FitsMinor(subtotal) {
		return &ValidationError{Field: "subtotal", Reason: "exceeds the supported maximum"}
	}
	if err := money.ValidateRate(tax.Rate); err != nil {
		return &ValidationError{Field: "tax_rate", Reason: "must be between 0 and 100"}
	}
	if !tax.Rate.Equal(tax.Rate.Round(money.RatePlaces)) {
		return &ValidationError{Field: "tax_rate", Reason: fmt.Sprintf("must have at most %d decimal places", money.RatePlaces)}
	}
	return nil
}
