// Package money converts between decimal major-unit amounts and int64 minor
// units. All persisted amounts and all totals arithmetic use minor units;
// decimals only appear at the edges (user input, price lists, rendering).
package money

import (
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of minor-unit digits for every supported currency.
const Places = 2

// RatePlaces is the precision kept for percentage tax rates.
const RatePlaces = 4

// UnitPricePlaces is the precision kept for unit prices, which may carry
// fractions of a cent.
const UnitPricePlaces = 4

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidRate   = errors.New("invalid_tax_rate")
)

// MaxMinor is the largest subtotal, in minor units, the engine accepts.
// Tax is computed as base × rate scaled by 10^RatePlaces and 100, and that
// product has to fit in an int64.
const MaxMinor int64 = math.MaxInt64 / (100 * 10000)

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(MaxMinor)
)

// FitsMinor reports whether d, rounded to cents, stays within MaxMinor.
func FitsMinor(d decimal.Decimal) bool {
	return d.Round(Places).Shift(Places).Abs().LessThanOrEqual(maxMinor)
}

// ToMinor rounds d half away from zero to cents.
func ToMinor(d decimal.Decimal) int64 {
	return d.Round(Places).Shift(Places).IntPart()
}

// FromMinor returns the exact major-unit value of cents.
func FromMinor(cents int64) decimal.Decimal {
	return decimal.New(cents, -Places)
}

// ParseUnitPrice reads a non-negative unit price and normalises it to
// UnitPricePlaces.
func ParseUnitPrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(UnitPricePlaces), nil
}

// Format renders cents with exactly two decimal places.
func Format(cents int64) string {
	return FromMinor(cents).StringFixed(Places)
}

// ParseRate reads a percentage such as "6.25" and normalises it to RatePlaces.
func ParseRate(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrInvalidRate
	}
	if err := ValidateRate(d); err != nil {
		return decimal.Zero, err
	}
	return d.Round(RatePlaces), nil
}

// ValidateRate rejects negative rates and rates above 100%.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return ErrInvalidRate
	}
	return nil
}

// ScaledRate returns rate × 10^RatePlaces as an integer, rounded half away from zero.
func ScaledRate(rate decimal.Decimal) int64 {
	return rate.Round(RatePlaces).Shift(RatePlaces).IntPart()
}

// RoundDiv divides num by den (den > 0) rounding half away from zero.
func RoundDiv(num, den int64) int64 {
	if den <= 0 {
		panic("money: RoundDiv requires a positive divisor")
	}
	q, r := num/den, num%den
	switch {
	case r > 0 && r >= den-r:
		q++
	case r < 0 && -r >= den+r:
		q--
	}
	return q
}
