// Package totals computes invoice subtotal, tax and total from line items.
//
// This package is PURE:
// - No side effects
// - No DB access
// - Fully deterministic
//
// Amounts are carried in minor units. Each line amount is rounded to the cent
// once, then everything else is integer arithmetic. See ComputeDecimal for the
// legacy strategy, which may disagree by a cent on sub-cent unit prices.
package totals

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicecore/internal/money"
)

// LineItem is one billable entry as seen by the engine.
type LineItem struct {
	Quantity  int64
	UnitPrice decimal.Decimal
	Taxable   bool
}

// Amount returns quantity × unit price rounded to minor units.
func (l LineItem) Amount() int64 {
	return money.ToMinor(l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity)))
}

// TaxConfig is the invoice-level tax setting. Rate is a percentage (6.25 = 6.25%).
type TaxConfig struct {
	Rate     decimal.Decimal
	ApplyTax bool
}

// Totals are minor-unit amounts.
type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

func (t Totals) String() string {
	return fmt.Sprintf("subtotal=%s tax=%s total=%s",
		money.Format(t.Subtotal), money.Format(t.Tax), money.Format(t.Total))
}

// Compute returns the totals for items under tax. It never fails; input
// must pass Validate first, otherwise int64 arithmetic may wrap.
func Compute(items []LineItem, tax TaxConfig) Totals {
	var subtotal, taxable int64
	for _, item := range items {
		amount := item.Amount()
		subtotal += amount
		if item.Taxable {
			taxable += amount
		}
	}

	taxAmount := computeTax(taxable, tax)
	return Totals{
		Subtotal: subtotal,
		Tax:      taxAmount,
		Total:    subtotal + taxAmount,
	}
}

func computeTax(taxableBase int64, tax TaxConfig) int64 {
	if !tax.ApplyTax || taxableBase == 0 {
		return 0
	}
	rate := money.ScaledRate(tax.Rate)
	if rate == 0 {
		return 0
	}
	// rate carries RatePlaces digits and is a percentage.
	return money.RoundDiv(taxableBase*rate, 100*pow10(money.RatePlaces))
}

func pow10(n int) int64 {
	out := int64(1)
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}

// ComputeDecimal is the decimal strategy: sums are kept unrounded and
// subtotal, tax and total are each rounded independently at the end. It is
// never persisted; it exists so disagreements can be detected and reported.
func ComputeDecimal(items []LineItem, tax TaxConfig) Totals {
	subtotal := decimal.Zero
	taxable := decimal.Zero
	for _, item := range items {
		amount := item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity))
		subtotal = subtotal.Add(amount)
		if item.Taxable {
			taxable = taxable.Add(amount)
		}
	}

	taxAmount := decimal.Zero
	if tax.ApplyTax {
		taxAmount = taxable.Mul(tax.Rate).Div(decimal.NewFromInt(100))
	}

	return Totals{
		Subtotal: money.ToMinor(subtotal),
		Tax:      money.ToMinor(taxAmount),
		Total:    money.ToMinor(subtotal.Add(taxAmount)),
	}
}

// Discrepancy runs both strategies and reports whether they disagree.
func Discrepancy(items []LineItem, tax TaxConfig) (primary, alternative Totals, differs bool) {
	primary = Compute(items, tax)
	alternative = ComputeDecimal(items, tax)
	return primary, alternative, primary != alternative
}

// CatalogEntry is the published price for a price-list item.
type CatalogEntry struct {
	ID        snowflake.ID
	UnitPrice decimal.Decimal
	Taxable   bool
}

// CatalogLine is a line item that may reference a catalog entry.
type CatalogLine struct {
	LineItem
	PriceItemID *snowflake.ID
}

// RefreshFromCatalog returns a copy of lines where every line that references
// an entry present in catalog takes that entry's unit price and taxability.
// Lines without a reference, or referencing a retired entry, are unchanged.
func RefreshFromCatalog(lines []CatalogLine, catalog []CatalogEntry) []CatalogLine {
	if lines == nil {
		return nil
	}

	byID := make(map[snowflake.ID]CatalogEntry, len(catalog))
	for _, entry := range catalog {
		byID[entry.ID] = entry
	}

	out := make([]CatalogLine, len(lines))
	for i, line := range lines {
		out[i] = line
		if line.PriceItemID == nil {
			continue
		}
		entry, ok := byID[*line.PriceItemID]
		if !ok {
			continue
		}
		out[i].UnitPrice = entry.UnitPrice
		out[i].Taxable = entry.Taxable
	}
	return out
}
