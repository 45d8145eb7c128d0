// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicecore/internal/invoice/totals"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusFinalized InvoiceStatus = "FINALIZED"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusVoid      InvoiceStatus = "VOID"
)

// Invoice represents an issued or draft invoice. Amounts are minor units.
type Invoice struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	InvoiceNumber  string            `json:"invoice_number" gorm:"size:64;not null;uniqueIndex:ux_invoices_number"`
	CustomerName   string            `json:"customer_name" gorm:"type:text;not null"`
	Status         InvoiceStatus     `json:"status" gorm:"size:16;not null;default:'DRAFT';index"`
	Currency       string            `json:"currency" gorm:"size:3;not null"`
	TaxRate        decimal.Decimal   `json:"tax_rate" gorm:"type:numeric(7,4);not null;default:0"`
	ApplyTax       bool              `json:"apply_tax" gorm:"not null;default:false"`
	SubtotalAmount int64             `json:"subtotal_amount" gorm:"not null;default:0"`
	TaxAmount      int64             `json:"tax_amount" gorm:"not null;default:0"`
	TotalAmount    int64             `json:"total_amount" gorm:"not null;default:0"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty" gorm:"not null"`
	IssuedAt       time.Time         `json:"issued_at" gorm:"not null"`
	FinalizedAt    *time.Time        `json:"finalized_at,omitempty" gorm:""`
	PaidAt         *time.Time        `json:"paid_at,omitempty" gorm:""`
	VoidedAt       *time.Time        `json:"voided_at,omitempty" gorm:""`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time         `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// TaxConfig returns the invoice-level tax settings.
func (i Invoice) TaxConfig() totals.TaxConfig {
	return totals.TaxConfig{Rate: i.TaxRate, ApplyTax: i.ApplyTax}
}

// Totals returns the persisted totals.
func (i Invoice) Totals() totals.Totals {
	return totals.Totals{
		Subtotal: i.SubtotalAmount,
		Tax:      i.TaxAmount,
		Total:    i.TotalAmount,
	}
}

// InvoiceItem represents a line on an invoice. Amount is minor units.
type InvoiceItem struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceID   snowflake.ID    `json:"invoice_id" gorm:"not null;index"`
	Position    int             `json:"position" gorm:"not null;default:0"`
	PriceItemID *snowflake.ID   `json:"price_item_id,omitempty" gorm:"index"`
	Description string          `json:"description" gorm:"type:text"`
	Quantity    int64           `json:"quantity" gorm:"not null"`
	UnitPrice   decimal.Decimal `json:"unit_price" gorm:"type:numeric(19,4);not null"`
	Taxable     bool            `json:"taxable" gorm:"not null;default:false"`
	Amount      int64           `json:"amount" gorm:"not null"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time       `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

func (it InvoiceItem) LineItem() totals.LineItem {
	return totals.LineItem{
		Quantity:  it.Quantity,
		UnitPrice: it.UnitPrice,
		Taxable:   it.Taxable,
	}
}

func (it InvoiceItem) CatalogLine() totals.CatalogLine {
	return totals.CatalogLine{LineItem: it.LineItem(), PriceItemID: it.PriceItemID}
}

// InvoiceSequence holds the last issued invoice sequence value for a year.
type InvoiceSequence struct {
	Year      int       `gorm:"primaryKey;autoIncrement:false"`
	Value     int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }
