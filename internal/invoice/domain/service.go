package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/invoicecore/pkg/db/pagination"
)

type ItemRequest struct {
	PriceItemID string `json:"price_item_id"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	// UnitPrice is a decimal major-unit amount. When empty and PriceItemID is
	// set, the price is taken from the published price list.
	UnitPrice string `json:"unit_price"`
	Taxable   *bool  `json:"taxable"`
}

type CreateInvoiceRequest struct {
	CustomerName string         `json:"customer_name"`
	Currency     string         `json:"currency"`
	TaxRate      *string        `json:"tax_rate"`
	ApplyTax     bool           `json:"apply_tax"`
	IssuedAt     *time.Time     `json:"issued_at"`
	Items        []ItemRequest  `json:"items"`
	Metadata     map[string]any `json:"metadata"`
}

type UpdateItemRequest struct {
	Description *string `json:"description"`
	Quantity    *int64  `json:"quantity"`
	UnitPrice   *string `json:"unit_price"`
	Taxable     *bool   `json:"taxable"`
}

type UpdateTaxRequest struct {
	TaxRate  *string `json:"tax_rate"`
	ApplyTax *bool   `json:"apply_tax"`
}

type ListInvoiceRequest struct {
	pagination.Pagination
	Status *InvoiceStatus `json:"status"`
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// RefreshDraftsResult summarises a bulk price-list refresh.
type RefreshDraftsResult struct {
	Scanned   int `json:"scanned"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

type Service interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	ListItems(ctx context.Context, invoiceID string) ([]InvoiceItem, error)

	AddItem(ctx context.Context, invoiceID string, req ItemRequest) (*Invoice, error)
	UpdateItem(ctx context.Context, invoiceID, itemID string, req UpdateItemRequest) (*Invoice, error)
	RemoveItem(ctx context.Context, invoiceID, itemID string) (*Invoice, error)
	UpdateTax(ctx context.Context, invoiceID string, req UpdateTaxRequest) (*Invoice, error)

	RefreshFromPriceList(ctx context.Context, invoiceID string) (*Invoice, error)
	RecomputeTotals(ctx context.Context, invoiceID string) (*Invoice, error)
	RefreshDrafts(ctx context.Context) (RefreshDraftsResult, error)

	Finalize(ctx context.Context, invoiceID string) (*Invoice, error)
	MarkPaid(ctx context.Context, invoiceID string) (*Invoice, error)
	Void(ctx context.Context, invoiceID string, reason string) (*Invoice, error)
}

var (
	ErrInvalidInvoiceID       = errors.New("invalid_invoice_id")
	ErrInvalidItemID          = errors.New("invalid_item_id")
	ErrInvalidCustomer        = errors.New("invalid_customer")
	ErrInvalidCurrency        = errors.New("invalid_currency")
	ErrInvalidPriceItem       = errors.New("invalid_price_item")
	ErrPriceItemNotFound      = errors.New("price_item_not_found")
	ErrInvoiceNotFound        = errors.New("invoice_not_found")
	ErrItemNotFound           = errors.New("invoice_item_not_found")
	ErrInvoiceNotDraft        = errors.New("invoice_not_draft")
	ErrInvalidTransition      = errors.New("invalid_status_transition")
	ErrDuplicateInvoiceNumber = errors.New("duplicate_invoice_number")
	ErrRefreshInProgress      = errors.New("refresh_in_progress")
)
