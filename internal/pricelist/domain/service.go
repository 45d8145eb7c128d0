package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/invoicecore/internal/invoice/totals"
	"gorm.io/gorm"
)

type CreateItemRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type CreateListRequest struct {
	Name string `json:"name"`
	// CopyPublished seeds the new draft with the published list's entries.
	CopyPublished bool `json:"copy_published"`
}

type SetEntryRequest struct {
	PriceItemID string `json:"price_item_id"`
	UnitPrice   string `json:"unit_price"`
	Taxable     bool   `json:"taxable"`
}

type ListResponse struct {
	PriceList
	Entries []PriceListEntry `json:"entries"`
}

type Service interface {
	CreateItem(ctx context.Context, req CreateItemRequest) (*PriceItem, error)
	ListItems(ctx context.Context) ([]PriceItem, error)

	CreateList(ctx context.Context, req CreateListRequest) (*PriceList, error)
	SetEntry(ctx context.Context, listID string, req SetEntryRequest) (*PriceListEntry, error)
	RemoveEntry(ctx context.Context, listID, priceItemID string) error
	Publish(ctx context.Context, listID string) (*PriceList, error)
	Get(ctx context.Context, listID string) (*ListResponse, error)
	List(ctx context.Context) ([]PriceList, error)
}

// CatalogReader exposes the published price list to invoicing. It reads
// through db so callers can include it in their transaction.
type CatalogReader interface {
	PublishedCatalog(ctx context.Context, db *gorm.DB) ([]totals.CatalogEntry, error)
}

var (
	ErrInvalidID        = errors.New("invalid_id")
	ErrInvalidCode      = errors.New("invalid_code")
	ErrInvalidName      = errors.New("invalid_name")
	ErrDuplicateCode    = errors.New("duplicate_code")
	ErrNotFound         = errors.New("not_found")
	ErrItemNotFound     = errors.New("price_item_not_found")
	ErrEntryNotFound    = errors.New("price_list_entry_not_found")
	ErrListNotDraft     = errors.New("price_list_not_draft")
	ErrEmptyList        = errors.New("price_list_empty")
	ErrInvalidUnitPrice = errors.New("invalid_unit_price")
)
