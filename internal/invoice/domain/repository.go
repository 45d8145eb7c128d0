package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter narrows invoice listing. Results are ordered by id, which
// follows creation order for snowflake ids.
type ListFilter struct {
	Status  *InvoiceStatus
	AfterID snowflake.ID
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Invoice, error)
	ListIDsByStatus(ctx context.Context, db *gorm.DB, status InvoiceStatus) ([]snowflake.ID, error)
	UpdateTotals(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	UpdateStatus(ctx context.Context, db *gorm.DB, invoice *Invoice) error

	InsertItem(ctx context.Context, db *gorm.DB, item *InvoiceItem) error
	ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItem, error)
	UpdateItem(ctx context.Context, db *gorm.DB, item *InvoiceItem) error
	DeleteItem(ctx context.Context, db *gorm.DB, invoiceID, itemID snowflake.ID) error
}
