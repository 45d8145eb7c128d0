package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/invoicecore/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, invoice_number, customer_name, status, currency, tax_rate, apply_tax,
			subtotal_amount, tax_amount, total_amount, metadata, issued_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.InvoiceNumber,
		inv.CustomerName,
		inv.Status,
		inv.Currency,
		inv.TaxRate,
		inv.ApplyTax,
		inv.SubtotalAmount,
		inv.TaxAmount,
		inv.TotalAmount,
		inv.Metadata,
		inv.IssuedAt,
		inv.CreatedAt,
		inv.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return r.find(db.WithContext(ctx), id)
}

// FindByIDForUpdate row-locks the invoice on dialects that support it.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return r.find(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *repo) find(db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := db.Where("id = ?", id).Take(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter invoicedomain.ListFilter) ([]invoicedomain.Invoice, error) {
	query := db.WithContext(ctx).Model(&invoicedomain.Invoice{})
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.AfterID != 0 {
		query = query.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var items []invoicedomain.Invoice
	if err := query.Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListIDsByStatus(ctx context.Context, db *gorm.DB, status invoicedomain.InvoiceStatus) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM invoices WHERE status = ? ORDER BY id ASC`,
		status,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) UpdateTotals(ctx context.Context, db *gorm.DB, inv *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET tax_rate = ?, apply_tax = ?, subtotal_amount = ?, tax_amount = ?,
		     total_amount = ?, updated_at = ?
		 WHERE id = ?`,
		inv.TaxRate,
		inv.ApplyTax,
		inv.SubtotalAmount,
		inv.TaxAmount,
		inv.TotalAmount,
		inv.UpdatedAt,
		inv.ID,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, inv *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, finalized_at = ?, paid_at = ?, voided_at = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		inv.Status,
		inv.FinalizedAt,
		inv.PaidAt,
		inv.VoidedAt,
		inv.Metadata,
		inv.UpdatedAt,
		inv.ID,
	).Error
}

func (r *repo) InsertItem(ctx context.Context, db *gorm.DB, item *invoicedomain.InvoiceItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_items (
			id, invoice_id, position, price_item_id, description,
			quantity, unit_price, taxable, amount, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.InvoiceID,
		item.Position,
		item.PriceItemID,
		item.Description,
		item.Quantity,
		item.UnitPrice,
		item.Taxable,
		item.Amount,
		item.CreatedAt,
		item.UpdatedAt,
	).Error
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceItem, error) {
	var items []invoicedomain.InvoiceItem
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("position ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateItem(ctx context.Context, db *gorm.DB, item *invoicedomain.InvoiceItem) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_items
		 SET description = ?, quantity = ?, unit_price = ?, taxable = ?, amount = ?, updated_at = ?
		 WHERE invoice_id = ? AND id = ?`,
		item.Description,
		item.Quantity,
		item.UnitPrice,
		item.Taxable,
		item.Amount,
		item.UpdatedAt,
		item.InvoiceID,
		item.ID,
	).Error
}

func (r *repo) DeleteItem(ctx context.Context, db *gorm.DB, invoiceID, itemID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM invoice_items WHERE invoice_id = ? AND id = ?`,
		invoiceID,
		itemID,
	).Error
}
