package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pricelistdomain "github.com/smallbiznis/invoicecore/internal/pricelist/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() pricelistdomain.Repository {
	return &repo{}
}

func (r *repo) InsertItem(ctx context.Context, db *gorm.DB, item *pricelistdomain.PriceItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO price_items (id, code, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		item.ID,
		item.Code,
		item.Name,
		item.CreatedAt,
		item.UpdatedAt,
	).Error
}

func (r *repo) FindItemByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*pricelistdomain.PriceItem, error) {
	var item pricelistdomain.PriceItem
	err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB) ([]pricelistdomain.PriceItem, error) {
	var items []pricelistdomain.PriceItem
	if err := db.WithContext(ctx).Order("code ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertList(ctx context.Context, db *gorm.DB, list *pricelistdomain.PriceList) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO price_lists (id, name, version, status, published_at, archived_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		list.ID,
		list.Name,
		list.Version,
		list.Status,
		list.PublishedAt,
		list.ArchivedAt,
		list.CreatedAt,
		list.UpdatedAt,
	).Error
}

func (r *repo) FindListByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*pricelistdomain.PriceList, error) {
	return r.findList(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindListByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*pricelistdomain.PriceList, error) {
	return r.findList(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *repo) FindPublishedList(ctx context.Context, db *gorm.DB) (*pricelistdomain.PriceList, error) {
	return r.findList(db.WithContext(ctx).Where("status = ?", pricelistdomain.StatusPublished))
}

func (r *repo) findList(query *gorm.DB) (*pricelistdomain.PriceList, error) {
	var list pricelistdomain.PriceList
	err := query.Take(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &list, nil
}

func (r *repo) ListLists(ctx context.Context, db *gorm.DB) ([]pricelistdomain.PriceList, error) {
	var lists []pricelistdomain.PriceList
	if err := db.WithContext(ctx).Order("version DESC").Find(&lists).Error; err != nil {
		return nil, err
	}
	return lists, nil
}

func (r *repo) MaxVersion(ctx context.Context, db *gorm.DB) (int32, error) {
	var version int32
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(version), 0) FROM price_lists`,
	).Scan(&version).Error
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *repo) UpdateListStatus(ctx context.Context, db *gorm.DB, list *pricelistdomain.PriceList) error {
	return db.WithContext(ctx).Exec(
		`UPDATE price_lists
		 SET status = ?, published_at = ?, archived_at = ?, updated_at = ?
		 WHERE id = ?`,
		list.Status,
		list.PublishedAt,
		list.ArchivedAt,
		list.UpdatedAt,
		list.ID,
	).Error
}

func (r *repo) ArchivePublished(ctx context.Context, db *gorm.DB, exceptID snowflake.ID, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE price_lists
		 SET status = ?, archived_at = ?, updated_at = ?
		 WHERE status = ? AND id <> ?`,
		pricelistdomain.StatusArchived,
		at,
		at,
		pricelistdomain.StatusPublished,
		exceptID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FindEntry(ctx context.Context, db *gorm.DB, listID, itemID snowflake.ID) (*pricelistdomain.PriceListEntry, error) {
	var entry pricelistdomain.PriceListEntry
	err := db.WithContext(ctx).
		Where("price_list_id = ? AND price_item_id = ?", listID, itemID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *pricelistdomain.PriceListEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO price_list_entries (id, price_list_id, price_item_id, unit_price, taxable, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.PriceListID,
		entry.PriceItemID,
		entry.UnitPrice,
		entry.Taxable,
		entry.CreatedAt,
		entry.UpdatedAt,
	).Error
}

func (r *repo) UpdateEntry(ctx context.Context, db *gorm.DB, entry *pricelistdomain.PriceListEntry) error {
	return db.WithContext(ctx).Exec(
		`UPDATE price_list_entries
		 SET unit_price = ?, taxable = ?, updated_at = ?
		 WHERE id = ?`,
		entry.UnitPrice,
		entry.Taxable,
		entry.UpdatedAt,
		entry.ID,
	).Error
}

func (r *repo) DeleteEntry(ctx context.Context, db *gorm.DB, listID, itemID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM price_list_entries WHERE price_list_id = ? AND price_item_id = ?`,
		listID,
		itemID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, listID snowflake.ID) ([]pricelistdomain.PriceListEntry, error) {
	var entries []pricelistdomain.PriceListEntry
	err := db.WithContext(ctx).
		Where("price_list_id = ?", listID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) PublishedEntries(ctx context.Context, db *gorm.DB) ([]pricelistdomain.PriceListEntry, error) {
	var entries []pricelistdomain.PriceListEntry
	err := db.WithContext(ctx).Raw(
		`SELECT e.id, e.price_list_id, e.price_item_id, e.unit_price, e.taxable, e.created_at, e.updated_at
		 FROM price_list_entries e
		 JOIN price_lists l ON l.id = e.price_list_id
		 WHERE l.status = ?
		 ORDER BY e.id ASC`,
		pricelistdomain.StatusPublished,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
