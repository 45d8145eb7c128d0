package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertItem(ctx context.Context, db *gorm.DB, item *PriceItem) error
	FindItemByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PriceItem, error)
	ListItems(ctx context.Context, db *gorm.DB) ([]PriceItem, error)

	InsertList(ctx context.Context, db *gorm.DB, list *PriceList) error
	FindListByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PriceList, error)
	FindListByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PriceList, error)
	FindPublishedList(ctx context.Context, db *gorm.DB) (*PriceList, error)
	ListLists(ctx context.Context, db *gorm.DB) ([]PriceList, error)
	MaxVersion(ctx context.Context, db *gorm.DB) (int32, error)
	UpdateListStatus(ctx context.Context, db *gorm.DB, list *PriceList) error
	ArchivePublished(ctx context.Context, db *gorm.DB, exceptID snowflake.ID, at time.Time) (int64, error)

	FindEntry(ctx context.Context, db *gorm.DB, listID, itemID snowflake.ID) (*PriceListEntry, error)
	InsertEntry(ctx context.Context, db *gorm.DB, entry *PriceListEntry) error
	UpdateEntry(ctx context.Context, db *gorm.DB, entry *PriceListEntry) error
	DeleteEntry(ctx context.Context, db *gorm.DB, listID, itemID snowflake.ID) (int64, error)
	ListEntries(ctx context.Context, db *gorm.DB, listID snowflake.ID) ([]PriceListEntry, error)
	PublishedEntries(ctx context.Context, db *gorm.DB) ([]PriceListEntry, error)
}
