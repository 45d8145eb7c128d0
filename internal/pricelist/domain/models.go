// Package domain contains persistence models for versioned price lists.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
	StatusArchived  Status = "ARCHIVED"
)

// MaxCodeLength bounds PriceItem.Code to the width of its indexed column.
const MaxCodeLength = 64

// PriceItem is a sellable item whose id stays stable across price list
// versions. Invoice lines reference it.
type PriceItem struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Code      string       `json:"code" gorm:"size:64;not null;uniqueIndex:ux_price_items_code"`
	Name      string       `json:"name" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (PriceItem) TableName() string { return "price_items" }

// PriceList is one version of the catalog. At most one list is published.
type PriceList struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	Name        string       `json:"name" gorm:"type:text;not null"`
	Version     int32        `json:"version" gorm:"not null;uniqueIndex:ux_price_lists_version"`
	Status      Status       `json:"status" gorm:"size:16;not null;default:'DRAFT';index"`
	PublishedAt *time.Time   `json:"published_at,omitempty" gorm:""`
	ArchivedAt  *time.Time   `json:"archived_at,omitempty" gorm:""`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (PriceList) TableName() string { return "price_lists" }

// PriceListEntry prices an item within a list.
type PriceListEntry struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	PriceListID snowflake.ID    `json:"price_list_id" gorm:"not null;uniqueIndex:ux_price_list_entries_item,priority:1"`
	PriceItemID snowflake.ID    `json:"price_item_id" gorm:"not null;uniqueIndex:ux_price_list_entries_item,priority:2"`
	UnitPrice   decimal.Decimal `json:"unit_price" gorm:"type:numeric(19,4);not null"`
	Taxable     bool            `json:"taxable" gorm:"not null;default:false"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time       `json:"updated_at" gorm:"not null"`
}

func (PriceListEntry) TableName() string { return "price_list_entries" }
