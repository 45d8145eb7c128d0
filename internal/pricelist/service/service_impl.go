package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/invoicecore/internal/clock"
	"github.com/smallbiznis/invoicecore/internal/invoice/totals"
	"github.com/smallbiznis/invoicecore/internal/money"
	pricelistdomain "github.com/smallbiznis/invoicecore/internal/pricelist/domain"
	dbpkg "github.com/smallbiznis/invoicecore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  pricelistdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  pricelistdomain.Repository
	clock clock.Clock
}

func New(p Params) *Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("pricelist.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: c,
	}
}

// CreateItem registers a price item. Codes are slugged; an empty code is
// derived from the name.
func (s *Service) CreateItem(ctx context.Context, req pricelistdomain.CreateItemRequest) (*pricelistdomain.PriceItem, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, pricelistdomain.ErrInvalidName
	}
	rawCode := strings.TrimSpace(req.Code)
	if rawCode == "" {
		rawCode = name
	}
	code := slug.Make(rawCode)
	if code == "" || len(code) > pricelistdomain.MaxCodeLength {
		return nil, pricelistdomain.ErrInvalidCode
	}

	now := s.clock.Now()
	item := &pricelistdomain.PriceItem{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertItem(ctx, s.db, item); err != nil {
		if dbpkg.IsDuplicateKeyErr(err) {
			return nil, pricelistdomain.ErrDuplicateCode
		}
		return nil, err
	}

	s.log.Info("price item created", zap.String("price_item_id", item.ID.String()), zap.String("code", code))
	return item, nil
}

func (s *Service) ListItems(ctx context.Context) ([]pricelistdomain.PriceItem, error) {
	return s.repo.ListItems(ctx, s.db)
}

func (s *Service) CreateList(ctx context.Context, req pricelistdomain.CreateListRequest) (*pricelistdomain.PriceList, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, pricelistdomain.ErrInvalidName
	}

	var created *pricelistdomain.PriceList
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.repo.MaxVersion(ctx, tx)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		list := &pricelistdomain.PriceList{
			ID:        s.genID.Generate(),
			Name:      name,
			Version:   version + 1,
			Status:    pricelistdomain.StatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertList(ctx, tx, list); err != nil {
			return err
		}

		if req.CopyPublished {
			entries, err := s.repo.PublishedEntries(ctx, tx)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := s.repo.InsertEntry(ctx, tx, &pricelistdomain.PriceListEntry{
					ID:          s.genID.Generate(),
					PriceListID: list.ID,
					PriceItemID: entry.PriceItemID,
					UnitPrice:   entry.UnitPrice,
					Taxable:     entry.Taxable,
					CreatedAt:   now,
					UpdatedAt:   now,
				}); err != nil {
					return err
				}
			}
		}

		created = list
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("price list created",
		zap.String("price_list_id", created.ID.String()),
		zap.Int32("version", created.Version),
	)
	return created, nil
}

// SetEntry creates or replaces the price of an item on a draft list.
func (s *Service) SetEntry(ctx context.Context, listID string, req pricelistdomain.SetEntryRequest) (*pricelistdomain.PriceListEntry, error) {
	id, err := parseID(listID)
	if err != nil {
		return nil, pricelistdomain.ErrInvalidID
	}
	itemID, err := parseID(req.PriceItemID)
	if err != nil {
		return nil, pricelistdomain.ErrInvalidID
	}
	unitPrice, err := money.ParseUnitPrice(req.UnitPrice)
	if err != nil {
		return nil, pricelistdomain.ErrInvalidUnitPrice
	}

	var result *pricelistdomain.PriceListEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadDraftForUpdate(ctx, tx, id); err != nil {
			return err
		}

		item, err := s.repo.FindItemByID(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			return pricelistdomain.ErrItemNotFound
		}

		now := s.clock.Now()
		entry, err := s.repo.FindEntry(ctx, tx, id, itemID)
		if err != nil {
			return err
		}
		if entry == nil {
			entry = &pricelistdomain.PriceListEntry{
				ID:          s.genID.Generate(),
				PriceListID: id,
				PriceItemID: itemID,
				UnitPrice:   unitPrice,
				Taxable:     req.Taxable,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
				return err
			}
		} else {
			entry.UnitPrice = unitPrice
			entry.Taxable = req.Taxable
			entry.UpdatedAt = now
			if err := s.repo.UpdateEntry(ctx, tx, entry); err != nil {
				return err
			}
		}

		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) RemoveEntry(ctx context.Context, listID, priceItemID string) error {
	id, err := parseID(listID)
	if err != nil {
		return pricelistdomain.ErrInvalidID
	}
	itemID, err := parseID(priceItemID)
	if err != nil {
		return pricelistdomain.ErrInvalidID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadDraftForUpdate(ctx, tx, id); err != nil {
			return err
		}
		affected, err := s.repo.DeleteEntry(ctx, tx, id, itemID)
		if err != nil {
			return err
		}
		if affected == 0 {
			return pricelistdomain.ErrEntryNotFound
		}
		return nil
	})
}

// Publish makes a draft list authoritative and archives the list it
// replaces in the same transaction.
func (s *Service) Publish(ctx context.Context, listID string) (*pricelistdomain.PriceList, error) {
	id, err := parseID(listID)
	if err != nil {
		return nil, pricelistdomain.ErrInvalidID
	}

	var (
		published *pricelistdomain.PriceList
		archived  int64
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		list, err := s.loadDraftForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		entries, err := s.repo.ListEntries(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return pricelistdomain.ErrEmptyList
		}

		now := s.clock.Now()
		archived, err = s.repo.ArchivePublished(ctx, tx, id, now)
		if err != nil {
			return err
		}

		list.Status = pricelistdomain.StatusPublished
		list.PublishedAt = &now
		list.UpdatedAt = now
		if err := s.repo.UpdateListStatus(ctx, tx, list); err != nil {
			return err
		}

		published = list
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("price list published",
		zap.String("price_list_id", published.ID.String()),
		zap.Int32("version", published.Version),
		zap.Int64("archived", archived),
	)
	return published, nil
}

func (s *Service) Get(ctx context.Context, listID string) (*pricelistdomain.ListResponse, error) {
	id, err := parseID(listID)
	if err != nil {
		return nil, pricelistdomain.ErrInvalidID
	}

	list, err := s.repo.FindListByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, pricelistdomain.ErrNotFound
	}

	entries, err := s.repo.ListEntries(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &pricelistdomain.ListResponse{PriceList: *list, Entries: entries}, nil
}

func (s *Service) List(ctx context.Context) ([]pricelistdomain.PriceList, error) {
	return s.repo.ListLists(ctx, s.db)
}

// PublishedCatalog returns the published list's entries keyed by price item
// id. It is empty when nothing is published.
func (s *Service) PublishedCatalog(ctx context.Context, db *gorm.DB) ([]totals.CatalogEntry, error) {
	if db == nil {
		db = s.db
	}

	entries, err := s.repo.PublishedEntries(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load published catalog: %w", err)
	}

	catalog := make([]totals.CatalogEntry, 0, len(entries))
	for _, entry := range entries {
		catalog = append(catalog, totals.CatalogEntry{
			ID:        entry.PriceItemID,
			UnitPrice: entry.UnitPrice,
			Taxable:   entry.Taxable,
		})
	}
	return catalog, nil
}

func (s *Service) loadDraftForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*pricelistdomain.PriceList, error) {
	list, err := s.repo.FindListByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, pricelistdomain.ErrNotFound
	}
	if list.Status != pricelistdomain.StatusDraft {
		return nil, pricelistdomain.ErrListNotDraft
	}
	return list, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("zero id")
	}
	return id, nil
}
