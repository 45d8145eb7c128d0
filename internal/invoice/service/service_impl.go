package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicecore/internal/clock"
	"github.com/smallbiznis/invoicecore/internal/config"
	invoicedomain "github.com/smallbiznis/invoicecore/internal/invoice/domain"
	"github.com/smallbiznis/invoicecore/internal/invoice/sequence"
	"github.com/smallbiznis/invoicecore/internal/invoice/totals"
	"github.com/smallbiznis/invoicecore/internal/lock"
	"github.com/smallbiznis/invoicecore/internal/money"
	"github.com/smallbiznis/invoicecore/internal/observability/metrics"
	pricelistdomain "github.com/smallbiznis/invoicecore/internal/pricelist/domain"
	dbpkg "github.com/smallbiznis/invoicecore/pkg/db"
	"github.com/smallbiznis/invoicecore/pkg/db/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     invoicedomain.Repository
	Numberer *sequence.Numberer
	Catalog  pricelistdomain.CatalogReader
	Config   *config.InvoicingConfigHolder
	Clock    clock.Clock             `optional:"true"`
	Metrics  *metrics.InvoiceMetrics `optional:"true"`
	Locker   *lock.Locker            `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	repo     invoicedomain.Repository
	numberer *sequence.Numberer
	catalog  pricelistdomain.CatalogReader
	cfg      *config.InvoicingConfigHolder
	clock    clock.Clock
	metrics  *metrics.InvoiceMetrics
	locker   *lock.Locker
}

func NewService(p ServiceParam) invoicedomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:    p.GenID,
		repo:     p.Repo,
		numberer: p.Numberer,
		catalog:  p.Catalog,
		cfg:      p.Config,
		clock:    c,
		metrics:  p.Metrics,
		locker:   p.Locker,
	}
}

// CreateInvoice validates the request, allocates the next number for the
// year of issue and persists the invoice, its items and its totals in one
// transaction.
func (s *Service) CreateInvoice(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoice.create")
	invoice, err := s.createInvoice(ctx, req)
	if invoice != nil {
		span.SetAttributes(attribute.String("invoice.number", invoice.InvoiceNumber))
	}
	endSpan(span, err)
	return invoice, err
}

func (s *Service) createInvoice(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error) {
	cfg := s.cfg.Get()

	customer := strings.TrimSpace(req.CustomerName)
	if customer == "" {
		return nil, invoicedomain.ErrInvalidCustomer
	}
	currency, err := normalizeCurrency(req.Currency, cfg.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	rawRate := cfg.DefaultTaxRate
	if req.TaxRate != nil {
		rawRate = *req.TaxRate
	}
	rate, err := money.ParseRate(rawRate)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	issuedAt := now
	if req.IssuedAt != nil {
		issuedAt = req.IssuedAt.UTC()
	}

	metadata := datatypes.JSONMap{}
	for key, value := range req.Metadata {
		metadata[key] = value
	}

	invoice := &invoicedomain.Invoice{
		ID:           s.genID.Generate(),
		CustomerName: customer,
		Status:       invoicedomain.InvoiceStatusDraft,
		Currency:     currency,
		TaxRate:      rate,
		ApplyTax:     req.ApplyTax,
		Metadata:     metadata,
		IssuedAt:     issuedAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var lines []totals.LineItem
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		catalog := s.lazyCatalog(ctx, tx)

		items := make([]invoicedomain.InvoiceItem, 0, len(req.Items))
		for i, itemReq := range req.Items {
			item, err := s.buildItem(invoice.ID, i, itemReq, catalog, now)
			if err != nil {
				return err
			}
			items = append(items, *item)
		}

		lines = lineItems(items)
		if err := totals.Validate(lines, invoice.TaxConfig()); err != nil {
			return err
		}
		applyTotals(invoice, totals.Compute(lines, invoice.TaxConfig()))

		number, err := s.numberer.NextInvoiceNumber(ctx, tx, issuedAt.Year())
		if err != nil {
			var storageErr *sequence.StorageError
			if errors.As(err, &storageErr) {
				s.metrics.RecordSequenceError(storageErr.Backend)
			}
			return err
		}
		invoice.InvoiceNumber = number

		if err := s.repo.Insert(ctx, tx, invoice); err != nil {
			if dbpkg.IsDuplicateKeyErr(err) {
				// The counter handed out a number that is already taken.
				s.metrics.RecordSequenceError(s.numberer.Backend())
				return fmt.Errorf("%w: %s", invoicedomain.ErrDuplicateInvoiceNumber, number)
			}
			return err
		}
		for i := range items {
			if err := s.repo.InsertItem(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncInvoicesCreated()
	s.metrics.RecordRecompute(metrics.TriggerCreate)
	s.auditRounding(invoice, lines)

	s.log.Info("invoice created",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.Int("items", len(req.Items)),
		zap.String("totals", invoice.Totals().String()),
	)
	return invoice, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	invoice, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	limit := req.Size()
	filter := invoicedomain.ListFilter{
		Status: req.Status,
		Limit:  limit + 1,
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
		afterID, err := parseID(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, pagination.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	page, pageInfo, err := pagination.BuildCursorPageInfo(items, limit, func(inv invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: inv.ID.String()}
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	if page == nil {
		page = []invoicedomain.Invoice{}
	}

	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: page}, nil
}

func (s *Service) ListItems(ctx context.Context, invoiceID string) ([]invoicedomain.InvoiceItem, error) {
	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, s.db, invoice.ID)
}

func (s *Service) AddItem(ctx context.Context, invoiceID string, req invoicedomain.ItemRequest) (*invoicedomain.Invoice, error) {
	return s.mutateDraft(ctx, invoiceID, metrics.TriggerItemAdded, func(tx *gorm.DB, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) ([]invoicedomain.InvoiceItem, error) {
		position := 0
		for _, item := range items {
			if item.Position >= position {
				position = item.Position + 1
			}
		}

		item, err := s.buildItem(invoice.ID, position, req, s.lazyCatalog(ctx, tx), s.clock.Now())
		if err != nil {
			return nil, err
		}
		if err := s.repo.InsertItem(ctx, tx, item); err != nil {
			return nil, err
		}
		return append(items, *item), nil
	})
}

func (s *Service) UpdateItem(ctx context.Context, invoiceID, itemID string, req invoicedomain.UpdateItemRequest) (*invoicedomain.Invoice, error) {
	id, err := parseID(itemID)
	if err != nil {
		return nil, invoicedomain.ErrInvalidItemID
	}

	return s.mutateDraft(ctx, invoiceID, metrics.TriggerItemUpdated, func(tx *gorm.DB, _ *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) ([]invoicedomain.InvoiceItem, error) {
		idx := indexOfItem(items, id)
		if idx < 0 {
			return nil, invoicedomain.ErrItemNotFound
		}
		item := items[idx]

		if req.Description != nil {
			item.Description = strings.TrimSpace(*req.Description)
		}
		if req.Quantity != nil {
			item.Quantity = *req.Quantity
		}
		if req.UnitPrice != nil {
			unitPrice, err := money.ParseUnitPrice(*req.UnitPrice)
			if err != nil {
				return nil, &totals.ValidationError{Field: "unit_price", Reason: "must be a non-negative decimal amount"}
			}
			item.UnitPrice = unitPrice
		}
		if req.Taxable != nil {
			item.Taxable = *req.Taxable
		}

		item.Amount = item.LineItem().Amount()
		item.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateItem(ctx, tx, &item); err != nil {
			return nil, err
		}
		items[idx] = item
		return items, nil
	})
}

func (s *Service) RemoveItem(ctx context.Context, invoiceID, itemID string) (*invoicedomain.Invoice, error) {
	id, err := parseID(itemID)
	if err != nil {
		return nil, invoicedomain.ErrInvalidItemID
	}

	return s.mutateDraft(ctx, invoiceID, metrics.TriggerItemRemoved, func(tx *gorm.DB, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) ([]invoicedomain.InvoiceItem, error) {
		idx := indexOfItem(items, id)
		if idx < 0 {
			return nil, invoicedomain.ErrItemNotFound
		}
		if err := s.repo.DeleteItem(ctx, tx, invoice.ID, id); err != nil {
			return nil, err
		}
		return append(items[:idx], items[idx+1:]...), nil
	})
}

func (s *Service) UpdateTax(ctx context.Context, invoiceID string, req invoicedomain.UpdateTaxRequest) (*invoicedomain.Invoice, error) {
	return s.mutateDraft(ctx, invoiceID, metrics.TriggerTaxUpdated, func(_ *gorm.DB, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) ([]invoicedomain.InvoiceItem, error) {
		if req.TaxRate != nil {
			rate, err := money.ParseRate(*req.TaxRate)
			if err != nil {
				return nil, err
			}
			invoice.TaxRate = rate
		}
		if req.ApplyTax != nil {
			invoice.ApplyTax = *req.ApplyTax
		}
		return items, nil
	})
}

// RefreshFromPriceList overwrites unit price and taxability of every line
// that references an item on the published price list, then recomputes
// totals. Lines whose item is no longer listed keep their values.
func (s *Service) RefreshFromPriceList(ctx context.Context, invoiceID string) (*invoicedomain.Invoice, error) {
	var changed int
	invoice, err := s.mutateDraft(ctx, invoiceID, metrics.TriggerPriceList, func(tx *gorm.DB, _ *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) ([]invoicedomain.InvoiceItem, error) {
		catalog, err := s.catalog.PublishedCatalog(ctx, tx)
		if err != nil {
			return nil, err
		}

		current := make([]totals.CatalogLine, len(items))
		for i := range items {
			current[i] = items[i].CatalogLine()
		}
		refreshed := totals.RefreshFromCatalog(current, catalog)

		now := s.clock.Now()
		for i := range items {
			unitPrice := refreshed[i].UnitPrice
			if unitPrice.Equal(items[i].UnitPrice) && refreshed[i].Taxable == items[i].Taxable {
				continue
			}
			items[i].UnitPrice = unitPrice
			items[i].Taxable = refreshed[i].Taxable
			items[i].Amount = items[i].LineItem().Amount()
			items[i].UpdatedAt = now
			if err := s.repo.UpdateItem(ctx, tx, &items[i]); err != nil {
				return nil, err
			}
			changed++
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice refreshed from price list",
		zap.String("invoice_id", invoice.ID.String()),
		zap.Int("changed_items", changed),
		zap.String("totals", invoice.Totals().String()),
	)
	return invoice, nil
}

// RecomputeTotals rebuilds totals from the stored items. Running it again
// without intervening changes yields the same totals.
func (s *Service) RecomputeTotals(ctx context.Context, invoiceID string) (*invoicedomain.Invoice, error) {
	return s.mutateDraft(ctx, invoiceID, metrics.TriggerRecompute, func(_ *gorm.DB, _ *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) ([]invoicedomain.InvoiceItem, error) {
		return items, nil
	})
}

const (
	refreshDraftsLockKey = "invoicecore:lock:refresh_drafts"
	refreshDraftsLockTTL = 10 * time.Minute
)

// RefreshDrafts refreshes every draft invoice from the published price list,
// one transaction per invoice. Failures are collected and do not stop the
// run; invoices that left DRAFT in the meantime are skipped. With a locker
// configured only one run proceeds at a time.
func (s *Service) RefreshDrafts(ctx context.Context) (invoicedomain.RefreshDraftsResult, error) {
	ctx, span := tracer.Start(ctx, "invoice.refresh_drafts")

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, refreshDraftsLockKey, refreshDraftsLockTTL)
		if err != nil {
			endSpan(span, err)
			return invoicedomain.RefreshDraftsResult{}, fmt.Errorf("acquire refresh lock: %w", err)
		}
		if !ok {
			endSpan(span, invoicedomain.ErrRefreshInProgress)
			return invoicedomain.RefreshDraftsResult{}, invoicedomain.ErrRefreshInProgress
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), refreshDraftsLockKey, token); err != nil {
				s.log.Warn("release refresh lock", zap.Error(err))
			}
		}()
	}

	result, err := s.refreshDrafts(ctx)
	span.SetAttributes(
		attribute.Int("refresh.scanned", result.Scanned),
		attribute.Int("refresh.refreshed", result.Refreshed),
		attribute.Int("refresh.failed", result.Failed),
	)
	endSpan(span, err)
	return result, err
}

func (s *Service) refreshDrafts(ctx context.Context) (invoicedomain.RefreshDraftsResult, error) {
	var result invoicedomain.RefreshDraftsResult

	ids, err := s.repo.ListIDsByStatus(ctx, s.db, invoicedomain.InvoiceStatusDraft)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result.Scanned++

		_, err := s.RefreshFromPriceList(ctx, id.String())
		switch {
		case err == nil:
			result.Refreshed++
		case errors.Is(err, invoicedomain.ErrInvoiceNotDraft), errors.Is(err, invoicedomain.ErrInvoiceNotFound):
		default:
			result.Failed++
			s.metrics.RecordRefreshFailure(err)
			s.log.Warn("draft refresh failed", zap.String("invoice_id", id.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("invoice %s: %w", id.String(), err))
		}
	}

	s.log.Info("draft refresh completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("failed", result.Failed),
	)
	return result, errors.Join(errs...)
}

type mutateFunc func(tx *gorm.DB, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) ([]invoicedomain.InvoiceItem, error)

// mutateDraft locks a draft invoice, applies fn and persists recomputed
// totals in the same transaction.
func (s *Service) mutateDraft(ctx context.Context, invoiceID, trigger string, fn mutateFunc) (*invoicedomain.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoice."+trigger, trace.WithAttributes(attribute.String("invoice.id", invoiceID)))
	invoice, err := s.applyDraftMutation(ctx, invoiceID, trigger, fn)
	endSpan(span, err)
	return invoice, err
}

func (s *Service) applyDraftMutation(ctx context.Context, invoiceID, trigger string, fn mutateFunc) (*invoicedomain.Invoice, error) {
	id, err := parseID(invoiceID)
	if err != nil {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}

	var (
		invoice *invoicedomain.Invoice
		lines   []totals.LineItem
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invoice, err = s.loadInvoiceForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.InvoiceStatusDraft {
			return invoicedomain.ErrInvoiceNotDraft
		}

		items, err := s.repo.ListItems(ctx, tx, id)
		if err != nil {
			return err
		}
		items, err = fn(tx, invoice, items)
		if err != nil {
			return err
		}

		lines = lineItems(items)
		if err := totals.Validate(lines, invoice.TaxConfig()); err != nil {
			return err
		}
		applyTotals(invoice, totals.Compute(lines, invoice.TaxConfig()))
		invoice.UpdatedAt = s.clock.Now()
		return s.repo.UpdateTotals(ctx, tx, invoice)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRecompute(trigger)
	s.auditRounding(invoice, lines)
	return invoice, nil
}

func (s *Service) auditRounding(invoice *invoicedomain.Invoice, lines []totals.LineItem) {
	if !s.cfg.Get().AuditRounding {
		return
	}
	persisted, alternative, differs := totals.Discrepancy(lines, invoice.TaxConfig())
	if !differs {
		return
	}

	s.metrics.RecordRoundingDiscrepancy()
	s.log.Warn("invoice.totals.rounding_discrepancy",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("persisted", persisted.String()),
		zap.String("decimal", alternative.String()),
	)
}

// buildItem turns a request into an item row. Without an explicit unit
// price the published price of the referenced item is used.
func (s *Service) buildItem(invoiceID snowflake.ID, position int, req invoicedomain.ItemRequest, catalog func() (map[snowflake.ID]totals.CatalogEntry, error), now time.Time) (*invoicedomain.InvoiceItem, error) {
	item := &invoicedomain.InvoiceItem{
		ID:          s.genID.Generate(),
		InvoiceID:   invoiceID,
		Position:    position,
		Description: strings.TrimSpace(req.Description),
		Quantity:    req.Quantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var entry *totals.CatalogEntry
	if raw := strings.TrimSpace(req.PriceItemID); raw != "" {
		priceItemID, err := parseID(raw)
		if err != nil {
			return nil, invoicedomain.ErrInvalidPriceItem
		}
		item.PriceItemID = &priceItemID

		if strings.TrimSpace(req.UnitPrice) == "" {
			entries, err := catalog()
			if err != nil {
				return nil, err
			}
			found, ok := entries[priceItemID]
			if !ok {
				return nil, invoicedomain.ErrPriceItemNotFound
			}
			entry = &found
		}
	}

	switch {
	case entry != nil:
		item.UnitPrice = entry.UnitPrice
		item.Taxable = entry.Taxable
	default:
		unitPrice, err := money.ParseUnitPrice(req.UnitPrice)
		if err != nil {
			return nil, &totals.ValidationError{
				Field:  fmt.Sprintf("items[%d].unit_price", position),
				Reason: "must be a non-negative decimal amount",
			}
		}
		item.UnitPrice = unitPrice
	}
	if req.Taxable != nil {
		item.Taxable = *req.Taxable
	}

	item.Amount = item.LineItem().Amount()
	return item, nil
}

// lazyCatalog loads the published catalog at most once per transaction.
func (s *Service) lazyCatalog(ctx context.Context, tx *gorm.DB) func() (map[snowflake.ID]totals.CatalogEntry, error) {
	var (
		loaded  bool
		entries map[snowflake.ID]totals.CatalogEntry
	)
	return func() (map[snowflake.ID]totals.CatalogEntry, error) {
		if loaded {
			return entries, nil
		}
		catalog, err := s.catalog.PublishedCatalog(ctx, tx)
		if err != nil {
			return nil, err
		}
		entries = make(map[snowflake.ID]totals.CatalogEntry, len(catalog))
		for _, entry := range catalog {
			entries[entry.ID] = entry
		}
		loaded = true
		return entries, nil
	}
}

func (s *Service) loadInvoiceForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func applyTotals(invoice *invoicedomain.Invoice, t totals.Totals) {
	invoice.SubtotalAmount = t.Subtotal
	invoice.TaxAmount = t.Tax
	invoice.TotalAmount = t.Total
}

func lineItems(items []invoicedomain.InvoiceItem) []totals.LineItem {
	lines := make([]totals.LineItem, len(items))
	for i := range items {
		lines[i] = items[i].LineItem()
	}
	return lines
}

func indexOfItem(items []invoicedomain.InvoiceItem, id snowflake.ID) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func normalizeCurrency(raw, fallback string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(fallback))
	}
	if len(currency) != 3 {
		return "", invoicedomain.ErrInvalidCurrency
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", invoicedomain.ErrInvalidCurrency
		}
	}
	return currency, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
