package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicecore/internal/clock"
	"github.com/smallbiznis/invoicecore/internal/config"
	invoicedomain "github.com/smallbiznis/invoicecore/internal/invoice/domain"
	"github.com/smallbiznis/invoicecore/internal/invoice/repository"
	"github.com/smallbiznis/invoicecore/internal/invoice/sequence"
	"github.com/smallbiznis/invoicecore/internal/invoice/totals"
	"github.com/smallbiznis/invoicecore/internal/lock"
	"github.com/smallbiznis/invoicecore/internal/migration"
	"github.com/smallbiznis/invoicecore/internal/observability/metrics"
	pricelistdomain "github.com/smallbiznis/invoicecore/internal/pricelist/domain"
	pricelistrepository "github.com/smallbiznis/invoicecore/internal/pricelist/repository"
	pricelistservice "github.com/smallbiznis/invoicecore/internal/pricelist/service"
	"github.com/smallbiznis/invoicecore/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testEnv struct {
	svc     *Service
	db      *gorm.DB
	prices  *pricelistservice.Service
	clock   *clock.FakeClock
	logs    *observer.ObservedLogs
	metrics *metrics.InvoiceMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	cfg := config.NewStaticInvoicingConfig(config.DefaultInvoicingConfig())
	m := metrics.New(metrics.Config{Environment: "test"})

	prices := pricelistservice.New(pricelistservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  pricelistrepository.Provide(),
		Clock: fakeClock,
	})

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     repository.Provide(),
		Numberer: sequence.NewNumberer(sequence.NewDatabaseCounter(), cfg, log),
		Catalog:  prices,
		Config:   cfg,
		Clock:    fakeClock,
		Metrics:  m,
	}).(*Service)

	return &testEnv{svc: svc, db: db, prices: prices, clock: fakeClock, logs: logs, metrics: m}
}

func boolPtr(v bool) *bool          { return &v }
func strPtr(v string) *string       { return &v }
func int64Ptr(v int64) *int64       { return &v }
func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// publish creates a published price list pricing each code.
func (e *testEnv) publish(t *testing.T, prices map[string]pricelistdomain.SetEntryRequest) map[string]snowflake.ID {
	t.Helper()
	ctx := context.Background()

	list, err := e.prices.CreateList(ctx, pricelistdomain.CreateListRequest{Name: "prices"})
	require.NoError(t, err)

	existing, err := e.prices.ListItems(ctx)
	require.NoError(t, err)
	ids := make(map[string]snowflake.ID, len(existing))
	for _, item := range existing {
		ids[item.Code] = item.ID
	}

	for code, req := range prices {
		id, ok := ids[code]
		if !ok {
			item, err := e.prices.CreateItem(ctx, pricelistdomain.CreateItemRequest{Code: code, Name: code})
			require.NoError(t, err)
			id = item.ID
			ids[code] = id
		}
		req.PriceItemID = id.String()
		_, err := e.prices.SetEntry(ctx, list.ID.String(), req)
		require.NoError(t, err)
	}

	_, err = e.prices.Publish(ctx, list.ID.String())
	require.NoError(t, err)
	return ids
}

func (e *testEnv) createBasic(t *testing.T) *invoicedomain.Invoice {
	t.Helper()

	inv, err := e.svc.CreateInvoice(context.Background(), invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		TaxRate:      strPtr("6.25"),
		ApplyTax:     true,
		Items: []invoicedomain.ItemRequest{
			{Description: "Widget", Quantity: 2, UnitPrice: "25.00", Taxable: boolPtr(true)},
			{Description: "Service fee", Quantity: 1, UnitPrice: "20", Taxable: boolPtr(false)},
		},
	})
	require.NoError(t, err)
	return inv
}

// assertPersistedTotals checks the stored totals equal a fresh computation
// over the stored items.
func (e *testEnv) assertPersistedTotals(t *testing.T, invoiceID snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	ctx := context.Background()

	inv, err := e.svc.GetByID(ctx, invoiceID.String())
	require.NoError(t, err)
	items, err := e.svc.ListItems(ctx, invoiceID.String())
	require.NoError(t, err)

	lines := make([]totals.LineItem, len(items))
	for i := range items {
		lines[i] = items[i].LineItem()
		assert.Equal(t, lines[i].Amount(), items[i].Amount, "item %d amount", i)
	}
	assert.Equal(t, totals.Compute(lines, inv.TaxConfig()), inv.Totals())
	return inv
}

func assertCounter(t *testing.T, env *testEnv, name, help string, value int) {
	t.Helper()

	expected := fmt.Sprintf(`
# HELP %[1]s %[2]s
# TYPE %[1]s counter
%[1]s{env="test",service="invoicecore"} %[3]d
`, name, help, value)
	assert.NoError(t, testutil.GatherAndCompare(env.metrics.Registry(), strings.NewReader(expected), name))
}

func TestCreateInvoice_TaxableOnlyBase(t *testing.T) {
	env := newTestEnv(t)

	inv := env.createBasic(t)
	assert.Equal(t, "SS-2024-0001", inv.InvoiceNumber)
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, inv.Status)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, int64(7000), inv.SubtotalAmount)
	assert.Equal(t, int64(313), inv.TaxAmount)
	assert.Equal(t, int64(7313), inv.TotalAmount)

	stored := env.assertPersistedTotals(t, inv.ID)
	assert.Equal(t, "subtotal=70.00 tax=3.13 total=73.13", stored.Totals().String())
	assert.True(t, dec("6.25").Equal(stored.TaxRate))
	assert.True(t, stored.ApplyTax)

	assertCounter(t, env, "invoicecore_invoices_created_total", "Invoices created with an assigned number.", 1)
}

func TestCreateInvoice_NumbersPerYear(t *testing.T) {
	env := newTestEnv(t)

	first := env.createBasic(t)
	second := env.createBasic(t)
	assert.Equal(t, "SS-2024-0001", first.InvoiceNumber)
	assert.Equal(t, "SS-2024-0002", second.InvoiceNumber)

	env.clock.Set(time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC))
	third := env.createBasic(t)
	assert.Equal(t, "SS-2025-0001", third.InvoiceNumber)

	backdated := time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC)
	fourth, err := env.svc.CreateInvoice(context.Background(), invoicedomain.CreateInvoiceRequest{
		CustomerName: "Late Filing Ltd",
		IssuedAt:     &backdated,
	})
	require.NoError(t, err)
	assert.Equal(t, "SS-2024-0003", fourth.InvoiceNumber)
	assert.Equal(t, int64(0), fourth.TotalAmount)
}

func TestCreateInvoice_ConcurrentCallersGetUniqueNumbers(t *testing.T) {
	env := newTestEnv(t)

	const callers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []string
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := env.svc.CreateInvoice(context.Background(), invoicedomain.CreateInvoiceRequest{
				CustomerName: fmt.Sprintf("customer-%d", i),
				Items: []invoicedomain.ItemRequest{
					{Description: "Item", Quantity: 1, UnitPrice: "10"},
				},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers = append(numbers, inv.InvoiceNumber)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	sort.Strings(numbers)
	expected := make([]string, callers)
	for i := range expected {
		expected[i] = fmt.Sprintf("SS-2024-%04d", i+1)
	}
	assert.Equal(t, expected, numbers)
}

func TestCreateInvoice_ValidationDoesNotConsumeNumber(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		Items: []invoicedomain.ItemRequest{
			{Description: "ok", Quantity: 1, UnitPrice: "1"},
			{Description: "bad", Quantity: -2, UnitPrice: "1"},
		},
	})
	var validationErr *totals.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "items[1].quantity", validationErr.Field)

	_, err = env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		Items:        []invoicedomain.ItemRequest{{Quantity: 1, UnitPrice: "-5"}},
	})
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "items[0].unit_price", validationErr.Field)

	_, err = env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		TaxRate:      strPtr("100"),
		ApplyTax:     true,
		Items:        []invoicedomain.ItemRequest{{Quantity: 1_000_000, UnitPrice: "100000000", Taxable: boolPtr(true)}},
	})
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "items[0].amount", validationErr.Field)

	_, err = env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{CustomerName: " "})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidCustomer)

	_, err = env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{CustomerName: "Acme", Currency: "US"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidCurrency)

	_, err = env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{CustomerName: "Acme", TaxRate: strPtr("101")})
	assert.Error(t, err)

	inv := env.createBasic(t)
	assert.Equal(t, "SS-2024-0001", inv.InvoiceNumber)
}

func TestCreateInvoice_UsesPublishedPriceWhenUnitPriceOmitted(t *testing.T) {
	env := newTestEnv(t)
	ids := env.publish(t, map[string]pricelistdomain.SetEntryRequest{
		"consulting": {UnitPrice: "120.00", Taxable: true},
	})

	inv, err := env.svc.CreateInvoice(context.Background(), invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		Currency:     "eur",
		TaxRate:      strPtr("10"),
		ApplyTax:     true,
		Items: []invoicedomain.ItemRequest{
			{PriceItemID: ids["consulting"].String(), Description: "Consulting", Quantity: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR", inv.Currency)
	assert.Equal(t, int64(36000), inv.SubtotalAmount)
	assert.Equal(t, int64(3600), inv.TaxAmount)

	items, err := env.svc.ListItems(context.Background(), inv.ID.String())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].PriceItemID)
	assert.Equal(t, ids["consulting"], *items[0].PriceItemID)
	assert.True(t, items[0].Taxable)

	_, err = env.svc.CreateInvoice(context.Background(), invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		Items:        []invoicedomain.ItemRequest{{PriceItemID: "987654321", Quantity: 1}},
	})
	assert.ErrorIs(t, err, invoicedomain.ErrPriceItemNotFound)
}

func TestItemMutationsRecomputeTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.createBasic(t)

	updated, err := env.svc.AddItem(ctx, inv.ID.String(), invoicedomain.ItemRequest{
		Description: "Extra", Quantity: 4, UnitPrice: "2.50", Taxable: boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8000), updated.SubtotalAmount)
	assert.Equal(t, int64(375), updated.TaxAmount)
	env.assertPersistedTotals(t, inv.ID)

	items, err := env.svc.ListItems(ctx, inv.ID.String())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{items[0].Position, items[1].Position, items[2].Position})

	updated, err = env.svc.UpdateItem(ctx, inv.ID.String(), items[1].ID.String(), invoicedomain.UpdateItemRequest{
		Quantity: int64Ptr(2),
		Taxable:  boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), updated.SubtotalAmount)
	assert.Equal(t, int64(625), updated.TaxAmount)
	env.assertPersistedTotals(t, inv.ID)

	updated, err = env.svc.RemoveItem(ctx, inv.ID.String(), items[0].ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), updated.SubtotalAmount)
	assert.Equal(t, int64(313), updated.TaxAmount)
	assert.Equal(t, int64(5313), updated.TotalAmount)
	env.assertPersistedTotals(t, inv.ID)

	_, err = env.svc.RemoveItem(ctx, inv.ID.String(), items[0].ID.String())
	assert.ErrorIs(t, err, invoicedomain.ErrItemNotFound)

	_, err = env.svc.UpdateItem(ctx, inv.ID.String(), items[1].ID.String(), invoicedomain.UpdateItemRequest{
		Quantity: int64Ptr(-1),
	})
	var validationErr *totals.ValidationError
	assert.ErrorAs(t, err, &validationErr)
	env.assertPersistedTotals(t, inv.ID)
}

func TestUpdateTax(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.createBasic(t)

	updated, err := env.svc.UpdateTax(ctx, inv.ID.String(), invoicedomain.UpdateTaxRequest{ApplyTax: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.TaxAmount)
	assert.Equal(t, int64(7000), updated.TotalAmount)

	updated, err = env.svc.UpdateTax(ctx, inv.ID.String(), invoicedomain.UpdateTaxRequest{
		TaxRate:  strPtr("10"),
		ApplyTax: boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), updated.TaxAmount)
	stored := env.assertPersistedTotals(t, inv.ID)
	assert.True(t, dec("10").Equal(stored.TaxRate))

	_, err = env.svc.UpdateTax(ctx, inv.ID.String(), invoicedomain.UpdateTaxRequest{TaxRate: strPtr("-3")})
	assert.Error(t, err)
}

func TestRefreshFromPriceList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids := env.publish(t, map[string]pricelistdomain.SetEntryRequest{
		"widget":  {UnitPrice: "25.00", Taxable: false},
		"retired": {UnitPrice: "9.00", Taxable: true},
	})

	inv, err := env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		TaxRate:      strPtr("6.25"),
		ApplyTax:     true,
		Items: []invoicedomain.ItemRequest{
			{PriceItemID: ids["widget"].String(), Description: "Widget", Quantity: 2},
			{PriceItemID: ids["retired"].String(), Description: "Legacy", Quantity: 1},
			{Description: "Manual", Quantity: 1, UnitPrice: "20"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7900), inv.SubtotalAmount)

	// The new version reprices the widget and drops the retired item.
	env.publish(t, map[string]pricelistdomain.SetEntryRequest{
		"widget": {UnitPrice: "30.00", Taxable: true},
	})

	refreshed, err := env.svc.RefreshFromPriceList(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(8900), refreshed.SubtotalAmount)
	assert.Equal(t, int64(431), refreshed.TaxAmount)
	assert.Equal(t, int64(9331), refreshed.TotalAmount)
	env.assertPersistedTotals(t, inv.ID)

	items, err := env.svc.ListItems(ctx, inv.ID.String())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.True(t, dec("30").Equal(items[0].UnitPrice))
	assert.True(t, items[0].Taxable)
	assert.True(t, dec("9").Equal(items[1].UnitPrice))
	assert.True(t, items[1].Taxable)
	assert.True(t, dec("20").Equal(items[2].UnitPrice))
	assert.False(t, items[2].Taxable)

	again, err := env.svc.RefreshFromPriceList(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, refreshed.Totals(), again.Totals())
}

var errWriteFailed = errors.New("write failed")

// failingRepo delegates to the real repository and fails after a chosen
// write has been applied inside the transaction.
type failingRepo struct {
	invoicedomain.Repository

	failOnItemUpdate int
	failTotals       bool
	itemUpdates      int
}

func (r *failingRepo) UpdateItem(ctx context.Context, db *gorm.DB, item *invoicedomain.InvoiceItem) error {
	if err := r.Repository.UpdateItem(ctx, db, item); err != nil {
		return err
	}
	r.itemUpdates++
	if r.itemUpdates == r.failOnItemUpdate {
		return errWriteFailed
	}
	return nil
}

func (r *failingRepo) UpdateTotals(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	if err := r.Repository.UpdateTotals(ctx, db, invoice); err != nil {
		return err
	}
	if r.failTotals {
		return errWriteFailed
	}
	return nil
}

func TestRefreshFromPriceList_FailureLeavesInvoiceUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids := env.publish(t, map[string]pricelistdomain.SetEntryRequest{
		"widget": {UnitPrice: "25.00", Taxable: true},
		"gadget": {UnitPrice: "10.00", Taxable: false},
	})
	inv, err := env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		TaxRate:      strPtr("10"),
		ApplyTax:     true,
		Items: []invoicedomain.ItemRequest{
			{PriceItemID: ids["widget"].String(), Description: "Widget", Quantity: 2},
			{PriceItemID: ids["gadget"].String(), Description: "Gadget", Quantity: 3},
		},
	})
	require.NoError(t, err)
	original := inv.Totals()
	assert.Equal(t, totals.Totals{Subtotal: 8000, Tax: 500, Total: 8500}, original)

	env.publish(t, map[string]pricelistdomain.SetEntryRequest{
		"widget": {UnitPrice: "30.00", Taxable: true},
		"gadget": {UnitPrice: "12.00", Taxable: true},
	})

	realRepo := env.svc.repo
	cases := []struct {
		name string
		repo *failingRepo
	}{
		{"second item update fails", &failingRepo{Repository: realRepo, failOnItemUpdate: 2}},
		{"totals update fails", &failingRepo{Repository: realRepo, failTotals: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env.svc.repo = tc.repo
			t.Cleanup(func() { env.svc.repo = realRepo })

			_, err := env.svc.RefreshFromPriceList(ctx, inv.ID.String())
			require.ErrorIs(t, err, errWriteFailed)

			stored := env.assertPersistedTotals(t, inv.ID)
			assert.Equal(t, original, stored.Totals())

			items, err := env.svc.ListItems(ctx, inv.ID.String())
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.True(t, dec("25").Equal(items[0].UnitPrice))
			assert.True(t, items[0].Taxable)
			assert.True(t, dec("10").Equal(items[1].UnitPrice))
			assert.False(t, items[1].Taxable)
		})
	}

	env.svc.repo = &failingRepo{Repository: realRepo, failOnItemUpdate: 2}
	result, err := env.svc.RefreshDrafts(ctx)
	require.ErrorIs(t, err, errWriteFailed)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, original, env.assertPersistedTotals(t, inv.ID).Totals())

	env.svc.repo = realRepo
	refreshed, err := env.svc.RefreshFromPriceList(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, totals.Totals{Subtotal: 9600, Tax: 960, Total: 10560}, refreshed.Totals())
}

func TestUpdateItem_RejectsOverflowingQuantity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.createBasic(t)

	items, err := env.svc.ListItems(ctx, inv.ID.String())
	require.NoError(t, err)

	_, err = env.svc.UpdateItem(ctx, inv.ID.String(), items[0].ID.String(), invoicedomain.UpdateItemRequest{
		Quantity: int64Ptr(1_000_000_000_000),
	})
	var validationErr *totals.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "items[0].amount", validationErr.Field)

	stored := env.assertPersistedTotals(t, inv.ID)
	assert.Equal(t, inv.Totals(), stored.Totals())
}

func TestRecomputeTotalsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.createBasic(t)

	first, err := env.svc.RecomputeTotals(ctx, inv.ID.String())
	require.NoError(t, err)
	second, err := env.svc.RecomputeTotals(ctx, inv.ID.String())
	require.NoError(t, err)

	assert.Equal(t, inv.Totals(), first.Totals())
	assert.Equal(t, first.Totals(), second.Totals())
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv := env.createBasic(t)
	finalized, err := env.svc.Finalize(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusFinalized, finalized.Status)
	require.NotNil(t, finalized.FinalizedAt)

	_, err = env.svc.Finalize(ctx, inv.ID.String())
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	for name, call := range map[string]func() error{
		"add_item": func() error {
			_, err := env.svc.AddItem(ctx, inv.ID.String(), invoicedomain.ItemRequest{Quantity: 1, UnitPrice: "1"})
			return err
		},
		"update_tax": func() error {
			_, err := env.svc.UpdateTax(ctx, inv.ID.String(), invoicedomain.UpdateTaxRequest{ApplyTax: boolPtr(false)})
			return err
		},
		"refresh": func() error {
			_, err := env.svc.RefreshFromPriceList(ctx, inv.ID.String())
			return err
		},
		"recompute": func() error {
			_, err := env.svc.RecomputeTotals(ctx, inv.ID.String())
			return err
		},
	} {
		assert.ErrorIs(t, call(), invoicedomain.ErrInvoiceNotDraft, name)
	}

	paid, err := env.svc.MarkPaid(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	_, err = env.svc.Void(ctx, inv.ID.String(), "duplicate")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	draft := env.createBasic(t)
	_, err = env.svc.MarkPaid(ctx, draft.ID.String())
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	voided, err := env.svc.Void(ctx, draft.ID.String(), "customer cancelled")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, voided.Status)
	assert.Equal(t, "customer cancelled", voided.Metadata["void_reason"])

	stored, err := env.svc.GetByID(ctx, draft.ID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, stored.Status)
	assert.Equal(t, "SS-2024-0002", stored.InvoiceNumber)

	next := env.createBasic(t)
	assert.Equal(t, "SS-2024-0003", next.InvoiceNumber)
}

func TestRefreshDrafts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids := env.publish(t, map[string]pricelistdomain.SetEntryRequest{
		"widget": {UnitPrice: "10.00"},
	})
	create := func() *invoicedomain.Invoice {
		inv, err := env.svc.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
			CustomerName: "Acme Corp",
			Items: []invoicedomain.ItemRequest{
				{PriceItemID: ids["widget"].String(), Quantity: 1},
			},
		})
		require.NoError(t, err)
		return inv
	}

	draftA := create()
	draftB := create()
	finalized := create()
	_, err := env.svc.Finalize(ctx, finalized.ID.String())
	require.NoError(t, err)

	env.publish(t, map[string]pricelistdomain.SetEntryRequest{
		"widget": {UnitPrice: "12.00"},
	})

	result, err := env.svc.RefreshDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.RefreshDraftsResult{Scanned: 2, Refreshed: 2}, result)

	for _, id := range []snowflake.ID{draftA.ID, draftB.ID} {
		inv, err := env.svc.GetByID(ctx, id.String())
		require.NoError(t, err)
		assert.Equal(t, int64(1200), inv.TotalAmount)
	}
	inv, err := env.svc.GetByID(ctx, finalized.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), inv.TotalAmount)
}

func TestRoundingAuditLogsDiscrepancy(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.svc.CreateInvoice(context.Background(), invoicedomain.CreateInvoiceRequest{
		CustomerName: "Fractional Pricing Inc",
		Items: []invoicedomain.ItemRequest{
			{Description: "a", Quantity: 1, UnitPrice: "0.125"},
			{Description: "b", Quantity: 1, UnitPrice: "0.125"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(26), inv.SubtotalAmount)
	env.assertPersistedTotals(t, inv.ID)

	entries := env.logs.FilterMessage("invoice.totals.rounding_discrepancy").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "subtotal=0.26 tax=0.00 total=0.26", fields["persisted"])
	assert.Equal(t, "subtotal=0.25 tax=0.00 total=0.25", fields["decimal"])

	assertCounter(t, env, "invoicecore_rounding_discrepancies_total",
		"Recomputes where the decimal strategy disagreed with persisted totals.", 1)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created := []*invoicedomain.Invoice{env.createBasic(t), env.createBasic(t), env.createBasic(t)}
	_, err := env.svc.Finalize(ctx, created[1].ID.String())
	require.NoError(t, err)

	page, err := env.svc.List(ctx, invoicedomain.ListInvoiceRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, created[0].ID, page.Invoices[0].ID)

	next, err := env.svc.List(ctx, invoicedomain.ListInvoiceRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, next.Invoices, 1)
	assert.False(t, next.HasMore)
	assert.Equal(t, created[2].ID, next.Invoices[0].ID)

	drafts := invoicedomain.InvoiceStatusDraft
	filtered, err := env.svc.List(ctx, invoicedomain.ListInvoiceRequest{Status: &drafts})
	require.NoError(t, err)
	assert.Len(t, filtered.Invoices, 2)

	_, err = env.svc.List(ctx, invoicedomain.ListInvoiceRequest{Pagination: pagination.Pagination{PageToken: "!!"}})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}

func TestGetByIDErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.GetByID(ctx, "not-an-id")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidInvoiceID)

	_, err = env.svc.GetByID(ctx, "123456789")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	_, err = env.svc.RecomputeTotals(ctx, "123456789")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

// stuckCounter always hands out the same value, as a redis counter does
// after losing its state.
type stuckCounter struct{ value int64 }

func (stuckCounter) Backend() string { return sequence.BackendRedis }

func (c stuckCounter) Next(context.Context, *gorm.DB, int) (int64, error) { return c.value, nil }

func TestCreateInvoice_DuplicateNumber(t *testing.T) {
	env := newTestEnv(t)
	env.svc.numberer = sequence.NewNumberer(stuckCounter{value: 7}, config.NewStaticInvoicingConfig(config.DefaultInvoicingConfig()), zap.NewNop())

	req := invoicedomain.CreateInvoiceRequest{
		CustomerName: "Acme Corp",
		Items:        []invoicedomain.ItemRequest{{Description: "Widget", Quantity: 1, UnitPrice: "10.00"}},
	}

	first, err := env.svc.CreateInvoice(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "SS-2024-0007", first.InvoiceNumber)

	_, err = env.svc.CreateInvoice(context.Background(), req)
	require.ErrorIs(t, err, invoicedomain.ErrDuplicateInvoiceNumber)

	var count int64
	require.NoError(t, env.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	expected := `
# HELP invoicecore_sequence_errors_total Invoice number counter failures by backend.
# TYPE invoicecore_sequence_errors_total counter
invoicecore_sequence_errors_total{backend="redis",env="test",service="invoicecore"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(env.metrics.Registry(), strings.NewReader(expected), "invoicecore_sequence_errors_total"))
}

func TestRefreshDrafts_Locked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env.svc.locker = lock.NewLocker(client)

	env.createBasic(t)

	require.NoError(t, mr.Set(refreshDraftsLockKey, "another-run"))
	_, err := env.svc.RefreshDrafts(ctx)
	require.ErrorIs(t, err, invoicedomain.ErrRefreshInProgress)

	mr.Del(refreshDraftsLockKey)
	result, err := env.svc.RefreshDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.False(t, mr.Exists(refreshDraftsLockKey))
}

func TestCreateInvoice_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	env := newTestEnv(t)
	inv := env.createBasic(t)

	_, err := env.svc.Finalize(context.Background(), "not-an-id")
	require.Error(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
		if span.Name() == "invoice.create" {
			assert.Contains(t, span.Attributes(), attribute.String("invoice.number", inv.InvoiceNumber))
		}
		if span.Name() == "invoice.transition" {
			assert.Equal(t, codes.Error, span.Status().Code)
		}
	}
	assert.Contains(t, names, "invoice.create")
	assert.Contains(t, names, "invoice.transition")
}
