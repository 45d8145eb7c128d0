package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dbpkg "github.com/smallbiznis/invoicecore/pkg/db"
)

// Config configures metric labels.
type Config struct {
	Enabled     bool
	ServiceName string
	Environment string
}

const (
	TriggerCreate      = "create"
	TriggerItemAdded   = "item_added"
	TriggerItemUpdated = "item_updated"
	TriggerItemRemoved = "item_removed"
	TriggerTaxUpdated  = "tax_updated"
	TriggerPriceList   = "price_list_refresh"
	TriggerRecompute   = "recompute"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonUniqueViolation      = "unique_violation"
	ReasonSerializationFailure = "serialization_failure"
	ReasonNotFound             = "not_found"
	ReasonUnknown              = "unknown"
)

// InvoiceMetrics captures invoicing health signals. A nil *InvoiceMetrics
// is valid and records nothing.
type InvoiceMetrics struct {
	registry              *prometheus.Registry
	invoicesCreated       prometheus.Counter
	totalsRecomputed      *prometheus.CounterVec
	roundingDiscrepancies prometheus.Counter
	sequenceErrors        *prometheus.CounterVec
	refreshFailures       *prometheus.CounterVec
}

// New returns invoice metrics registered on a dedicated registry.
func New(cfg Config) *InvoiceMetrics {
	return NewWithRegistry(prometheus.NewRegistry(), cfg)
}

func NewWithRegistry(registry *prometheus.Registry, cfg Config) *InvoiceMetrics {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "invoicecore"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &InvoiceMetrics{
		registry: registry,
		invoicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoicecore_invoices_created_total",
			Help:        "Invoices created with an assigned number.",
			ConstLabels: constLabels,
		}),
		totalsRecomputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "invoicecore_totals_recomputed_total",
			Help:        "Invoice totals recomputations by trigger.",
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		roundingDiscrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoicecore_rounding_discrepancies_total",
			Help:        "Recomputes where the decimal strategy disagreed with persisted totals.",
			ConstLabels: constLabels,
		}),
		sequenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "invoicecore_sequence_errors_total",
			Help:        "Invoice number counter failures by backend.",
			ConstLabels: constLabels,
		}, []string{"backend"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "invoicecore_refresh_failures_total",
			Help:        "Draft refresh failures by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.invoicesCreated,
		m.totalsRecomputed,
		m.roundingDiscrepancies,
		m.sequenceErrors,
		m.refreshFailures,
	)
	return m
}

// Registry exposes the underlying registry for pushing or scraping.
func (m *InvoiceMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *InvoiceMetrics) IncInvoicesCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}

func (m *InvoiceMetrics) RecordRecompute(trigger string) {
	if m == nil {
		return
	}
	m.totalsRecomputed.WithLabelValues(normalizeLabel(trigger)).Inc()
}

func (m *InvoiceMetrics) RecordRoundingDiscrepancy() {
	if m == nil {
		return
	}
	m.roundingDiscrepancies.Inc()
}

func (m *InvoiceMetrics) RecordSequenceError(backend string) {
	if m == nil {
		return
	}
	m.sequenceErrors.WithLabelValues(normalizeLabel(backend)).Inc()
}

func (m *InvoiceMetrics) RecordRefreshFailure(err error) {
	if m == nil {
		return
	}
	m.refreshFailures.WithLabelValues(ClassifyError(err)).Inc()
}

// ClassifyError maps err to a bounded reason label.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonDeadlineExceeded
	case dbpkg.IsDuplicateKeyErr(err):
		return ReasonUniqueViolation
	case dbpkg.IsSerializationFailure(err):
		return ReasonSerializationFailure
	case dbpkg.IsNotFoundErr(err):
		return ReasonNotFound
	default:
		return ReasonUnknown
	}
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ReasonUnknown
	}
	return value
}
