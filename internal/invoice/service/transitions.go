package service

import (
	"context"
	"slices"
	"strings"
	"time"

	invoicedomain "github.com/smallbiznis/invoicecore/internal/invoice/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Finalize freezes a draft. Totals and items can no longer change.
func (s *Service) Finalize(ctx context.Context, invoiceID string) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatusFinalized,
		[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusDraft},
		func(invoice *invoicedomain.Invoice, now time.Time) {
			invoice.FinalizedAt = &now
		},
	)
}

func (s *Service) MarkPaid(ctx context.Context, invoiceID string) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatusPaid,
		[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusFinalized},
		func(invoice *invoicedomain.Invoice, now time.Time) {
			invoice.PaidAt = &now
		},
	)
}

// Void cancels a draft or finalized invoice. Its number stays allocated.
func (s *Service) Void(ctx context.Context, invoiceID string, reason string) (*invoicedomain.Invoice, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatusVoid,
		[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusFinalized},
		func(invoice *invoicedomain.Invoice, now time.Time) {
			invoice.VoidedAt = &now
			if reason != "" {
				invoice.Metadata["void_reason"] = reason
			}
		},
	)
}

func (s *Service) transition(
	ctx context.Context,
	invoiceID string,
	to invoicedomain.InvoiceStatus,
	from []invoicedomain.InvoiceStatus,
	apply func(invoice *invoicedomain.Invoice, now time.Time),
) (*invoicedomain.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoice.transition", trace.WithAttributes(
		attribute.String("invoice.id", invoiceID),
		attribute.String("invoice.status", string(to)),
	))
	invoice, err := s.applyTransition(ctx, invoiceID, to, from, apply)
	endSpan(span, err)
	return invoice, err
}

func (s *Service) applyTransition(
	ctx context.Context,
	invoiceID string,
	to invoicedomain.InvoiceStatus,
	from []invoicedomain.InvoiceStatus,
	apply func(invoice *invoicedomain.Invoice, now time.Time),
) (*invoicedomain.Invoice, error) {
	id, err := parseID(invoiceID)
	if err != nil {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}

	var (
		invoice  *invoicedomain.Invoice
		previous invoicedomain.InvoiceStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invoice, err = s.loadInvoiceForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(from, invoice.Status) {
			return invoicedomain.ErrInvalidTransition
		}

		previous = invoice.Status
		now := s.clock.Now()
		if invoice.Metadata == nil {
			invoice.Metadata = datatypes.JSONMap{}
		}
		invoice.Status = to
		invoice.UpdatedAt = now
		apply(invoice, now)
		return s.repo.UpdateStatus(ctx, tx, invoice)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice status changed",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("from", string(previous)),
		zap.String("to", string(to)),
	)
	return invoice, nil
}
