package sequence

import (
	"context"

	"github.com/smallbiznis/invoicecore/internal/config"
	"github.com/smallbiznis/invoicecore/internal/invoice/format"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Numberer turns counter values into formatted invoice numbers.
type Numberer struct {
	counter Counter
	cfg     *config.InvoicingConfigHolder
	log     *zap.Logger
}

func NewNumberer(counter Counter, cfg *config.InvoicingConfigHolder, log *zap.Logger) *Numberer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Numberer{
		counter: counter,
		cfg:     cfg,
		log:     log.Named("invoice.sequence"),
	}
}

func (n *Numberer) Backend() string {
	return n.counter.Backend()
}

// NextInvoiceNumber allocates the next number for year using tx where the
// backend supports it.
func (n *Numberer) NextInvoiceNumber(ctx context.Context, tx *gorm.DB, year int) (string, error) {
	seq, err := n.counter.Next(ctx, tx, year)
	if err != nil {
		n.log.Error("invoice sequence allocation failed",
			zap.String("backend", n.counter.Backend()),
			zap.Int("year", year),
			zap.Error(err),
		)
		return "", err
	}

	cfg := n.cfg.Get()
	number, err := format.FormatInvoiceNumber(cfg.NumberTemplate, cfg.NumberPrefix, year, seq)
	if err != nil {
		return "", err
	}

	n.log.Debug("invoice number allocated",
		zap.String("backend", n.counter.Backend()),
		zap.Int("year", year),
		zap.Int64("sequence", seq),
		zap.String("invoice_number", number),
	)
	return number, nil
}
