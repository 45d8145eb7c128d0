package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InvoicingConfig is the invoicing policy that can change without a restart.
type InvoicingConfig struct {
	NumberTemplate  string `mapstructure:"numberTemplate"`
	NumberPrefix    string `mapstructure:"numberPrefix"`
	DefaultCurrency string `mapstructure:"defaultCurrency"`
	DefaultTaxRate  string `mapstructure:"defaultTaxRate"`
	// AuditRounding compares every recompute against the decimal strategy.
	AuditRounding bool `mapstructure:"auditRounding"`
}

func DefaultInvoicingConfig() InvoicingConfig {
	return InvoicingConfig{
		NumberTemplate:  "{PREFIX}-{YYYY}-{SEQ4}",
		NumberPrefix:    "SS",
		DefaultCurrency: "USD",
		DefaultTaxRate:  "0",
		AuditRounding:   true,
	}
}

type InvoicingConfigHolder struct {
	current atomic.Value // holds InvoicingConfig
}

// NewStaticInvoicingConfig returns a holder that never reloads.
func NewStaticInvoicingConfig(cfg InvoicingConfig) *InvoicingConfigHolder {
	holder := &InvoicingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewInvoicingConfigHolder(cfg Config, log *zap.Logger) (*InvoicingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("invoicing.config")

	v := viper.New()

	v.SetConfigName("invoicing")
	v.SetConfigType("yml")
	if cfg.InvoicingConfigPath != "" {
		v.AddConfigPath(cfg.InvoicingConfigPath)
	}
	v.AddConfigPath("/etc/invoicecore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("INVOICECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultInvoicingConfig()
	v.SetDefault("invoicing.numberTemplate", defaults.NumberTemplate)
	v.SetDefault("invoicing.numberPrefix", defaults.NumberPrefix)
	v.SetDefault("invoicing.defaultCurrency", defaults.DefaultCurrency)
	v.SetDefault("invoicing.defaultTaxRate", defaults.DefaultTaxRate)
	v.SetDefault("invoicing.auditRounding", defaults.AuditRounding)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var current InvoicingConfig
	if err := v.UnmarshalKey("invoicing", &current); err != nil {
		return nil, err
	}
	if err := validateInvoicingConfig(current); err != nil {
		return nil, err
	}

	holder := NewStaticInvoicingConfig(current)
	if !fileLoaded {
		log.Info("invoicing config file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated InvoicingConfig
		if err := v.UnmarshalKey("invoicing", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validateInvoicingConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *InvoicingConfigHolder) Get() InvoicingConfig {
	if h == nil {
		return DefaultInvoicingConfig()
	}
	return h.current.Load().(InvoicingConfig)
}

func validateInvoicingConfig(cfg InvoicingConfig) error {
	if strings.TrimSpace(cfg.NumberTemplate) == "" {
		return errors.New("invoicing.numberTemplate cannot be empty")
	}
	if !strings.Contains(cfg.NumberTemplate, "{SEQ") {
		return errors.New("invoicing.numberTemplate must contain a {SEQ} token")
	}
	if strings.TrimSpace(cfg.DefaultCurrency) == "" {
		return errors.New("invoicing.defaultCurrency cannot be empty")
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.DefaultTaxRate))
	if err != nil {
		return fmt.Errorf("invoicing.defaultTaxRate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("invoicing.defaultTaxRate must be between 0 and 100")
	}
	return nil
}
