package observability

import (
	"context"
	"time"

	"github.com/smallbiznis/invoicecore/internal/config"
	"github.com/smallbiznis/invoicecore/internal/observability/metrics"
	"github.com/smallbiznis/invoicecore/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pushTimeout = 5 * time.Second

var Module = fx.Module("observability",
	fx.Provide(
		provideMetricsConfig,
		provideInvoiceMetrics,
		provideTracingConfig,
		tracing.NewProvider,
	),
	fx.Invoke(ensureTracingProvider),
	fx.Invoke(registerMetricsPush),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}

func provideTracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.AppName,
		ServiceVersion:   cfg.AppVersion,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:     cfg.MetricsEnabled,
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	}
}

// provideInvoiceMetrics returns nil when metrics are disabled; callers
// treat a nil recorder as a no-op.
func provideInvoiceMetrics(cfg metrics.Config) *metrics.InvoiceMetrics {
	if !cfg.Enabled {
		return nil
	}
	return metrics.New(cfg)
}

func registerMetricsPush(lc fx.Lifecycle, cfg config.Config, m *metrics.InvoiceMetrics, log *zap.Logger) {
	if m == nil || cfg.MetricsPushgatewayURL == "" {
		return
	}

	pusher := metrics.NewPushgatewayPusher(cfg.MetricsPushgatewayURL, cfg.AppName, map[string]string{
		"environment": cfg.Environment,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, pushTimeout)
			defer cancel()
			if err := pusher.Push(ctx, m.Registry()); err != nil {
				log.Warn("metrics push failed", zap.Error(err))
			}
			return nil
		},
	})
}
