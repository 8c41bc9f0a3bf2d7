package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	recognized      metric.Int64Counter
	recognizedCents metric.Int64Counter
	reversals       metric.Int64Counter
	reversalCents   metric.Int64Counter
	ledgerEntries   metric.Int64Counter
	reconRuns       metric.Int64Counter
	alertDispatches metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "revrec"
	}
	meter := provider.Meter(name)

	recognized, err := meter.Int64Counter("revrec_revenue_recognized_total")
	if err != nil {
		return nil, err
	}
	recognizedCents, err := meter.Int64Counter("revrec_revenue_recognized_cents_total")
	if err != nil {
		return nil, err
	}
	reversals, err := meter.Int64Counter("revrec_revenue_reversals_total")
	if err != nil {
		return nil, err
	}
	reversalCents, err := meter.Int64Counter("revrec_revenue_reversal_cents_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("revrec_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	reconRuns, err := meter.Int64Counter("revrec_reconciliation_runs_total")
	if err != nil {
		return nil, err
	}
	alertDispatches, err := meter.Int64Counter("revrec_alert_dispatches_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		recognized:      recognized,
		recognizedCents: recognizedCents,
		reversals:       reversals,
		reversalCents:   reversalCents,
		ledgerEntries:   ledgerEntries,
		reconRuns:       reconRuns,
		alertDispatches: alertDispatches,
	}, nil
}

// RecordRecognition counts recognized revenue by source.
func (m *Metrics) RecordRecognition(ctx context.Context, source, currency string, amountCents int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("currency", strings.TrimSpace(currency)),
	)
	m.recognized.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.recognizedCents.Add(ctx, amountCents, metric.WithAttributes(attrs...))
}

// RecordReversal counts refund-driven revenue reversals.
func (m *Metrics) RecordReversal(ctx context.Context, source, currency string, amountCents int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("currency", strings.TrimSpace(currency)),
	)
	m.reversals.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.reversalCents.Add(ctx, amountCents, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, entryType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_type", strings.TrimSpace(entryType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconciliationRun increments run counts by outcome severity.
func (m *Metrics) RecordReconciliationRun(ctx context.Context, status, severity string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("severity", strings.TrimSpace(severity)),
	)
	m.reconRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAlertDispatch increments alert dispatch counts per channel.
func (m *Metrics) RecordAlertDispatch(ctx context.Context, channel, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.alertDispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"source":     {},
	"currency":   {},
	"entry_type": {},
	"status":     {},
	"severity":   {},
	"channel":    {},
	"outcome":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
