// Package telemetry wires OpenTelemetry metrics for syncwarden and exposes
// the instruments the dispatch, breaker, token and sync layers record into.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/syncwarden/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// DefaultServiceName is reported when no service name is configured.
	DefaultServiceName = "syncwarden"

	// DefaultExportInterval is the OTLP push interval.
	DefaultExportInterval = 60 * time.Second
)

// MeterProviderOption configures NewMeterProvider.
type MeterProviderOption func(*meterProviderConfig)

type meterProviderConfig struct {
	enabled        bool
	exporter       string
	serviceName    string
	serviceVersion string
	endpoint       string
	insecure       bool
	interval       time.Duration
}

// WithEnabled turns metrics on or off.
func WithEnabled(enabled bool) MeterProviderOption {
	return func(cfg *meterProviderConfig) { cfg.enabled = enabled }
}

// WithExporter selects the prometheus or otlp exporter.
func WithExporter(exporter string) MeterProviderOption {
	return func(cfg *meterProviderConfig) { cfg.exporter = exporter }
}

// WithServiceName sets the service.name resource attribute.
func WithServiceName(name string) MeterProviderOption {
	return func(cfg *meterProviderConfig) { cfg.serviceName = name }
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(version string) MeterProviderOption {
	return func(cfg *meterProviderConfig) { cfg.serviceVersion = version }
}

// WithEndpoint sets the OTLP collector endpoint.
func WithEndpoint(endpoint string) MeterProviderOption {
	return func(cfg *meterProviderConfig) { cfg.endpoint = endpoint }
}

// WithInsecure disables TLS for the OTLP exporter.
func WithInsecure(insecure bool) MeterProviderOption {
	return func(cfg *meterProviderConfig) { cfg.insecure = insecure }
}

// WithExportInterval sets the OTLP push interval.
func WithExportInterval(d time.Duration) MeterProviderOption {
	return func(cfg *meterProviderConfig) { cfg.interval = d }
}

// OptionsFromConfig maps the telemetry config section to options.
func OptionsFromConfig(cfg config.TelemetryConfig) []MeterProviderOption {
	return []MeterProviderOption{
		WithEnabled(cfg.Enabled),
		WithExporter(cfg.Exporter),
		WithServiceName(cfg.ServiceName),
		WithEndpoint(cfg.OTLPEndpoint),
		WithExportInterval(cfg.ExportInterval),
	}
}

// Provider owns the meter provider and, for the prometheus exporter, the
// scrape handler.
type Provider struct {
	metric.MeterProvider
	handler  http.Handler
	shutdown func(context.Context) error
}

// Handler returns the /metrics handler, or nil when metrics are not
// exported for scraping.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// NewMeterProvider creates the process meter provider. A no-op provider is
// returned when metrics are disabled. The caller must call Shutdown.
func NewMeterProvider(ctx context.Context, opts ...MeterProviderOption) (*Provider, error) {
	cfg := &meterProviderConfig{
		exporter:       config.ExporterPrometheus,
		serviceName:    DefaultServiceName,
		serviceVersion: "unknown",
		interval:       DefaultExportInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if !cfg.enabled {
		slog.Info("metrics disabled, using no-op meter provider")
		return &Provider{MeterProvider: noop.NewMeterProvider()}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceVersion(cfg.serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{}
	var reader sdkmetric.Reader
	switch cfg.exporter {
	case config.ExporterPrometheus:
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exporter
		p.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	case config.ExporterOTLP:
		exporter, err := createOTLPMetricsExporter(ctx, cfg.endpoint, cfg.insecure)
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.interval))
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.exporter)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	p.MeterProvider = mp
	p.shutdown = mp.Shutdown

	slog.Info("metrics initialized", "exporter", cfg.exporter, "endpoint", cfg.endpoint)
	return p, nil
}

func createOTLPMetricsExporter(ctx context.Context, endpoint string, insecure bool) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return exporter, nil
}
