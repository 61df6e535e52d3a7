// Package telemetry owns the OpenTelemetry meter provider and the attribute helpers
// shared by relay instruments.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName        = "relay"
	serviceVersion     = "1.0.0"
	defaultEndpoint    = "localhost:4318"
	defaultEnvironment = "development"
)

var environment atomic.Pointer[string]

// histogramBuckets maps relay histograms to explicit bucket boundaries in milliseconds.
var histogramBuckets = map[string][]float64{
	"relay_queue_job_duration_ms":      {1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000, 300000},
	"relay_outbox_handler_duration_ms": {0.5, 1, 5, 10, 25, 50, 100, 250, 1000, 10000},
}

// Config defines OpenTelemetry configuration parameters.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	EnableMetrics    bool
	MetricInterval   time.Duration
	ShutdownTimeout  time.Duration
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig reads the standard OTEL_* variables. RELAY_ENV names the environment when
// OTEL_RESOURCE_ENVIRONMENT is unset.
func DefaultConfig() Config {
	return Config{
		Enabled:          !envFalse("OTEL_ENABLED"),
		OTLPEndpoint:     envOr("OTEL_EXPORTER_OTLP_ENDPOINT", defaultEndpoint),
		OTLPInsecure:     strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true"),
		EnableMetrics:    !envFalse("OTEL_METRICS_ENABLED"),
		MetricInterval:   30 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		ServiceName:      envOr("OTEL_SERVICE_NAME", serviceName),
		ServiceVersion:   serviceVersion,
		ServiceNamespace: strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAMESPACE")),
		Environment:      envOr("OTEL_RESOURCE_ENVIRONMENT", envOr("RELAY_ENV", defaultEnvironment)),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envFalse(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "false")
}

// Provider manages the meter provider. A disabled provider leaves the global no-op meter in place.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider records the environment label and, when enabled, installs an OTLP/HTTP
// meter provider as the global one. Components resolve their meters at construction,
// so call this before building them.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	setEnvironment(cfg.Environment)

	p := &Provider{config: cfg}
	if !cfg.Enabled || !cfg.EnableMetrics {
		return p, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return nil, fmt.Errorf("create meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	p.meterProvider = mp
	return p, nil
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.meterProvider != nil
}

// Shutdown flushes pending metrics. Without a deadline on ctx the configured shutdown
// timeout applies.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && p.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ShutdownTimeout)
		defer cancel()
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// Meter returns a meter with the given name.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if !p.Enabled() {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, AttrEnvironment.String(strings.ToLower(cfg.Environment)))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint)),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(histogramViews()...),
	), nil
}

func histogramViews() []sdkmetric.View {
	views := make([]sdkmetric.View, 0, len(histogramBuckets))
	for name, bounds := range histogramBuckets {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		))
	}
	return views
}

// stripScheme removes an http:// or https:// prefix; the OTLP HTTP exporter wants host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

func setEnvironment(env string) {
	normalized := strings.ToLower(strings.TrimSpace(env))
	environment.Store(&normalized)
}

// Environment returns the environment label attached to every relay instrument.
func Environment() string {
	if env := environment.Load(); env != nil && *env != "" {
		return *env
	}
	return defaultEnvironment
}
