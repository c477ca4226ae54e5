package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OTelConfig configures the OTLP metric export.
type OTelConfig struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string // e.g. "localhost:4317"
	Insecure     bool
	Enabled      bool
}

// Provider exports the federation RED metrics over OTLP. When
// disabled it degrades to no-ops so call sites stay unconditional.
type Provider struct {
	enabled       bool
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// NewProvider initializes OTLP metric export.
func NewProvider(ctx context.Context, cfg OTelConfig) (*Provider, error) {
	p := &Provider{
		enabled: cfg.Enabled,
		logger:  slog.Default().With("component", "metrics"),
	}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "otlp export disabled")
		return p, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := p.meterProvider.Meter("fedhub")
	if p.requestCounter, err = meter.Int64Counter("fedhub.federation.requests",
		metric.WithDescription("Cross-instance federation requests")); err != nil {
		return nil, err
	}
	if p.errorCounter, err = meter.Int64Counter("fedhub.federation.errors",
		metric.WithDescription("Cross-instance federation request failures")); err != nil {
		return nil, err
	}
	if p.durationHist, err = meter.Float64Histogram("fedhub.federation.duration",
		metric.WithDescription("Federation request duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordRequest commits one federation call outcome.
func (p *Provider) RecordRequest(ctx context.Context, operation, target string, err error, elapsed time.Duration) {
	if !p.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("target", target),
	)
	p.requestCounter.Add(ctx, 1, attrs)
	if err != nil {
		p.errorCounter.Add(ctx, 1, attrs)
	}
	p.durationHist.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
