// Package observability provides OpenTelemetry tracing and RED metrics
// (rate, errors, duration) for commits, appends, sync rounds and folds.
//
// A nil *Provider and a disabled Provider are both valid: every method
// becomes a no-op, so components never check for telemetry themselves.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/Misty4119/nds-api"

// Config configures the OpenTelemetry providers.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Insecure       bool
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	MetricInterval time.Duration
}

// DefaultConfig returns disabled telemetry with sensible endpoints.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "nds",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider owns the trace and metric providers and the RED instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requests  metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram
	active    metric.Int64UpDownCounter
	events    metric.Int64Counter
	conflicts metric.Int64Counter
}

// New creates a provider exporting over OTLP gRPC. A disabled config
// returns a provider whose methods do nothing.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// NewWithReader builds a provider that reports metrics to reader and does
// not trace. Used by tests and by `nds status` to read counters in-process.
func NewWithReader(reader sdkmetric.Reader) (*Provider, error) {
	p := &Provider{
		config:        Config{Enabled: true, ServiceName: "nds"},
		logger:        slog.Default().With("component", "observability"),
		meterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		tracer:        noop.NewTracerProvider().Tracer(instrumentationName),
	}
	p.meter = p.meterProvider.Meter(instrumentationName)
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requests, err = p.meter.Int64Counter("nds.operations.total",
		metric.WithDescription("Operations started, by operation name"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("nds.errors.total",
		metric.WithDescription("Failed operations, by operation name and error code"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("nds.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("nds.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.events, err = p.meter.Int64Counter("nds.events.total",
		metric.WithDescription("Events appended, received or folded"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.conflicts, err = p.meter.Int64Counter("nds.conflicts.total",
		metric.WithDescription("Concurrent updates resolved"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Enabled reports whether instruments are live.
func (p *Provider) Enabled() bool {
	return p != nil && p.requests != nil
}

// StartSpan starts a span. Without tracing it returns a non-recording span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName).Start(ctx, name, opts...)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// TrackOperation starts a span and the RED bookkeeping for one operation.
// Call the returned function with the operation's error when it finishes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if !p.Enabled() {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	opAttrs := append([]attribute.KeyValue{attribute.String("nds.operation", name)}, attrs...)
	p.active.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	p.requests.Add(ctx, 1, metric.WithAttributes(opAttrs...))

	return ctx, func(err error) {
		p.active.Add(ctx, -1, metric.WithAttributes(opAttrs...))
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
		if err != nil {
			span.RecordError(err)
			errAttrs := append(opAttrs, attribute.String("nds.error_code", errorCode(err)))
			p.errors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		}
		span.End()
	}
}

// RecordEvents counts events moving through stage ("append", "receive",
// "fold").
func (p *Provider) RecordEvents(ctx context.Context, stage string, n int, attrs ...attribute.KeyValue) {
	if !p.Enabled() || n == 0 {
		return
	}
	all := append([]attribute.KeyValue{attribute.String("nds.stage", stage)}, attrs...)
	p.events.Add(ctx, int64(n), metric.WithAttributes(all...))
}

// RecordConflict counts one resolved concurrent pair.
func (p *Provider) RecordConflict(ctx context.Context, asset, policy string) {
	if !p.Enabled() {
		return
	}
	p.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("nds.asset", asset),
		attribute.String("nds.policy", policy),
	))
}
