// Package observability wires OpenTelemetry tracing and RED metrics for the
// oplog store, writer, replay engine and archiver.
//
// A nil *Provider is valid and records nothing, so components can take one
// as an optional dependency.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

const instrumentationName = "helm.durable"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool
	Insecure       bool   // Use insecure connection (dev only)
	CAFile         string // Optional CA bundle for the collector
}

// DefaultConfig returns production defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-durable",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the OpenTelemetry providers and the oplog instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	inst           *instruments
}

type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
	entries    metric.Int64Counter
	batchSize  metric.Int64Histogram
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	creds, err := p.collectorCredentials()
	if err != nil {
		return nil, err
	}
	if err := p.initTracing(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetrics(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.useMeter(otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))); err != nil {
		return nil, fmt.Errorf("failed to create oplog instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// collectorCredentials returns the TLS credentials for the collector, or
// nil for a plaintext or system-trust connection.
func (p *Provider) collectorCredentials() (credentials.TransportCredentials, error) {
	if p.config.Insecure || p.config.CAFile == "" {
		return nil, nil
	}
	creds, err := credentials.NewClientTLSFromFile(p.config.CAFile, "")
	if err != nil {
		return nil, fmt.Errorf("load collector CA %s: %w", p.config.CAFile, err)
	}
	return creds, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else if creds != nil {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(p.config.SampleRate))),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else if creds != nil {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// useMeter creates the oplog instruments on m.
func (p *Provider) useMeter(m metric.Meter) error {
	var (
		inst instruments
		err  error
	)
	if inst.operations, err = m.Int64Counter("oplog.operations.total",
		metric.WithDescription("Oplog operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if inst.failures, err = m.Int64Counter("oplog.errors.total",
		metric.WithDescription("Failed oplog operations by error class"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if inst.duration, err = m.Float64Histogram("oplog.operation.duration",
		metric.WithDescription("Oplog operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30)); err != nil {
		return err
	}
	if inst.active, err = m.Int64UpDownCounter("oplog.operations.active",
		metric.WithDescription("Oplog operations in progress"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if inst.entries, err = m.Int64Counter("oplog.entries.total",
		metric.WithDescription("Entries appended, archived or replayed"),
		metric.WithUnit("{entry}")); err != nil {
		return err
	}
	if inst.batchSize, err = m.Int64Histogram("oplog.commit.entries",
		metric.WithDescription("Entries written by one commit"),
		metric.WithUnit("{entry}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 32, 64, 128, 256, 512)); err != nil {
		return err
	}
	p.meter = m
	p.inst = &inst
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

// Tracer returns the configured tracer or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter or the global one.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordEntries counts entries moved by an operation.
func (p *Provider) RecordEntries(ctx context.Context, n int, attrs ...attribute.KeyValue) {
	if p == nil || p.inst == nil || n == 0 {
		return
	}
	p.inst.entries.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

// RecordCommit records the size of one writer commit.
func (p *Provider) RecordCommit(ctx context.Context, n int, ephemeral bool) {
	if p == nil || p.inst == nil {
		return
	}
	p.inst.batchSize.Record(ctx, int64(n), metric.WithAttributes(AttrEphemeral.Bool(ephemeral)))
}

// ErrorClass buckets err for the error counter.
func ErrorClass(err error) string {
	var capErr *oplog.CapacityError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, oplog.ErrDivergence):
		return "divergence"
	case oplog.IsIntegrity(err):
		return "integrity"
	case errors.As(err, &capErr):
		return "capacity"
	case oplog.IsTransient(err):
		return "transient"
	default:
		return "other"
	}
}

// TrackOperation starts a span and the operation metrics. The returned
// function must be called with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()

	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(append(attrs, AttrOperation.String(name))...)
	if p.inst != nil {
		p.inst.active.Add(ctx, 1, set)
		p.inst.operations.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if err != nil {
			class := ErrorClass(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, class)
			if p.inst != nil {
				p.inst.failures.Add(ctx, 1, set, metric.WithAttributes(AttrErrorClass.String(class)))
			}
		}
		if p.inst != nil {
			p.inst.active.Add(ctx, -1, set)
			p.inst.duration.Record(ctx, time.Since(start).Seconds(), set)
		}
	}
}
