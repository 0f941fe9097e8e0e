// Package telemetry configures OpenTelemetry tracing for batchd. When tracing
// is disabled nothing is exported and the global provider stays a no-op.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/version"
)

type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func DefaultConfig() Config {
	return Config{Endpoint: "localhost:4317", ServiceName: "batchd", SampleRate: 1}
}

// Providers owns the SDK tracer provider. A nil or disabled Providers hands
// out the global tracer and shuts down as a no-op.
type Providers struct {
	tp *sdktrace.TracerProvider
}

// Init exports spans over OTLP/gRPC to cfg.Endpoint and installs the
// provider globally.
func Init(ctx context.Context, cfg Config, log logger.Logger) (*Providers, error) {
	log = logger.Component(log, "telemetry")
	if !cfg.Enabled {
		log.Debug("tracing disabled")
		return &Providers{}, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	p, err := newProviders(ctx, cfg, exp)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName, "sample_rate", cfg.SampleRate)
	return p, nil
}

func newProviders(ctx context.Context, cfg Config, exp sdktrace.SpanExporter) (*Providers, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "batchd"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(version.Resolve().Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	return &Providers{tp: tp}, nil
}

// Tracer returns a tracer from the SDK provider, or from the global provider
// when tracing is disabled.
func (p *Providers) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans and closes the exporter.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
