// Package telemetry wraps OpenTelemetry tracing for the Quantum uTP core.
// It is optional and off by default: a Conn built without a Tracer uses the
// package-level noop, so spans cost nothing on the hot path when tracing
// isn't configured.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how connection lifecycle events are traced.
type Config struct {
	Enable      bool
	ServiceName string
	SampleRate  float64
}

// DefaultConfig returns tracing disabled.
func DefaultConfig() *Config {
	return &Config{Enable: false, ServiceName: "quantum-utp", SampleRate: 1.0}
}

// Tracer starts spans around connection lifecycle operations (handshake,
// a Send call, teardown). When disabled, Start returns the incoming
// context and a no-op span.
type Tracer struct {
	config   *Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer. With cfg.Enable false it returns a Tracer whose Start
// method is a no-op, so callers never need to branch on whether tracing is
// configured.
func New(cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enable {
		return &Tracer{config: cfg}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: building exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		config:   cfg,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// Start begins a span for name, or returns a no-op span if tracing is
// disabled.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || !t.config.Enable || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the underlying TracerProvider, if any.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
