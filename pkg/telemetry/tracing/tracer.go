package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu           sync.RWMutex
	globalTracer trace.Tracer
	provider     *sdktrace.TracerProvider
	initialized  bool
)

// Initialize sets up the global tracer provider from cfg. Calling it
// more than once without an intervening Shutdown is an error.
func Initialize(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return fmt.Errorf("tracing: already initialized")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("tracing: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "jaeger":
		exporter, err = newJaegerExporter(cfg.Endpoint)
	case "zipkin":
		exporter, err = newZipkinExporter(cfg.Endpoint)
	case "stdout":
		exporter = newStdoutExporter()
	case "none":
		exporter = newNoopExporter()
	}
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	provider = tp
	globalTracer = tp.Tracer(cfg.ServiceName)
	initialized = true
	return nil
}

// Tracer returns the global tracer, a noop tracer if Initialize has not
// run.
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	if globalTracer == nil {
		return trace.NewNoopTracerProvider().Tracer("noop")
	}
	return globalTracer
}

// StartSpan starts a span named name as a child of ctx's span, if any.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// IsInitialized reports whether Initialize has run.
func IsInitialized() bool {
	mu.RLock()
	defer mu.RUnlock()
	return initialized
}

// Shutdown flushes and stops the tracer provider. Safe to call even if
// Initialize was never called.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return nil
	}
	err := provider.Shutdown(ctx)
	initialized = false
	globalTracer = nil
	provider = nil
	return err
}

// Attribute is re-exported so callers annotating spans don't need a
// direct otel/attribute import for the common case.
func Attribute(key string, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
