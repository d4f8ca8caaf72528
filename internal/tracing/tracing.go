// Package tracing provides the research loop's distributed-tracing span
// around each iteration, so a slow dispatcher call or tool invocation is
// attributable in a trace rather than only visible as elevated wall-clock
// time in aggregate metrics. Adapted from this codebase's own
// OpenTelemetry wrapper, trimmed to the one thing the loop driver needs:
// start a span, tag it with the session id, end it.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls where spans are exported. An empty Endpoint disables
// export entirely and Tracer becomes a no-op, which is the default for
// local/single-binary deployments that haven't configured a collector.
type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// Tracer wraps the process-wide otel.Tracer used for loop-iteration spans.
type Tracer struct {
	tracer trace.Tracer
}

// New builds a Tracer from cfg and returns a shutdown func that flushes any
// pending spans. Call shutdown on process exit.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	name := cfg.ServiceName
	if name == "" {
		name = "rasd"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(name)}, func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(name)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer(name)}, provider.Shutdown
}

// StartIteration opens a span for one research-loop iteration, tagged with
// the session id so every span for a session can be correlated in a trace
// backend.
func (t *Tracer) StartIteration(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "loop.iterate", trace.WithAttributes(attribute.String("session.id", sessionID)))
}
