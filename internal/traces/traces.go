// Package traces sets up OpenTelemetry tracing and the span helpers the
// engine's operations use.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/smartescrow"

type options struct {
	version     string
	sampleRatio float64
}

// Option configures Init.
type Option func(*options)

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithSampleRatio samples this fraction of root traces; child spans follow
// their parent's decision.
func WithSampleRatio(r float64) Option {
	return func(o *options) { o.sampleRatio = r }
}

// Init installs a tracer provider exporting to otlpEndpoint over gRPC. With
// no endpoint the global no-op provider stays in place. The returned
// function flushes and stops the exporter.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger, opts ...Option) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}
	o := options{version: "dev", sampleRatio: 1}
	for _, opt := range opts {
		opt(&o)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("smartescrow"),
			semconv.ServiceVersion(o.version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", otlpEndpoint, "sample_ratio", o.sampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the engine tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func EscrowID(id string) attribute.KeyValue { return attribute.String("escrow.id", id) }

func RuleID(id string) attribute.KeyValue { return attribute.String("automation.rule_id", id) }

func Actor(id string) attribute.KeyValue { return attribute.String("actor.id", id) }

// Operation names the engine operation, e.g. escrow.freeze or a sweep trigger.
func Operation(op string) attribute.KeyValue { return attribute.String("escrow.op", op) }
