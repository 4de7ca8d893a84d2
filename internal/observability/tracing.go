package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "sqlagent"

// Tracer opens the spans of a query run: one agent.run root, an
// agent.model_turn per streamed completion, and a tool.<name> span per tool
// call. HTTP spans come from otelhttp. Span attributes carry the hashed
// tenant, never the org id. A nil *Tracer falls back to the global provider.
type Tracer struct {
	tracer trace.Tracer
	config TraceConfig
}

// TraceConfig configures span export. An empty Endpoint disables export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the fraction of root spans kept. Zero means 1.0.
	SamplingRate float64

	// EnableInsecure disables TLS to the collector.
	EnableInsecure bool
}

// NewTracer returns a tracer and the shutdown func that flushes pending
// spans. Without an endpoint, or when the exporter cannot be built, spans
// go to the global provider and shutdown does nothing.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}
	fallback := &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}
	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return fallback, noop
	}

	provider, err := newExportingProvider(config)
	if err != nil {
		return fallback, noop
	}
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{tracer: provider.Tracer(config.ServiceName), config: config}, provider.Shutdown
}

func newExportingProvider(config TraceConfig) (*sdktrace.TracerProvider, error) {
	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(config.SamplingRate))),
	), nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind), trace.WithAttributes(attrs...)}
	if t == nil || t.tracer == nil {
		return otel.Tracer(defaultServiceName).Start(ctx, name, opts...)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceAgentRun opens the root span of an orchestrator run.
func (t *Tracer) TraceAgentRun(ctx context.Context, runID, hashedTenant string) (context.Context, trace.Span) {
	return t.start(ctx, "agent.run", trace.SpanKindInternal,
		attribute.String("run.id", runID),
		attribute.String("tenant.hash", hashedTenant),
	)
}

// TraceModelTurn opens a span for one streamed model completion.
func (t *Tracer) TraceModelTurn(ctx context.Context, provider, model string, iteration int) (context.Context, trace.Span) {
	return t.start(ctx, "agent.model_turn", trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("agent.iteration", iteration),
	)
}

// TraceToolExecution opens a span for one tool call.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.start(ctx, "tool."+toolName, trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
	)
}

// GetTraceID returns the active trace id, or "" outside a sampled span.
// The logging handler attaches it to records as trace_id.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
