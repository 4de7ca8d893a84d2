package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{tracer: provider.Tracer("test")}, recorder
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceVersion: "1.0.0"})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer() returned an unusable tracer")
	}
	if tracer.config.ServiceName != defaultServiceName {
		t.Errorf("ServiceName = %q, want %q", tracer.config.ServiceName, defaultServiceName)
	}

	_, span := tracer.start(context.Background(), "noop", trace.SpanKindInternal)
	span.End()
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.start(context.Background(), "nil", trace.SpanKindInternal)
	defer span.End()
	if ctx == nil {
		t.Fatal("expected context")
	}
}

func TestTraceHelpersNameSpans(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	ctx := context.Background()

	ctx, run := tracer.TraceAgentRun(ctx, "run-1", "abc")
	_, turn := tracer.TraceModelTurn(ctx, "anthropic", "claude", 0)
	turn.End()
	_, tool := tracer.TraceToolExecution(ctx, "execute_sql")
	tracer.RecordError(tool, errors.New("boom"))
	tool.End()
	run.End()

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	names := []string{spans[0].Name(), spans[1].Name(), spans[2].Name()}
	want := []string{"agent.model_turn", "tool.execute_sql", "agent.run"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("span[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("tool span status = %v, want error", spans[1].Status().Code)
	}
	if spans[0].Parent().SpanID() != spans[2].SpanContext().SpanID() {
		t.Errorf("model turn span is not a child of the run span")
	}
}

func TestGetTraceID(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Fatalf("expected empty trace id, got %q", id)
	}

	tracer, _ := newRecordingTracer()
	ctx, span := tracer.start(context.Background(), "op", trace.SpanKindInternal)
	defer span.End()
	if id := GetTraceID(ctx); len(id) != 32 {
		t.Fatalf("expected 32-char trace id, got %q", id)
	}
}

func TestLoggerAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	tracer, _ := newRecordingTracer()

	ctx, span := tracer.TraceToolExecution(context.Background(), "execute_sql")
	defer span.End()
	logger.Info(ctx, "sql executed")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if record["trace_id"] != GetTraceID(ctx) {
		t.Errorf("trace_id = %v, want %q", record["trace_id"], GetTraceID(ctx))
	}
}
