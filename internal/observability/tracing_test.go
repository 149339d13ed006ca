package observability

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewTracer_NoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "attache-test"})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()
	if span == nil {
		t.Fatal("Start() returned nil span")
	}
}

func TestTracePipelineRun(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.TracePipelineRun(context.Background(), "telegram", "run-1")
	defer span.End()
	if span == nil {
		t.Fatal("TracePipelineRun() returned nil span")
	}
}

func TestRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
	if id := GetSpanID(context.Background()); id != "" {
		t.Errorf("GetSpanID() = %q, want empty", id)
	}
}

func TestGetTraceID_WithActiveSpan(t *testing.T) {
	// A local provider yields recording spans without exporting anything.
	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", id)
	}
	if id := GetSpanID(ctx); len(id) != 16 {
		t.Errorf("GetSpanID() = %q, want 16 hex chars", id)
	}
}
