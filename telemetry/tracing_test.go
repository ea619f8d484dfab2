package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestTracerNilProvider(t *testing.T) {
	if Tracer(nil) == nil {
		t.Fatal("expected non-nil tracer")
	}
}

func TestTracerWithProvider(t *testing.T) {
	if Tracer(noop.NewTracerProvider()) == nil {
		t.Fatal("expected non-nil tracer")
	}
}

func TestSetupPropagation(t *testing.T) {
	orig := otel.GetTextMapPropagator()
	defer otel.SetTextMapPropagator(orig)

	SetupPropagation()

	prop := otel.GetTextMapPropagator()
	if prop == nil {
		t.Fatal("expected propagator to be set")
	}
	found := false
	for _, f := range prop.Fields() {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected propagator to handle 'traceparent', got fields: %v", prop.Fields())
	}
}

func TestNewTracerProvider(t *testing.T) {
	// The exporter connects lazily, so an unroutable endpoint still builds.
	tp, err := NewTracerProvider(context.Background(), "http://localhost:0/v1/traces", "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()
}
