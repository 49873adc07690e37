package telemetry

import (
	"context"
	"testing"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	tracer, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, span := tracer.Start(context.Background(), "test-span")
	if ctx == nil {
		t.Error("Start() returned nil context")
	}
	if span == nil {
		t.Error("Start() returned nil span")
	}
	span.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on a disabled tracer should be a no-op, got %v", err)
	}
}

func TestNilTracerIsNoop(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.Start(context.Background(), "test-span")
	if ctx == nil {
		t.Error("Start() returned nil context")
	}
	span.End()
}

func TestEnabledTracerUsesStdoutExporter(t *testing.T) {
	cfg := &Config{Enable: true, ServiceName: "quantum-test", SampleRate: 1.0}
	tracer, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "handshake")
	if ctx == nil || span == nil {
		t.Fatal("expected a real context and span from an enabled tracer")
	}
	span.End()
}

func TestSamplingRates(t *testing.T) {
	for _, rate := range []float64{0.0, 0.5, 1.0} {
		cfg := &Config{Enable: true, ServiceName: "quantum-test", SampleRate: rate}
		tracer, err := New(cfg)
		if err != nil {
			t.Fatalf("New with sample rate %v: %v", rate, err)
		}
		defer tracer.Shutdown(context.Background())
	}
}
