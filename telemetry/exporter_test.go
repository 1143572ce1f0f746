package telemetry

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type flakySpanExporter struct {
	calls    atomic.Int64
	failures atomic.Int64
	healthy  atomic.Bool
}

func (e *flakySpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.calls.Add(1)
	if e.healthy.Load() {
		return nil
	}
	e.failures.Add(1)
	return errors.New("collector unreachable")
}

func (e *flakySpanExporter) Shutdown(ctx context.Context) error { return nil }

func quietLogger() *Logger {
	logger := NewLogger("test")
	logger.SetOutput(io.Discard)
	return logger
}

func TestRetryExporter_RetriesThenSucceeds(t *testing.T) {
	fake := &flakySpanExporter{}
	fake.healthy.Store(true)

	exporter := withExportRetry(fake, RetryConfig{
		MaxElapsed:   100 * time.Millisecond,
		MaxFailures:  3,
		RecoveryTime: time.Minute,
	}, quietLogger())

	if err := exporter.ExportSpans(context.Background(), nil); err != nil {
		t.Fatalf("healthy export failed: %v", err)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", fake.calls.Load())
	}
	if exporter.breaker.State() != breakerClosed {
		t.Errorf("breaker should stay closed, is %s", exporter.breaker.State())
	}
}

func TestRetryExporter_BreakerOpensAndDrops(t *testing.T) {
	fake := &flakySpanExporter{}

	exporter := withExportRetry(fake, RetryConfig{
		MaxElapsed:   10 * time.Millisecond,
		MaxFailures:  2,
		RecoveryTime: time.Hour,
	}, quietLogger())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := exporter.ExportSpans(ctx, nil); err == nil {
			t.Fatal("expected export error while collector is down")
		}
	}
	if exporter.breaker.State() != breakerOpen {
		t.Fatalf("breaker should be open after repeated failures, is %s", exporter.breaker.State())
	}

	// With the breaker open, batches are dropped without touching the
	// transport and without surfacing an error.
	callsBefore := fake.calls.Load()
	if err := exporter.ExportSpans(ctx, nil); err != nil {
		t.Fatalf("open breaker must drop silently, got %v", err)
	}
	if fake.calls.Load() != callsBefore {
		t.Error("open breaker must not hit the transport")
	}
}

func TestRetryExporter_RecoversAfterRecoveryTime(t *testing.T) {
	fake := &flakySpanExporter{}

	exporter := withExportRetry(fake, RetryConfig{
		MaxElapsed:   10 * time.Millisecond,
		MaxFailures:  1,
		RecoveryTime: 20 * time.Millisecond,
	}, quietLogger())

	ctx := context.Background()
	_ = exporter.ExportSpans(ctx, nil)
	if exporter.breaker.State() != breakerOpen {
		t.Fatalf("breaker should be open, is %s", exporter.breaker.State())
	}

	fake.healthy.Store(true)
	time.Sleep(30 * time.Millisecond)

	if err := exporter.ExportSpans(ctx, nil); err != nil {
		t.Fatalf("probe export after recovery window failed: %v", err)
	}
	if exporter.breaker.State() != breakerClosed {
		t.Errorf("breaker should close after a successful probe, is %s", exporter.breaker.State())
	}
}

func TestNewTraceExporter_UnknownProtocol(t *testing.T) {
	cfg := devPipelineConfig()
	cfg.Protocol = Protocol("carrier-pigeon")
	if _, err := newTraceExporter(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unknown protocol")
	}
}
