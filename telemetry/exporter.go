package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newTraceExporter builds the span exporter for the configured
// protocol. The endpoint and protocol are configuration, never
// hard-coded.
func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case ProtocolGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP/gRPC trace exporter: %w", err)
		}
		return exporter, nil
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP/HTTP trace exporter: %w", err)
		}
		return exporter, nil
	case ProtocolStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unknown exporter protocol %q", cfg.Protocol)
	}
}

// newMetricReader builds the metric reader: a periodic OTLP push or a
// Prometheus pull exporter registered against the returned registry.
func newMetricReader(ctx context.Context, cfg Config) (sdkmetric.Reader, *prometheus.Registry, error) {
	switch cfg.MetricsExporter {
	case MetricsPrometheus:
		promRegistry := prometheus.NewRegistry()
		reader, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		return reader, promRegistry, nil
	case MetricsOTLP:
		var (
			exporter sdkmetric.Exporter
			err      error
		)
		if cfg.Protocol == ProtocolGRPC {
			opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
			if cfg.Insecure {
				opts = append(opts, otlpmetricgrpc.WithInsecure())
			}
			exporter, err = otlpmetricgrpc.New(ctx, opts...)
		} else {
			opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
			if cfg.Insecure {
				opts = append(opts, otlpmetrichttp.WithInsecure())
			}
			exporter, err = otlpmetrichttp.New(ctx, opts...)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Batch.FlushInterval))
		return reader, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics exporter %q", cfg.MetricsExporter)
	}
}

// newLogExporter builds the log exporter. Stdout mode carries no log
// exporter; the logger keeps its console layer only.
func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	if cfg.Protocol == ProtocolStdout {
		return nil, nil
	}
	opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	exporter, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}
	return exporter, nil
}

// retryExporter wraps a span exporter with bounded-backoff retry behind
// the export breaker. Failed batches are retried until MaxElapsed, then
// dropped; a run of failures opens the breaker and later batches are
// dropped outright until the collector recovers. Errors never reach the
// span-producing call sites.
type retryExporter struct {
	sdktrace.SpanExporter

	breaker    *exportBreaker
	maxElapsed time.Duration
	logger     *Logger
	errLimiter *RateLimiter
}

func withExportRetry(exporter sdktrace.SpanExporter, cfg RetryConfig, logger *Logger) *retryExporter {
	return &retryExporter{
		SpanExporter: exporter,
		breaker:      newExportBreaker(cfg, logger),
		maxElapsed:   cfg.MaxElapsed,
		logger:       logger,
		errLimiter:   NewRateLimiter(10 * time.Second),
	}
}

func (e *retryExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if !e.breaker.Allow() {
		return nil // breaker open, drop the batch
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.SpanExporter.ExportSpans(ctx, spans)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(e.maxElapsed),
	)
	if err != nil {
		e.breaker.RecordFailure()
		if e.errLimiter.Allow() {
			e.logger.Error("dropping span batch after retries", map[string]interface{}{
				"batch_size": len(spans),
				"error":      err.Error(),
			})
		}
		return err
	}

	e.breaker.RecordSuccess()
	return nil
}
