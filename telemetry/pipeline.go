package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// pipelineActive guards the process-wide telemetry state (global
// tracer provider and propagator). NewPipeline claims it, Shutdown
// releases it; a second NewPipeline while one is live fails.
var pipelineActive atomic.Bool

// Pipeline composes the three signal providers (trace, metric, log),
// each batching through a configured exporter sink and stamping every
// record with the service resource.
//
// The pipeline, its registry and its logger are explicit objects wired
// at startup and passed to the components that need them. Only the
// pieces the ecosystem reads ambiently (tracer provider, propagator)
// are installed globally, once.
type Pipeline struct {
	cfg    Config
	res    *resource.Resource
	logger *Logger

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logs    *sdklog.LoggerProvider

	promRegistry *prometheus.Registry
}

// NewPipeline wires the trace, metric and log providers for the
// configured service identity and exporter sink.
//
// Trace sampling defaults to always-on (ParentBased over AlwaysSample),
// appropriate for a low-volume system; set Config.Sampler to swap the
// policy without touching instrumentation call sites.
//
// Returns ErrAlreadyInitialized if a pipeline is already live in this
// process.
func NewPipeline(cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	if !pipelineActive.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInitialized
	}

	logger := NewLogger(cfg.ServiceName)
	logger.Info("telemetry pipeline starting", map[string]interface{}{
		"endpoint":         cfg.Endpoint,
		"protocol":         string(cfg.Protocol),
		"metrics_exporter": string(cfg.MetricsExporter),
		"flush_interval":   cfg.Batch.FlushInterval.String(),
	})

	ctx := context.Background()

	p, err := buildPipeline(ctx, cfg, res, logger)
	if err != nil {
		pipelineActive.Store(false)
		logger.Error("telemetry pipeline initialization failed", map[string]interface{}{
			"error":    err.Error(),
			"endpoint": cfg.Endpoint,
		})
		return nil, err
	}

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry pipeline initialized", nil)
	return p, nil
}

func buildPipeline(ctx context.Context, cfg Config, res *resource.Resource, logger *Logger) (*Pipeline, error) {
	traceExporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampler := cfg.Sampler
	if sampler == nil {
		sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}

	// The batch processor drops spans when its queue fills; telemetry
	// never applies backpressure to request handling.
	traces := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(withExportRetry(traceExporter, cfg.ExportRetry, logger),
			sdktrace.WithMaxExportBatchSize(cfg.Batch.MaxBatchSize),
			sdktrace.WithMaxQueueSize(cfg.Batch.MaxQueueSize),
			sdktrace.WithBatchTimeout(cfg.Batch.FlushInterval),
		),
	)

	reader, promRegistry, err := newMetricReader(ctx, cfg)
	if err != nil {
		_ = traces.Shutdown(ctx)
		return nil, err
	}
	metrics := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	logExporter, err := newLogExporter(ctx, cfg)
	if err != nil {
		_ = traces.Shutdown(ctx)
		_ = metrics.Shutdown(ctx)
		return nil, err
	}

	p := &Pipeline{
		cfg:          cfg,
		res:          res,
		logger:       logger,
		traces:       traces,
		metrics:      metrics,
		promRegistry: promRegistry,
	}

	if logExporter != nil {
		p.logs = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
				sdklog.WithExportMaxBatchSize(cfg.Batch.MaxBatchSize),
				sdklog.WithMaxQueueSize(cfg.Batch.MaxQueueSize),
				sdklog.WithExportInterval(cfg.Batch.FlushInterval),
			)),
		)
		logger.attachLogProvider(p.logs)
	}

	return p, nil
}

// Tracer returns a tracer scoped to the given instrumentation name.
func (p *Pipeline) Tracer(name string) trace.Tracer {
	return p.traces.Tracer(name)
}

// MeterProvider returns the metric provider backing the registry.
func (p *Pipeline) MeterProvider() metric.MeterProvider {
	return p.metrics
}

// Logger returns the pipeline's structured logger.
func (p *Pipeline) Logger() *Logger {
	return p.logger
}

// Resource returns the service identity stamped on every record.
func (p *Pipeline) Resource() *resource.Resource {
	return p.res
}

// NewRegistry creates the instrument registry wired to this pipeline's
// metric provider and cardinality limits.
func (p *Pipeline) NewRegistry() *Registry {
	return NewRegistry(p.metrics, p.logger, p.cfg.CardinalityLimits)
}

// PrometheusHandler returns the scrape handler when the metrics
// exporter is Prometheus, nil otherwise.
func (p *Pipeline) PrometheusHandler() http.Handler {
	if p.promRegistry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.promRegistry, promhttp.HandlerOpts{})
}

// ForceFlush pushes all buffered spans, samples and log records to the
// sink. Mostly useful in tests and at controlled checkpoints.
func (p *Pipeline) ForceFlush(ctx context.Context) error {
	errs := []error{
		p.traces.ForceFlush(ctx),
		p.metrics.ForceFlush(ctx),
	}
	if p.logs != nil {
		errs = append(errs, p.logs.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown performs one final flush bounded by the configured grace
// period and releases the process-wide telemetry state. Records not
// flushed within the deadline are discarded rather than blocking exit.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	grace := p.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	p.logger.Info("telemetry pipeline shutting down", map[string]interface{}{
		"grace_period": grace.String(),
	})

	errs := []error{
		p.traces.Shutdown(ctx),
		p.metrics.Shutdown(ctx),
	}
	if p.logs != nil {
		errs = append(errs, p.logs.Shutdown(ctx))
	}

	pipelineActive.Store(false)
	return errors.Join(errs...)
}
