package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tradewatch/observability/telemetry"
)

// Instrument names published by the bridge.
const (
	// OverallStatusInstrument carries one untagged sample per cycle
	// with the report's aggregate status.
	OverallStatusInstrument = "health.status"
	// CheckStatusInstrument carries one sample per probe per cycle,
	// tagged {check, status}.
	CheckStatusInstrument = "health.check.status"
)

// Options configures the bridge schedule.
type Options struct {
	// Period between evaluation cycles.
	Period time.Duration
	// InitialDelay before the first cycle.
	InitialDelay time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// MeterName scopes the gauge instruments. Defaults to
	// "tradewatch.health".
	MeterName string
}

// Bridge periodically evaluates a set of probes and publishes the
// resulting report as gauge samples through the instrument registry.
//
// Each cycle moves Idle -> Evaluating -> Publishing -> Idle. The loop
// runs on its own schedule, independent of request handling, and never
// contends for request-path locks. Publishing is best-effort: a failed
// publish is logged and the next cycle proceeds on time.
type Bridge struct {
	registry *telemetry.Registry
	logger   *telemetry.Logger
	probes   []Probe
	opts     Options

	overall *telemetry.Instrument
	check   *telemetry.Instrument

	errLimiter *telemetry.RateLimiter
	latest     atomic.Pointer[Report]
}

// NewBridge creates a bridge over the given probes. The gauge
// instruments are registered eagerly so configuration errors surface
// at startup rather than mid-loop.
func NewBridge(registry *telemetry.Registry, logger *telemetry.Logger, probes []Probe, opts Options) (*Bridge, error) {
	if opts.Period <= 0 {
		return nil, fmt.Errorf("health bridge period must be positive")
	}
	if opts.MeterName == "" {
		opts.MeterName = "tradewatch.health"
	}

	overall, err := registry.GetOrCreate(opts.MeterName, OverallStatusInstrument,
		telemetry.KindGauge, "1", "Aggregate health status (1 healthy, -1 degraded, 0 unhealthy)")
	if err != nil {
		return nil, fmt.Errorf("registering overall health gauge: %w", err)
	}
	check, err := registry.GetOrCreate(opts.MeterName, CheckStatusInstrument,
		telemetry.KindGauge, "1", "Per-check health status (1 healthy, -1 degraded, 0 unhealthy)")
	if err != nil {
		return nil, fmt.Errorf("registering per-check health gauge: %w", err)
	}

	return &Bridge{
		registry:   registry,
		logger:     logger,
		probes:     probes,
		opts:       opts,
		overall:    overall,
		check:      check,
		errLimiter: telemetry.NewRateLimiter(30 * time.Second),
	}, nil
}

// Run evaluates and publishes on the configured schedule until ctx is
// cancelled. Blocks; start it on its own goroutine.
func (b *Bridge) Run(ctx context.Context) {
	if b.opts.InitialDelay > 0 {
		select {
		case <-time.After(b.opts.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	b.RunOnce(ctx)

	ticker := time.NewTicker(b.opts.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.RunOnce(ctx)
		case <-ctx.Done():
			b.logger.Info("health bridge stopped", nil)
			return
		}
	}
}

// RunOnce performs a single evaluate-and-publish cycle.
func (b *Bridge) RunOnce(ctx context.Context) Report {
	report := Evaluate(ctx, b.probes, b.opts.ProbeTimeout)
	b.latest.Store(&report)

	if err := b.publish(ctx, report); err != nil && b.errLimiter.Allow() {
		b.logger.Error("health metrics publish failed", map[string]interface{}{
			"status": string(report.Status),
			"error":  err.Error(),
		})
	}
	return report
}

// publish writes one overall sample plus one sample per entry.
func (b *Bridge) publish(ctx context.Context, report Report) error {
	err := b.registry.Record(ctx, b.overall, report.Status.GaugeValue())

	for _, entry := range report.Entries {
		if recordErr := b.registry.Record(ctx, b.check, entry.Status.GaugeValue(),
			"check", entry.Name,
			"status", string(entry.Status),
		); recordErr != nil && err == nil {
			err = recordErr
		}
	}
	return err
}

// Latest returns the most recent report, or nil before the first cycle.
func (b *Bridge) Latest() *Report {
	return b.latest.Load()
}

// Handler exposes the latest report as a JSON liveness endpoint.
// Responds 503 when the latest report is unhealthy or no cycle has run
// yet, 200 otherwise.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := b.latest.Load()
		w.Header().Set("Content-Type", "application/json")

		if report == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unknown"})
			return
		}
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
