package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind identifies the instrument type.
type Kind int

const (
	KindCounter Kind = iota
	KindHistogram
	KindGauge
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindHistogram:
		return "histogram"
	case KindGauge:
		return "gauge"
	default:
		return "unknown"
	}
}

// Instrument is a handle to one registered metric series source.
// Handles are process-scoped singletons per (meter, name) identity.
type Instrument struct {
	meterName string
	name      string
	kind      Kind

	counter   metric.Float64Counter
	histogram metric.Float64Histogram
	gauge     metric.Float64Gauge
}

// Name returns the instrument name.
func (i *Instrument) Name() string { return i.name }

// Kind returns the instrument kind.
func (i *Instrument) Kind() Kind { return i.kind }

type instrumentKey struct {
	meter string
	name  string
}

// Registry is the process-wide catalog of metric instruments.
//
// It is constructed once at startup and threaded through every
// component that records metrics; there is no ambient global. Record
// is safe for unboundedly many concurrent callers — the registry
// carries its own locking, callers need none.
type Registry struct {
	provider metric.MeterProvider
	logger   *Logger
	limiter  *CardinalityLimiter

	mu          sync.RWMutex
	meters      map[string]metric.Meter
	instruments map[instrumentKey]*Instrument
}

// NewRegistry creates a registry backed by the given meter provider.
// limits caps tag cardinality per tag key and may be nil.
func NewRegistry(provider metric.MeterProvider, logger *Logger, limits map[string]int) *Registry {
	return &Registry{
		provider:    provider,
		logger:      logger,
		limiter:     NewCardinalityLimiter(limits),
		meters:      make(map[string]metric.Meter),
		instruments: make(map[instrumentKey]*Instrument),
	}
}

// GetOrCreate returns the instrument registered under
// (meterName, name), creating it on first use.
//
// Idempotent: repeated calls with the same identity and kind return
// the same handle, never a duplicate series. A call with the same
// identity but a different kind is a configuration error: it returns
// ErrKindMismatch and leaves the existing instrument untouched.
func (r *Registry) GetOrCreate(meterName, name string, kind Kind, unit, description string) (*Instrument, error) {
	key := instrumentKey{meter: meterName, name: name}

	r.mu.RLock()
	existing, ok := r.instruments[key]
	r.mu.RUnlock()
	if ok {
		return checkKind(existing, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instruments[key]; ok {
		return checkKind(existing, kind)
	}

	meter, ok := r.meters[meterName]
	if !ok {
		meter = r.provider.Meter(meterName)
		r.meters[meterName] = meter
	}

	inst := &Instrument{meterName: meterName, name: name, kind: kind}
	var err error
	switch kind {
	case KindCounter:
		inst.counter, err = meter.Float64Counter(name,
			metric.WithUnit(unit), metric.WithDescription(description))
	case KindHistogram:
		inst.histogram, err = meter.Float64Histogram(name,
			metric.WithUnit(unit), metric.WithDescription(description))
	case KindGauge:
		inst.gauge, err = meter.Float64Gauge(name,
			metric.WithUnit(unit), metric.WithDescription(description))
	default:
		return nil, fmt.Errorf("unknown instrument kind %d for %s/%s", kind, meterName, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %s/%s: %w", kind, meterName, name, err)
	}

	r.instruments[key] = inst
	return inst, nil
}

func checkKind(inst *Instrument, want Kind) (*Instrument, error) {
	if inst.kind != want {
		return nil, fmt.Errorf("%w: %s/%s is a %s, requested %s",
			ErrKindMismatch, inst.meterName, inst.name, inst.kind, want)
	}
	return inst, nil
}

// Record records one sample against the instrument. Tags are
// alternating key/value pairs; tag values pass through the cardinality
// limiter before recording.
//
// Counters reject negative increments with ErrNegativeCounter.
// All kinds reject NaN and Inf with ErrNonFiniteValue. Gauges take the
// latest absolute value, last-write-wins per tag set at export time.
func (r *Registry) Record(ctx context.Context, inst *Instrument, value float64, tags ...string) error {
	if inst == nil {
		return fmt.Errorf("record on nil instrument")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s=%v", ErrNonFiniteValue, inst.name, value)
	}

	attrs := r.tagAttributes(tags)

	switch inst.kind {
	case KindCounter:
		if value < 0 {
			return fmt.Errorf("%w: %s by %v", ErrNegativeCounter, inst.name, value)
		}
		inst.counter.Add(ctx, value, metric.WithAttributes(attrs...))
	case KindHistogram:
		inst.histogram.Record(ctx, value, metric.WithAttributes(attrs...))
	case KindGauge:
		inst.gauge.Record(ctx, value, metric.WithAttributes(attrs...))
	}
	return nil
}

func (r *Registry) tagAttributes(tags []string) []attribute.KeyValue {
	if len(tags) < 2 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		key, value := tags[i], tags[i+1]
		if key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, r.limiter.Limit(key, value)))
	}
	return attrs
}

// Close stops the registry's background maintenance.
func (r *Registry) Close() {
	r.limiter.Stop()
}
