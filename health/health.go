// Package health runs independent health probes on a fixed schedule
// and bridges their results into the telemetry metric stream as gauge
// samples. Evaluation is synchronous per cycle; reporting is a
// background time series, decoupled from request handling.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the outcome of a probe or of a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// GaugeValue maps a status to its dashboard gauge encoding.
//
// The mapping {healthy: 1, degraded: -1, unhealthy: 0} is ordinally
// inconsistent (degraded sits below unhealthy) but is kept as-is for
// compatibility with existing dashboard thresholds. It is an encoding,
// not a magnitude: do not average it.
func (s Status) GaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return -1
	default:
		return 0
	}
}

// rank orders statuses for worst-of aggregation.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worseOf(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Entry is one probe's contribution to a report.
type Entry struct {
	Name     string            `json:"name"`
	Status   Status            `json:"status"`
	Duration time.Duration     `json:"duration"`
	Tags     map[string]string `json:"tags,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Report is the result of one evaluation cycle. Reports are produced
// fresh each cycle, published as gauge samples, and discarded.
type Report struct {
	Status    Status    `json:"status"`
	Entries   []Entry   `json:"entries"`
	CheckedAt time.Time `json:"checked_at"`
}

// Probe is one independent health check. Check returns nil for
// healthy, an error wrapped by Degraded for degraded, and any other
// error for unhealthy.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// NewProbe builds a Probe from a name and a check function.
func NewProbe(name string, fn func(ctx context.Context) error) Probe {
	return ProbeFunc{ProbeName: name, Fn: fn}
}

type degradedError struct {
	err error
}

func (e *degradedError) Error() string { return e.err.Error() }
func (e *degradedError) Unwrap() error { return e.err }

// Degraded marks an error as a degradation rather than a failure.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return &degradedError{err: err}
}

// IsDegraded reports whether err carries a Degraded marker.
func IsDegraded(err error) bool {
	var de *degradedError
	return errors.As(err, &de)
}

// Evaluate runs every probe and aggregates the entries with
// worst-of semantics: any unhealthy entry makes the report unhealthy,
// otherwise any degraded entry makes it degraded, otherwise healthy.
//
// One probe erroring or panicking yields an unhealthy entry for that
// probe only; the remaining probes still run and their entries are
// included in the same report.
func Evaluate(ctx context.Context, probes []Probe, probeTimeout time.Duration) Report {
	report := Report{
		Status:    StatusHealthy,
		Entries:   make([]Entry, 0, len(probes)),
		CheckedAt: time.Now(),
	}

	for _, probe := range probes {
		entry := runProbe(ctx, probe, probeTimeout)
		report.Status = worseOf(report.Status, entry.Status)
		report.Entries = append(report.Entries, entry)
	}
	return report
}

func runProbe(ctx context.Context, probe Probe, timeout time.Duration) Entry {
	entry := Entry{Name: probe.Name(), Status: StatusHealthy}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeCheck(ctx, probe)
	entry.Duration = time.Since(start)

	switch {
	case err == nil:
	case IsDegraded(err):
		entry.Status = StatusDegraded
		entry.Error = err.Error()
	default:
		entry.Status = StatusUnhealthy
		entry.Error = err.Error()
	}
	return entry
}

func safeCheck(ctx context.Context, probe Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return probe.Check(ctx)
}
