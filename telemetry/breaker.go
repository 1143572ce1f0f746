package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half-open"
)

// exportBreaker stops the flush path from hammering an unreachable
// collector. After MaxFailures consecutive failed batches it opens and
// batches are dropped without retry; after RecoveryTime one batch is
// let through to probe the backend, and a success closes the breaker.
//
// Telemetry is best-effort: the breaker converts persistent transport
// failure into cheap drops instead of retry churn.
type exportBreaker struct {
	maxFailures  int64
	recoveryTime time.Duration
	logger       *Logger

	state           atomic.Value // string
	failures        atomic.Int64
	lastFailureTime atomic.Value // time.Time

	mu sync.Mutex
}

func newExportBreaker(cfg RetryConfig, logger *Logger) *exportBreaker {
	b := &exportBreaker{
		maxFailures:  int64(cfg.MaxFailures),
		recoveryTime: cfg.RecoveryTime,
		logger:       logger,
	}
	b.state.Store(breakerClosed)
	b.lastFailureTime.Store(time.Time{})
	return b
}

// Allow reports whether a batch should be sent.
func (b *exportBreaker) Allow() bool {
	if b.state.Load().(string) != breakerOpen {
		return true
	}

	lastFailure, _ := b.lastFailureTime.Load().(time.Time)
	if lastFailure.IsZero() || time.Since(lastFailure) < b.recoveryTime {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Load().(string) == breakerOpen {
		b.state.Store(breakerHalfOpen)
		b.logger.Debug("export breaker half-open, probing collector", nil)
	}
	return true
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *exportBreaker) RecordSuccess() {
	b.failures.Store(0)
	if b.state.Load().(string) == breakerClosed {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Load().(string) != breakerClosed {
		b.state.Store(breakerClosed)
		b.logger.Info("export breaker closed, telemetry export resumed", nil)
	}
}

// RecordFailure counts a failed batch and opens the breaker at the
// limit. A failure in half-open reopens immediately.
func (b *exportBreaker) RecordFailure() {
	failures := b.failures.Add(1)
	b.lastFailureTime.Store(time.Now())

	if failures < b.maxFailures && b.state.Load().(string) != breakerHalfOpen {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Load().(string) != breakerOpen {
		b.state.Store(breakerOpen)
		b.logger.Warn("export breaker opened, telemetry will be dropped", map[string]interface{}{
			"failures":      failures,
			"recovery_time": b.recoveryTime.String(),
			"action":        "check the collector at the configured endpoint",
		})
	}
}

// State returns the current breaker state.
func (b *exportBreaker) State() string {
	return b.state.Load().(string)
}
