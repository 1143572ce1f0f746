package telemetry

import (
	"sync"
	"time"
)

const cardinalityOverflowValue = "other"

// CardinalityLimiter caps the number of distinct values recorded per
// tag key, keeping tag sets bounded regardless of what request paths
// or check names flow through the registry. Values past a key's limit
// collapse to "other".
type CardinalityLimiter struct {
	limits map[string]int

	mu   sync.Mutex
	seen map[string]map[string]time.Time

	stopChan chan struct{}
	stopped  sync.Once
}

// NewCardinalityLimiter creates a limiter with per-tag-key limits.
// Keys without a limit pass through unchanged. Returns nil for an
// empty limit set; a nil limiter passes everything through.
func NewCardinalityLimiter(limits map[string]int) *CardinalityLimiter {
	if len(limits) == 0 {
		return nil
	}
	c := &CardinalityLimiter{
		limits:   limits,
		seen:     make(map[string]map[string]time.Time),
		stopChan: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Limit returns the value to record for the given tag key, collapsing
// to "other" once the key's distinct-value limit is reached.
func (c *CardinalityLimiter) Limit(key, value string) string {
	if c == nil {
		return value
	}
	limit, hasLimit := c.limits[key]
	if !hasLimit {
		return value
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	values, ok := c.seen[key]
	if !ok {
		values = make(map[string]time.Time)
		c.seen[key] = values
	}

	if _, exists := values[value]; !exists && len(values) >= limit {
		return cardinalityOverflowValue
	}
	values[value] = time.Now()
	return value
}

// CurrentCardinality returns the total distinct values tracked.
func (c *CardinalityLimiter) CurrentCardinality() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, values := range c.seen {
		total += len(values)
	}
	return total
}

func (c *CardinalityLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup(10 * time.Minute)
		case <-c.stopChan:
			return
		}
	}
}

// cleanup drops values not seen within maxAge so long-gone tag values
// free their slots.
func (c *CardinalityLimiter) cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, values := range c.seen {
		for value, last := range values {
			if last.Before(cutoff) {
				delete(values, value)
			}
		}
	}
}

// Stop stops the cleanup goroutine.
func (c *CardinalityLimiter) Stop() {
	if c == nil {
		return
	}
	c.stopped.Do(func() {
		close(c.stopChan)
	})
}
