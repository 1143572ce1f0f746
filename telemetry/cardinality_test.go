package telemetry

import (
	"testing"
	"time"
)

func TestCardinalityLimiter_CollapsesOverLimit(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"symbol": 2})
	defer limiter.Stop()

	results := []string{
		limiter.Limit("symbol", "AAPL"),
		limiter.Limit("symbol", "MSFT"),
		limiter.Limit("symbol", "GOOG"),
		limiter.Limit("symbol", "AAPL"), // existing value still passes
	}
	want := []string{"AAPL", "MSFT", "other", "AAPL"}
	for i, got := range results {
		if got != want[i] {
			t.Errorf("result %d: expected %q, got %q", i, want[i], got)
		}
	}
}

func TestCardinalityLimiter_UnlimitedKeysPassThrough(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"symbol": 1})
	defer limiter.Stop()

	for _, v := range []string{"a", "b", "c"} {
		if got := limiter.Limit("route", v); got != v {
			t.Errorf("unlimited key altered: %q -> %q", v, got)
		}
	}
}

func TestCardinalityLimiter_NilPassesThrough(t *testing.T) {
	var limiter *CardinalityLimiter
	if got := limiter.Limit("symbol", "AAPL"); got != "AAPL" {
		t.Errorf("nil limiter altered value: %q", got)
	}
	limiter.Stop()
}

func TestCardinalityLimiter_CleanupFreesSlots(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{"symbol": 1})
	defer limiter.Stop()

	if got := limiter.Limit("symbol", "AAPL"); got != "AAPL" {
		t.Fatalf("unexpected %q", got)
	}
	if got := limiter.Limit("symbol", "MSFT"); got != "other" {
		t.Fatalf("expected collapse, got %q", got)
	}

	limiter.cleanup(0)

	if got := limiter.Limit("symbol", "MSFT"); got != "MSFT" {
		t.Errorf("expected freed slot after cleanup, got %q", got)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(50 * time.Millisecond)

	if !limiter.Allow() {
		t.Fatal("first call must be allowed")
	}
	if limiter.Allow() {
		t.Fatal("second immediate call must be limited")
	}
	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow() {
		t.Fatal("call after the interval must be allowed")
	}
}
