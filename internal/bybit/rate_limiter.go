package bybit

import (
	"sync"
	"time"
)

// RequestPriority orders API requests by how much of the rate budget they
// may consume. Order mutations must go through even when background reads
// are being throttled.
type RequestPriority int

const (
	// PriorityCritical - order placement, cancellation, amendment
	PriorityCritical RequestPriority = iota

	// PriorityHigh - position and open-order reads driving reconciliation
	PriorityHigh

	// PriorityLow - background reads, diagnostics
	PriorityLow
)

// String returns a human-readable priority name
func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// priorityBudget maps a priority to the fraction of the per-window request
// budget it is allowed to consume.
func priorityBudget(p RequestPriority) float64 {
	switch p {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	default:
		return 0.40
	}
}

// RateLimiter implements proactive request limiting with a cooldown-based
// circuit breaker. Bybit enforces per-endpoint limits; a single sliding
// window sized to the strictest limit we use keeps the client safely under
// all of them.
type RateLimiter struct {
	mu sync.Mutex

	window      time.Duration
	maxRequests int

	windowStart  time.Time
	requestCount int

	// Circuit breaker state, set when the exchange signals throttling.
	cooldownUntil time.Time
}

// NewRateLimiter creates a limiter allowing maxRequests per window.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:      window,
		maxRequests: maxRequests,
		windowStart: time.Now(),
	}
}

// TryAcquire attempts to reserve a request slot at the given priority.
// It returns false and a suggested wait time when the budget for that
// priority is exhausted or the circuit is open.
func (rl *RateLimiter) TryAcquire(priority RequestPriority) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if now.Before(rl.cooldownUntil) {
		return false, rl.cooldownUntil.Sub(now)
	}

	if now.Sub(rl.windowStart) >= rl.window {
		rl.windowStart = now
		rl.requestCount = 0
	}

	budget := int(float64(rl.maxRequests) * priorityBudget(priority))
	if rl.requestCount >= budget {
		return false, rl.window - now.Sub(rl.windowStart)
	}

	rl.requestCount++
	return true, 0
}

// WaitForSlot blocks until a slot is available or the timeout elapses.
// Returns false if the timeout was reached.
func (rl *RateLimiter) WaitForSlot(priority RequestPriority, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		ok, wait := rl.TryAcquire(priority)
		if ok {
			return true
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if time.Now().Add(wait).After(deadline) {
			return false
		}
		time.Sleep(wait)
	}
}

// RecordThrottle opens the circuit for the given duration. Called when the
// exchange responds with a rate-limit error so that all priorities back off
// together.
func (rl *RateLimiter) RecordThrottle(cooldown time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	until := time.Now().Add(cooldown)
	if until.After(rl.cooldownUntil) {
		rl.cooldownUntil = until
	}
}

// CooldownRemaining returns how long the circuit stays open, zero if closed.
func (rl *RateLimiter) CooldownRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	remaining := time.Until(rl.cooldownUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}
