package bybit

import (
	"testing"
	"time"
)

// TestTryAcquireRespectsWindow verifies requests beyond the window budget
// are rejected with a positive wait hint.
func TestTryAcquireRespectsWindow(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)

	for i := 0; i < 9; i++ {
		if ok, _ := rl.TryAcquire(PriorityCritical); !ok {
			t.Fatalf("Request %d should fit in the budget", i)
		}
	}

	ok, wait := rl.TryAcquire(PriorityCritical)
	if ok {
		t.Error("Request beyond the critical budget should be rejected")
	}
	if wait <= 0 {
		t.Error("Rejection should carry a positive wait hint")
	}
}

// TestPriorityBudgets verifies low-priority traffic runs out of budget
// before critical traffic does.
func TestPriorityBudgets(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)

	// Low priority may only use 40% of the window.
	granted := 0
	for i := 0; i < 10; i++ {
		if ok, _ := rl.TryAcquire(PriorityLow); ok {
			granted++
		}
	}
	if granted != 4 {
		t.Errorf("Expected 4 low-priority grants out of 10, got %d", granted)
	}

	// Critical still has headroom in the same window.
	if ok, _ := rl.TryAcquire(PriorityCritical); !ok {
		t.Error("Critical request should still be granted")
	}
}

// TestRecordThrottleOpensCircuit verifies an exchange throttle signal
// blocks all priorities for the cooldown.
func TestRecordThrottleOpensCircuit(t *testing.T) {
	rl := NewRateLimiter(100, time.Minute)

	rl.RecordThrottle(time.Minute)

	if ok, wait := rl.TryAcquire(PriorityCritical); ok || wait <= 0 {
		t.Error("Circuit should be open for all priorities after a throttle")
	}
	if rl.CooldownRemaining() <= 0 {
		t.Error("CooldownRemaining should be positive while the circuit is open")
	}
}

func TestCooldownRemainingClosedCircuit(t *testing.T) {
	rl := NewRateLimiter(100, time.Minute)
	if rl.CooldownRemaining() != 0 {
		t.Error("Fresh limiter should have no cooldown")
	}
}
