package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzInput bounds fuzz inputs to a few frames' worth of bytes.
	MaxFuzzInput = 1 << 16
	FuzzBudget   = 100 * time.Millisecond
	pollInterval = 5 * time.Millisecond
)

// Truncate returns at most max bytes of b. A non-positive max keeps b.
func Truncate(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// Within fails t if fn does not return within d. Decoders must never block
// on malformed input.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzBudget
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("did not return within %s", d)
	}
}

// Eventually polls cond until it holds or d elapses.
func Eventually(t testing.TB, d time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(pollInterval)
	}
}
