// Package testutil has helpers for tests that wait on asynchronous state:
// queue drains, job phase changes, result arrival.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions bounds a poll loop.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption adjusts WaitOptions.
type WaitOption func(*WaitOptions)

// WithTimeout caps the total wait (default 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the poll interval (default 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

func applyOptions(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it returns true or the timeout passes.
// The condition is checked once more at the deadline, so a state change
// during the final sleep is still observed.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := applyOptions(opts)

	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForCount polls until counter reaches target or the timeout passes.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d, at %d", target, counter.Load())
	}
}
