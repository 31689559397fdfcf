// Package circuitbreaker shields callers from endpoints that keep failing.
//
// A breaker counts consecutive failures against one endpoint. Once the
// count reaches a threshold the breaker opens and requests are refused
// until a cooldown elapses. After the cooldown a single probe request is
// let through; its outcome decides whether the breaker closes again or
// stays open for another cooldown.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the position of a breaker.
type State int

const (
	Closed   State = iota // requests flow normally
	Open                  // requests refused until cooldown elapses
	HalfOpen              // one probe in flight, everything else refused
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config tunes a breaker.
type Config struct {
	Threshold int           // consecutive failures before opening (default 5)
	Cooldown  time.Duration // wait before the next probe (default 30s)
}

// Breaker tracks the health of a single endpoint.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	retryAt   time.Time // when an open breaker may probe again
	probing   bool      // a half-open probe is in flight
	threshold int
	cooldown  time.Duration
}

// New creates a breaker. Non-positive config values fall back to defaults.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
	}
}

// Allow reports whether a request may be attempted now. When an open
// breaker's cooldown has elapsed, the first Allow call wins the probe slot
// and the breaker moves to half-open; concurrent callers are refused until
// the probe outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Now().Before(b.retryAt) {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure and opens the breaker once the threshold
// is reached. A failed half-open probe reopens immediately. Failures while
// already open push the next probe out by a full cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.retryAt = time.Now().Add(b.cooldown)
	b.probing = false

	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
