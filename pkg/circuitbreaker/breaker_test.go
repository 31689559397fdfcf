package circuitbreaker

import (
	"testing"
	"time"
)

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()
	b := New(Config{})

	// Default threshold is 5, so four failures keep it closed.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("state after 4 failures = %s, want closed", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state after 5 failures = %s, want open", b.State())
	}
}

func TestNew_NegativeConfigFallsBack(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: -3, Cooldown: -time.Second})

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestBreaker_ClosedAllows(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: 100 * time.Millisecond})

	if !b.Allow() {
		t.Error("Allow() = false in closed state")
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.Failures() != 0 {
		t.Errorf("Failures() = %d after success, want 0", b.Failures())
	}

	// The count started over, so two more failures must not open it.
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: 100 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatal("opened before threshold")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %s after threshold, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 50 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("Allow() = true before cooldown")
	}

	time.Sleep(60 * time.Millisecond)

	// First caller after the cooldown wins the probe slot.
	if !b.Allow() {
		t.Fatal("Allow() = false after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}

	// Everyone else waits for the probe outcome.
	if b.Allow() {
		t.Error("Allow() = true while a probe is in flight")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("state = %s after probe success, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false after recovery")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("state = %s after probe failure, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true right after a failed probe")
	}

	// A failed probe buys another full cooldown, after which probing resumes.
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Error("Allow() = false after second cooldown")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRegistry_GetIsStablePerKey(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Second})

	a1 := r.Get("agent-1.internal")
	a2 := r.Get("agent-1.internal")
	b := r.Get("hooks.example.com")

	if a1 != a2 {
		t.Error("same key returned different breakers")
	}
	if a1 == b {
		t.Error("different keys returned the same breaker")
	}
	if got := r.Stats().Total; got != 2 {
		t.Errorf("Stats().Total = %d, want 2", got)
	}
}

func TestRegistry_StatsGroupsByState(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	bad := r.Get("down.example.com")
	r.Get("fine.example.com")
	r.Get("also-fine.example.com")

	bad.RecordFailure()
	bad.RecordFailure()

	s := r.Stats()
	if s.Total != 3 {
		t.Errorf("Total = %d, want 3", s.Total)
	}
	if s.Open != 1 {
		t.Errorf("Open = %d, want 1", s.Open)
	}
	if s.Closed != 2 {
		t.Errorf("Closed = %d, want 2", s.Closed)
	}
}
