package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *time.Time) {
	b := New("test", threshold, open)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if !b.Allow("stripe") {
		t.Fatal("new key should be allowed")
	}
	if b.State("stripe") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("stripe"))
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if b.State("stripe") != StateClosed {
		t.Fatal("should still be closed below threshold")
	}
	b.RecordFailure("stripe")
	if b.State("stripe") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("stripe"))
	}
	if b.Allow("stripe") {
		t.Fatal("open circuit should reject")
	}
	if !b.Allow("other") {
		t.Fatal("other keys are unaffected")
	}
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordFailure("k")
	*now = now.Add(time.Minute)

	if !b.Allow("k") {
		t.Fatal("should allow a trial request in half-open")
	}
	if b.State("k") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("k"))
	}
	if b.Allow("k") {
		t.Fatal("should reject second call while probing")
	}

	b.RecordSuccess("k")
	if b.State("k") != StateClosed {
		t.Fatalf("expected StateClosed after trial success, got %v", b.State("k"))
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordFailure("k")
	*now = now.Add(time.Minute)
	b.Allow("k")

	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Fatalf("expected StateOpen after failed trial, got %v", b.State("k"))
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	remote := errors.New("remote down")
	invalid := errors.New("invalid request")
	countable := func(err error) bool { return !errors.Is(err, invalid) }

	if err := b.Do("k", countable, func() error { return invalid }); !errors.Is(err, invalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if b.State("k") != StateClosed {
		t.Fatal("non-countable errors must not trip the circuit")
	}

	if err := b.Do("k", countable, func() error { return remote }); !errors.Is(err, remote) {
		t.Fatalf("expected remote error, got %v", err)
	}

	called := false
	err := b.Do("k", countable, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestBreaker_TrippedAndForget(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.RecordFailure("release")
	b.RecordFailure("refund")
	b.RecordSuccess("refund")

	tripped := b.Tripped()
	if len(tripped) != 1 || tripped["release"] != "open" {
		t.Fatalf("expected only release open, got %v", tripped)
	}
	if _, ok := b.circuits["refund"]; ok {
		t.Fatal("a recovered key should hold no state")
	}
}
