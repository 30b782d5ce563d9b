package supervisor

import (
	"errors"
	"testing"
	"time"
)

func testBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)
	if b.State() != Closed {
		t.Errorf("initial state = %s, want CLOSED", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() on closed breaker = %v", err)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	if b.State() != Closed {
		t.Fatalf("state after 2 failures = %s, want CLOSED", b.State())
	}

	b.Failure()
	if b.State() != Open {
		t.Fatalf("state after 3 failures = %s, want OPEN", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() on open breaker = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != Closed {
		t.Errorf("state = %s, want CLOSED (count was reset)", b.State())
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.Failure()
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() before cooldown = %v, want ErrCircuitOpen", err)
	}

	*now = now.Add(time.Minute)
	if b.State() != HalfOpen {
		t.Fatalf("state after cooldown = %s, want HALF_OPEN", b.State())
	}

	// Exactly one trial call is admitted.
	if err := b.Allow(); err != nil {
		t.Fatalf("trial Allow() = %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second Allow() during trial = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.Failure()
	*now = now.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.Success()

	if b.State() != Closed {
		t.Errorf("state after trial success = %s, want CLOSED", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after close = %v", err)
	}
}

func TestBreakerAbortedTrialAllowsLaterTrial(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.Failure()
	*now = now.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}

	// The trial ends without an outcome being recorded.
	b.Abort()
	if b.State() != Open {
		t.Fatalf("state after abort = %s, want OPEN", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() right after abort = %v, want ErrCircuitOpen", err)
	}

	// The trial slot must come back after the fresh cooldown.
	*now = now.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after cooldown = %v, want a new trial", err)
	}
}

func TestBreakerAbortOutsideTrialIsNoop(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.Abort()
	if b.State() != Closed {
		t.Errorf("state after abort on closed breaker = %s, want CLOSED", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() = %v", err)
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.Failure()
	*now = now.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.Failure()

	if b.State() != Open {
		t.Fatalf("state after trial failure = %s, want OPEN", b.State())
	}
	// Cooldown restarts from the reopen.
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() after reopen = %v, want ErrCircuitOpen", err)
	}
	*now = now.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after second cooldown = %v", err)
	}
}
