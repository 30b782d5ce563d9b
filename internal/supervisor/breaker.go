package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Do when the breaker is rejecting calls.
// No network attempt is made while the circuit is open.
var ErrCircuitOpen = errors.New("telegram circuit open")

// BreakerState is the explicit circuit breaker state.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("BreakerState(%d)", int(s))
	}
}

// Breaker is a circuit breaker over the Telegram connection. After
// threshold consecutive connection failures it opens and rejects all
// calls until cooldown elapses; it then allows exactly one trial call.
// The trial's outcome either closes the circuit or reopens it.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current breaker state, accounting for cooldown
// expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. In the half-open state at
// most one trial call is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful round-trip. Closes a half-open circuit
// and resets the consecutive failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// Abort releases a half-open trial that ended without a verdict, such
// as the caller cancelling mid-call. The circuit returns to Open with
// a fresh cooldown so a later call gets the trial slot.
func (b *Breaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != HalfOpen || !b.probing {
		return
	}
	b.state = Open
	b.openedAt = b.now()
	b.probing = false
}

// Failure records a connection failure. Trips the circuit when the
// consecutive failure threshold is reached, and reopens a half-open
// circuit immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.now()
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
		b.failures = 0
	}
}
