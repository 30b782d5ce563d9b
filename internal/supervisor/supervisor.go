// Package supervisor owns the single Telegram client handle. All
// network operations funnel through one worker goroutine, so a stalled
// external call can never block request handling and two callers can
// never interleave on the client's connection state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgvault/tgvault/internal/telegram"
)

// ErrShutdown is returned by Do after Shutdown has been called.
var ErrShutdown = errors.New("connection supervisor is shut down")

// Config holds connection retry and drain tuning.
type Config struct {
	ConnectAttempts  int
	ConnectBaseDelay time.Duration
	ConnectMaxDelay  time.Duration
	DrainTimeout     time.Duration
}

// DefaultConfig returns the production tuning: 3 connect attempts with
// 1s doubling backoff capped at 8s, 5s shutdown drain.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts:  3,
		ConnectBaseDelay: time.Second,
		ConnectMaxDelay:  8 * time.Second,
		DrainTimeout:     5 * time.Second,
	}
}

type op struct {
	ctx  context.Context
	fn   func(ctx context.Context, api telegram.API) error
	done chan error
}

// Supervisor serializes access to the Telegram client. The client
// connection is established lazily on first use and recycled by
// Disconnect; Shutdown is terminal.
type Supervisor struct {
	client  telegram.Client
	breaker *Breaker
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	ops       chan *op
	runDone   chan struct{}
	runCancel context.CancelFunc
	closed    bool
}

// New creates a supervisor for the given client.
func New(client telegram.Client, breaker *Breaker, cfg Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger,
	}
}

// Do runs fn against a connected client with the given per-call
// timeout. Calls are serialized: at most one operation is in flight at
// any instant. The api value passed to fn is only valid until fn
// returns. Connection-class failures feed the circuit breaker.
func (s *Supervisor) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, api telegram.API) error) error {
	if err := s.breaker.Allow(); err != nil {
		return err
	}

	err := s.submit(ctx, timeout, fn)
	switch {
	case telegram.IsConnectionErr(err):
		s.breaker.Failure()
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrShutdown):
		// The call was abandoned, not answered. Release a half-open
		// trial slot so a later caller gets one.
		s.breaker.Abort()
	default:
		// The service answered (possibly with an auth rejection or a
		// flood wait): connectivity is fine.
		s.breaker.Success()
	}
	return err
}

func (s *Supervisor) submit(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, api telegram.API) error) error {
	ops, runDone, err := s.ensureRunner()
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o := &op{ctx: opCtx, fn: fn, done: make(chan error, 1)}
	select {
	case ops <- o:
	case <-runDone:
		return fmt.Errorf("%w: connection lost", telegram.ErrUnreachable)
	case <-opCtx.Done():
		return classifyCtx(ctx, opCtx)
	}

	select {
	case err := <-o.done:
		return err
	case <-runDone:
		return fmt.Errorf("%w: connection lost", telegram.ErrUnreachable)
	}
}

// ensureRunner starts the client run loop if it is not already
// running and returns the current generation's channels.
func (s *Supervisor) ensureRunner() (chan *op, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrShutdown
	}
	if s.ops != nil {
		return s.ops, s.runDone, nil
	}

	ops := make(chan *op)
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	s.ops, s.runDone, s.runCancel = ops, done, cancel

	go s.runLoop(runCtx, ops, done)
	return ops, done, nil
}

// runLoop owns the client for one connection generation. It serves
// ops until cancelled, reconnecting with bounded exponential backoff
// when the connection drops.
func (s *Supervisor) runLoop(ctx context.Context, ops chan *op, done chan struct{}) {
	defer close(done)
	defer s.clearRunner(ops)

	delay := s.cfg.ConnectBaseDelay
	for attempt := 0; attempt < s.cfg.ConnectAttempts; attempt++ {
		served := false
		err := s.client.Run(ctx, func(ctx context.Context, api telegram.API) error {
			s.logger.Info("telegram client connected")
			for {
				select {
				case o := <-ops:
					served = true
					o.done <- s.invoke(o, api)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("telegram client disconnected", zap.Error(err), zap.Int("attempt", attempt+1))

		// A connection that served traffic gets a fresh set of retries.
		if served {
			attempt = -1
			delay = s.cfg.ConnectBaseDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > s.cfg.ConnectMaxDelay {
			delay = s.cfg.ConnectMaxDelay
		}
	}
	s.logger.Error("telegram connect attempts exhausted")
}

// invoke runs one operation, mapping a deadline expiry to the typed
// timeout error.
func (s *Supervisor) invoke(o *op, api telegram.API) error {
	if err := o.ctx.Err(); err != nil {
		return classifyCtxErr(err)
	}
	err := o.fn(o.ctx, api)
	if err != nil && errors.Is(o.ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", telegram.ErrTimeout, err)
	}
	return err
}

func (s *Supervisor) clearRunner(ops chan *op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops == ops {
		s.ops, s.runDone, s.runCancel = nil, nil, nil
	}
}

// Disconnect tears down the current connection and discards the
// client handle. The supervisor stays usable: the next Do reconnects.
// Safe to call when not connected.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("disconnect drain timed out")
	}
}

// Shutdown cancels any in-flight operation, disconnects and renders
// the supervisor permanently unusable. Idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
}

// classifyCtx distinguishes the caller cancelling from the per-op
// timeout expiring.
func classifyCtx(caller context.Context, opCtx context.Context) error {
	if caller.Err() != nil {
		return caller.Err()
	}
	return classifyCtxErr(opCtx.Err())
}

func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", telegram.ErrTimeout, err)
	}
	return err
}
