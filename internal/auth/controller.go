package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgvault/tgvault/internal/bus"
	"github.com/tgvault/tgvault/internal/crypto"
	"github.com/tgvault/tgvault/internal/store"
	"github.com/tgvault/tgvault/internal/supervisor"
	"github.com/tgvault/tgvault/internal/telegram"
)

// StateError reports an operation attempted from the wrong auth state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// Controller drives the phone/code login flow. It is the only writer of
// the persisted session row and of the auth state machine.
type Controller struct {
	machine *Machine
	db      *store.DB
	sealer  *crypto.Sealer
	sup     *supervisor.Supervisor
	timeout time.Duration
	logger  *zap.Logger

	// opMu serializes the login operations, which block on the
	// network. mu guards the quick fields only, so Status never waits
	// behind an in-flight service call.
	opMu        sync.Mutex
	mu          sync.Mutex
	phone       string
	codeHash    string
	cancelFetch func()
}

// NewController restores auth state from the persisted session row. A
// stored credential that fails decryption yields Invalid rather than an
// error, so the daemon still starts and the user can reset. A pending
// code request survives a daemon restart: the code hash is persisted
// and restored here.
func NewController(db *store.DB, sealer *crypto.Sealer, sup *supervisor.Supervisor, b *bus.Bus, timeout time.Duration, logger *zap.Logger) (*Controller, error) {
	row, err := db.GetSession()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	initial := Empty
	var phone, codeHash string
	switch {
	case row == nil:
	case len(row.Credential) > 0:
		phone = row.Phone
		if _, err := sealer.Open(row.Credential); err != nil {
			logger.Warn("stored credential unreadable, marking invalid", zap.Error(err))
			row.Status = statusFor(Invalid)
			if err := db.PutSession(row); err != nil {
				return nil, fmt.Errorf("mark session invalid: %w", err)
			}
			initial = Invalid
		} else {
			initial = Valid
		}
	case row.Status == statusFor(CodeRequested) && row.CodeHash != "":
		initial = CodeRequested
		phone, codeHash = row.Phone, row.CodeHash
	}

	return &Controller{
		machine:  NewMachine(b, initial),
		db:       db,
		sealer:   sealer,
		sup:      sup,
		timeout:  timeout,
		logger:   logger,
		phone:    phone,
		codeHash: codeHash,
	}, nil
}

// SetFetchCanceller registers the function Reset uses to cancel an
// active fetch run. Wired by the daemon after both sides exist.
func (c *Controller) SetFetchCanceller(cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFetch = cancel
}

// Status returns the current auth state and phone. Never touches the
// network.
func (c *Controller) Status() (State, string) {
	c.mu.Lock()
	phone := c.phone
	c.mu.Unlock()
	return c.machine.Current(), phone
}

// RequestCode asks Telegram to deliver a login code to phone. Valid
// only from Empty; on rejection the state is unchanged.
func (c *Controller) RequestCode(ctx context.Context, phone string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if cur := c.machine.Current(); cur != Empty {
		return &StateError{Op: "request code", State: cur}
	}

	var codeHash string
	err := c.sup.Do(ctx, c.timeout, func(ctx context.Context, api telegram.API) error {
		var err error
		codeHash, err = api.SendCode(ctx, phone)
		return err
	})
	if err != nil {
		return err
	}

	if err := c.db.PutSession(&store.Session{
		Phone:    phone,
		CodeHash: codeHash,
		Status:   statusFor(CodeRequested),
	}); err != nil {
		return fmt.Errorf("persist code request: %w", err)
	}
	if err := c.machine.Transition(CodeRequested); err != nil {
		return err
	}
	c.mu.Lock()
	c.phone, c.codeHash = phone, codeHash
	c.mu.Unlock()
	c.logger.Info("verification code requested", zap.String("phone", phone))
	return nil
}

// ConfirmCode completes the login. Valid only from CodeRequested. A
// rejected code leaves the state at CodeRequested so the caller may
// retry; on success the sealed credential has already been persisted by
// the session storage hook inside SignIn.
func (c *Controller) ConfirmCode(ctx context.Context, phone, code string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if cur := c.machine.Current(); cur != CodeRequested {
		return &StateError{Op: "confirm code", State: cur}
	}

	c.mu.Lock()
	codeHash := c.codeHash
	c.mu.Unlock()
	err := c.sup.Do(ctx, c.timeout, func(ctx context.Context, api telegram.API) error {
		return api.SignIn(ctx, phone, code, codeHash)
	})
	if err != nil {
		return err
	}

	row, err := c.db.GetSession()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if row == nil {
		return fmt.Errorf("sign-in succeeded but no credential was stored")
	}
	row.Phone = phone
	row.CodeHash = ""
	row.Status = statusFor(Valid)
	if err := c.db.PutSession(row); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if err := c.machine.Transition(Valid); err != nil {
		return err
	}
	c.mu.Lock()
	c.phone, c.codeHash = phone, ""
	c.mu.Unlock()
	c.logger.Info("signed in", zap.String("phone", phone))
	return nil
}

// Reset cancels any active fetch, disconnects the client, clears the
// persisted session and returns to Empty. Safe from any state,
// idempotent.
func (c *Controller) Reset() error {
	c.mu.Lock()
	cancel := c.cancelFetch
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// Disconnect first: it aborts any in-flight auth call so the
	// operation lock below is never held hostage by a slow network
	// operation.
	c.sup.Disconnect()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.db.ClearSession(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	c.machine.Reset()
	c.mu.Lock()
	c.phone, c.codeHash = "", ""
	c.mu.Unlock()
	c.logger.Info("auth state reset")
	return nil
}

// MarkInvalid flips a Valid session to Invalid after the service
// rejected its credential. No-op in any other state.
func (c *Controller) MarkInvalid() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.machine.Current() != Valid {
		return
	}
	if err := c.machine.Transition(Invalid); err != nil {
		return
	}
	if row, err := c.db.GetSession(); err == nil && row != nil {
		row.Status = statusFor(Invalid)
		if err := c.db.PutSession(row); err != nil {
			c.logger.Error("persist invalid status", zap.Error(err))
		}
	}
	c.logger.Warn("session credential invalidated")
}

// statusFor maps a machine state onto its persisted representation.
func statusFor(s State) string {
	switch s {
	case CodeRequested:
		return "code_requested"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "empty"
	}
}
