package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"
)

// Auth errors surface immediately to the caller and are never retried
// internally.
var (
	ErrInvalidPhone      = errors.New("phone number rejected")
	ErrCodeInvalid       = errors.New("verification code invalid")
	ErrCodeExpired       = errors.New("verification code expired")
	ErrTwoFactorRequired = errors.New("account requires a two-factor password")
	ErrAuthInvalid       = errors.New("session credential rejected")
)

// Connection errors are absorbed by bounded retry where possible and
// count toward the circuit breaker.
var (
	ErrTimeout     = errors.New("telegram call timed out")
	ErrUnreachable = errors.New("telegram unreachable")
)

// FloodWaitError is the service's rate-limit signal: pause for
// RetryAfter before the next call.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// AsFloodWait extracts the rate-limit duration from err, if present.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.RetryAfter, true
	}
	return 0, false
}

// IsAuthErr reports whether err is one of the auth taxonomy errors.
func IsAuthErr(err error) bool {
	return errors.Is(err, ErrInvalidPhone) ||
		errors.Is(err, ErrCodeInvalid) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrTwoFactorRequired) ||
		errors.Is(err, ErrAuthInvalid)
}

// IsConnectionErr reports whether err is a connection-class failure,
// the only class that counts toward circuit breaker accounting.
func IsConnectionErr(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

// Classify maps a raw error from the Telegram layer onto the typed
// taxonomy. Errors that do not correspond to a known signal are
// bucketed as ErrUnreachable so the retry and breaker logic treats
// them as transient connection failures.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &FloodWaitError{RetryAfter: d}
	}
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return ErrTwoFactorRequired
	}
	switch {
	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return ErrInvalidPhone
	case tgerr.Is(err, "PHONE_CODE_INVALID"):
		return ErrCodeInvalid
	case tgerr.Is(err, "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY"):
		return ErrCodeExpired
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return ErrTwoFactorRequired
	}
	if auth.IsUnauthorized(err) {
		return ErrAuthInvalid
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
