package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrEmailTaken           = errors.New("email is already registered")
	ErrWrongPassword        = errors.New("current password is incorrect")
	ErrTwoFactorEnabled     = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorNotEnabled  = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorNotPending  = errors.New("two-factor setup has not been started")
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
	ErrForbidden            = errors.New("insufficient permissions")
	ErrCannotRemoveSelf     = errors.New("cannot remove your own account")
)

// LockedError is returned while an account is locked out after repeated
// password failures.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return "account temporarily locked"
}

// RateLimitedError is returned when two-factor attempts exceed the window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return "too many two-factor attempts"
}
