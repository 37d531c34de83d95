package account

import "time"

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 2 * time.Hour
)

// LockoutPolicy drives the per-account failed-login state:
//
//	unlocked --failure--> unlocked (counter+1)
//	unlocked --Nth failure--> locked (counter frozen, lockUntil = now+duration)
//	locked, expired --failure--> unlocked (counter = 1)
//	any --success--> unlocked (counter = 0)
type LockoutPolicy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxAttempts: DefaultMaxAttempts, LockDuration: DefaultLockDuration}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.LockDuration <= 0 {
		p.LockDuration = DefaultLockDuration
	}
	return p
}

func (p LockoutPolicy) IsLocked(a *Account, now time.Time) bool {
	return a.Lockout.LockUntil != nil && now.Before(*a.Lockout.LockUntil)
}

// RecordFailure updates a in place and returns the lockout changes to persist.
func (p LockoutPolicy) RecordFailure(a *Account, now time.Time) Changes {
	p = p.normalized()
	next := a.Lockout

	switch {
	case next.LockUntil != nil && !now.Before(*next.LockUntil):
		next = Lockout{FailedAttempts: 1}
	case next.LockUntil != nil:
		// still locked, counter stays frozen
	default:
		next.FailedAttempts++
		if next.FailedAttempts >= p.MaxAttempts {
			until := now.UTC().Add(p.LockDuration)
			next.LockUntil = &until
		}
	}

	a.Lockout = next
	return Changes{Lockout: &next}
}

func (p LockoutPolicy) RecordSuccess(a *Account, now time.Time) Changes {
	loginAt := now.UTC()
	cleared := Lockout{}

	a.Lockout = cleared
	a.LastLoginAt = &loginAt
	return Changes{Lockout: &cleared, LastLoginAt: &loginAt}
}
