package ratelimit

import (
	"context"
	"time"
)

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts attempts per key over a sliding window. Allow records the
// attempt only when it is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Reset(ctx context.Context, key string) error
}

type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

func (p Policy) normalized(fallback Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = fallback.MaxAttempts
	}
	if p.Window <= 0 {
		p.Window = fallback.Window
	}
	return p
}

var (
	TwoFactorPolicy = Policy{MaxAttempts: 5, Window: 15 * time.Minute}
	LoginIPPolicy   = Policy{MaxAttempts: 10, Window: time.Minute}
)

func TwoFactorKey(accountID string) string {
	return "2fa_" + accountID
}

func LoginIPKey(ip string) string {
	return "login_ip_" + ip
}
