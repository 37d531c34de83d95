package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultMaxKeys = 5000

// MemoryLimiter is process-local. Instances do not share state, so it fits a
// single replica; use RedisLimiter behind a load balancer.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	hits    map[string][]time.Time
	maxKeys int
	now     func() time.Time
}

func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy.normalized(TwoFactorPolicy),
		hits:    make(map[string][]time.Time),
		maxKeys: defaultMaxKeys,
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	threshold := now.Add(-l.policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	filtered := l.live(key, threshold)
	if len(filtered) >= l.policy.MaxAttempts {
		retryAfter := filtered[0].Add(l.policy.Window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hits[key] = filtered
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	filtered = append(filtered, now)
	l.hits[key] = filtered

	if len(l.hits) > l.maxKeys {
		l.sweepLocked(threshold)
	}

	return Decision{Allowed: true, Remaining: l.policy.MaxAttempts - len(filtered)}, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
	return nil
}

// Sweep drops keys whose attempts have all left the window and returns how
// many were removed.
func (l *MemoryLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now.Add(-l.policy.Window))
}

func (l *MemoryLimiter) live(key string, threshold time.Time) []time.Time {
	hits := l.hits[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}
	return filtered
}

func (l *MemoryLimiter) sweepLocked(threshold time.Time) int {
	removed := 0
	for key, value := range l.hits {
		if len(value) == 0 || !value[len(value)-1].After(threshold) {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}
