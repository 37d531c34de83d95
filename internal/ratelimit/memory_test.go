package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"store-backend/internal/httpx"
)

func newClockedLimiter(policy Policy, now *time.Time) *MemoryLimiter {
	l := NewMemoryLimiter(policy)
	l.now = func() time.Time { return *now }
	return l
}

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	l := newClockedLimiter(TwoFactorPolicy, &now)
	key := TwoFactorKey("acc-1")

	for i := 1; i <= 5; i++ {
		d, err := l.Allow(ctx, key)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 5-i, d.Remaining)
		now = now.Add(time.Minute)
	}

	d, err := l.Allow(ctx, key)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 10*time.Minute, d.RetryAfter)

	now = time.Date(2026, 8, 1, 10, 15, 1, 0, time.UTC)
	d, err = l.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
}

func TestMemoryLimiterKeysAreIndependentAndResettable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	l := newClockedLimiter(Policy{MaxAttempts: 1, Window: time.Minute}, &now)

	d, _ := l.Allow(ctx, "a")
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "a")
	require.False(t, d.Allowed)

	d, _ = l.Allow(ctx, "b")
	require.True(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "a"))
	d, _ = l.Allow(ctx, "a")
	require.True(t, d.Allowed)
}

func TestMemoryLimiterSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	l := newClockedLimiter(Policy{MaxAttempts: 3, Window: time.Minute}, &now)

	_, _ = l.Allow(ctx, "old")
	now = now.Add(2 * time.Minute)
	_, _ = l.Allow(ctx, "fresh")

	require.Equal(t, 1, l.Sweep(now))
	require.Len(t, l.hits, 1)
	require.Contains(t, l.hits, "fresh")
}

func TestMiddlewareThrottlesPerIP(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	l := newClockedLimiter(Policy{MaxAttempts: 2, Window: time.Minute}, &now)
	handler := Middleware(l, LoginIPKey, httpx.NewResponder(nil, false))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusNoContent, call("10.0.0.1").Code)
	require.Equal(t, http.StatusNoContent, call("10.0.0.1").Code)

	blocked := call("10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, blocked.Code)
	require.Equal(t, "60", blocked.Header().Get("Retry-After"))

	require.Equal(t, http.StatusNoContent, call("10.0.0.2").Code)
}
