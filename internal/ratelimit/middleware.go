package ratelimit

import (
	"net/http"

	"store-backend/internal/clientip"
	"store-backend/internal/httpx"
)

// Middleware throttles requests per client IP, using keyFn to build the
// limiter key from the IP.
func Middleware(limiter Limiter, keyFn func(ip string) string, responder *httpx.Responder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Allow(r.Context(), keyFn(clientip.FromRequest(r)))
			if err != nil {
				responder.Error(w, r, httpx.Internal(err))
				return
			}
			if !decision.Allowed {
				responder.Error(w, r, httpx.RateLimited("too many attempts", decision.RetryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
