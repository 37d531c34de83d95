package auth

import (
	"errors"
	"net/http"
	"strings"

	"store-backend/internal/account"
	"store-backend/internal/httpx"
	"store-backend/internal/token"
)

// Middleware resolves bearer tokens into an Identity on the request context.
// Every resolution costs one store read; there is no session cache.
type Middleware struct {
	service   *Service
	responder *httpx.Responder
}

func NewMiddleware(service *Service, responder *httpx.Responder) *Middleware {
	return &Middleware{service: service, responder: responder}
}

func (m *Middleware) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			m.responder.Error(w, r, err)
			return
		}

		identity, _, err := m.service.Authenticate(r.Context(), raw)
		if err != nil {
			if errors.Is(err, token.ErrInvalidToken) {
				m.responder.Error(w, r, httpx.Unauthenticated("invalid or expired token"))
				return
			}
			m.responder.Error(w, r, httpx.Internal(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// OptionalAuthenticated attaches an identity when the token resolves and
// otherwise lets the request through anonymously.
func (m *Middleware) OptionalAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		identity, _, err := m.service.Authenticate(r.Context(), raw)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// Require must run after RequireAuthenticated.
func (m *Middleware) Require(capability Capability) func(http.Handler) http.Handler {
	return m.guard(func(identity Identity) bool {
		return identity.Can(capability)
	})
}

func (m *Middleware) RequireRole(role account.Role) func(http.Handler) http.Handler {
	return m.guard(func(identity Identity) bool {
		return identity.Role == role
	})
}

func (m *Middleware) guard(allowed func(Identity) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				m.responder.Error(w, r, httpx.Unauthenticated("authentication required"))
				return
			}
			if !allowed(identity) {
				m.responder.Error(w, r, httpx.Forbidden(ErrForbidden.Error()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", httpx.Unauthenticated("missing authorization token")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", httpx.Unauthenticated("invalid authorization format")
	}

	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", httpx.Unauthenticated("invalid authorization token")
	}
	return raw, nil
}
