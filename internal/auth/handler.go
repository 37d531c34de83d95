package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"store-backend/internal/account"
	"store-backend/internal/httpx"
	"store-backend/internal/password"
	"store-backend/internal/token"
)

type Handler struct {
	service    *Service
	middleware *Middleware
	responder  *httpx.Responder
}

func NewHandler(service *Service, middleware *Middleware, responder *httpx.Responder) *Handler {
	return &Handler{service: service, middleware: middleware, responder: responder}
}

// Routes is mounted under /api/auth. loginGuard wraps POST /login only.
func (h *Handler) Routes(loginGuard func(http.Handler) http.Handler) http.Handler {
	if loginGuard == nil {
		loginGuard = func(next http.Handler) http.Handler { return next }
	}
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.With(loginGuard).Post("/login", h.Login)
	r.Post("/refresh", h.Refresh)
	r.With(h.middleware.OptionalAuthenticated).Get("/session", h.Session)

	r.Group(func(r chi.Router) {
		r.Use(h.middleware.RequireAuthenticated)

		r.Get("/me", h.Me)
		r.Put("/change-password", h.ChangePassword)

		r.Route("/2fa", func(r chi.Router) {
			r.Use(h.middleware.Require(CapabilityManageTwoFactor))

			r.Post("/setup", h.SetupTwoFactor)
			r.Post("/verify", h.VerifyTwoFactor)
			r.Post("/disable", h.DisableTwoFactor)
		})
	})

	return r
}

// AdminRoutes is mounted under /api/admin.
func (h *Handler) AdminRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.middleware.RequireAuthenticated)
	r.Use(h.middleware.Require(CapabilityManageAccounts))

	r.Delete("/accounts/{id}", h.RemoveAccount)
	return r
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type verifyTwoFactorRequest struct {
	Token string `json:"token" validate:"required,max=32"`
}

type disableTwoFactorRequest struct {
	Password string `json:"password" validate:"required,maxbytes=72"`
	Token    string `json:"token" validate:"required,max=32"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required,maxbytes=72"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,maxbytes=72,nefield=CurrentPassword"`
}

type sessionResponse struct {
	Authenticated bool      `json:"authenticated"`
	Identity      *Identity `json:"identity,omitempty"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.Register(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusCreated, result)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body LoginInput
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, result)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	pair, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, pair)
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		h.responder.JSON(w, http.StatusOK, sessionResponse{})
		return
	}
	h.responder.JSON(w, http.StatusOK, sessionResponse{Authenticated: true, Identity: &identity})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	summary, err := h.service.Me(r.Context(), identity.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, map[string]any{"account": summary})
}

func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	enrollment, err := h.service.SetupTwoFactor(r.Context(), identity.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, enrollment)
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body verifyTwoFactorRequest
	if !h.decode(w, r, &body) {
		return
	}
	identity, _ := IdentityFrom(r.Context())

	activation, err := h.service.VerifyTwoFactor(r.Context(), identity.AccountID, body.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, activation)
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body disableTwoFactorRequest
	if !h.decode(w, r, &body) {
		return
	}
	identity, _ := IdentityFrom(r.Context())

	if err := h.service.DisableTwoFactor(r.Context(), identity.AccountID, body.Password, body.Token); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body changePasswordRequest
	if !h.decode(w, r, &body) {
		return
	}
	identity, _ := IdentityFrom(r.Context())

	pair, err := h.service.ChangePassword(r.Context(), identity.AccountID, body.CurrentPassword, body.NewPassword)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, map[string]any{
		"message": "password updated",
		"tokens":  pair,
	})
}

func (h *Handler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	targetID := strings.TrimSpace(chi.URLParam(r, "id"))

	removal, err := h.service.RemoveAccount(r.Context(), identity, targetID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			h.responder.Error(w, r, httpx.NotFound("account not found"))
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.responder.JSON(w, http.StatusOK, map[string]any{
		"id":      targetID,
		"removal": removal,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		h.responder.Error(w, r, err)
		return false
	}
	if err := httpx.Validate(dst); err != nil {
		h.responder.Error(w, r, err)
		return false
	}
	return true
}

// writeError maps service errors onto the HTTP taxonomy. Anything unknown is
// reported as internal.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		locked  LockedError
		limited RateLimitedError
	)

	switch {
	case errors.As(err, &locked):
		h.responder.Error(w, r, httpx.Locked("account is temporarily locked after too many failed attempts"))
	case errors.As(err, &limited):
		h.responder.Error(w, r, httpx.RateLimited(limited.Error(), limited.RetryAfter))
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidTwoFactorCode),
		errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, account.ErrNotFound):
		h.responder.Error(w, r, httpx.Unauthenticated(authMessage(err)))
	case errors.Is(err, ErrEmailTaken):
		h.responder.Error(w, r, httpx.Validation(err.Error(), httpx.FieldError{Field: "email", Message: err.Error()}))
	case errors.Is(err, ErrWrongPassword):
		h.responder.Error(w, r, httpx.Validation(err.Error(), httpx.FieldError{Field: "currentPassword", Message: err.Error()}))
	case errors.Is(err, password.ErrTooLong),
		errors.Is(err, ErrTwoFactorEnabled),
		errors.Is(err, ErrTwoFactorNotEnabled),
		errors.Is(err, ErrTwoFactorNotPending),
		errors.Is(err, ErrCannotRemoveSelf):
		h.responder.Error(w, r, httpx.Validation(err.Error()))
	case errors.Is(err, ErrForbidden):
		h.responder.Error(w, r, httpx.Forbidden(err.Error()))
	default:
		h.responder.Error(w, r, err)
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidTwoFactorCode):
		return err.Error()
	default:
		return "invalid or expired token"
	}
}
