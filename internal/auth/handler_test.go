package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"store-backend/internal/account"
	"store-backend/internal/httpx"
	"store-backend/internal/twofactor"
)

func newTestRouter(f *fixture) http.Handler {
	responder := httpx.NewResponder(nil, false)
	handler := NewHandler(f.service, NewMiddleware(f.service, responder), responder)

	r := chi.NewRouter()
	r.Mount("/api/auth", handler.Routes(nil))
	r.Mount("/api/admin", handler.AdminRoutes())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func tokensOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()

	tokens, ok := body["tokens"].(map[string]any)
	require.True(t, ok, "response carries tokens: %v", body)
	return tokens
}

func TestHandlerRegisterThenLogin(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFixture(t))
	credentials := map[string]string{"name": "A", "email": "a@x.com", "password": "Passw0rd!"}

	rec, registered := doJSON(t, router, http.MethodPost, "/api/auth/register", "", credentials)
	require.Equal(t, http.StatusCreated, rec.Code)
	registeredTokens := tokensOf(t, registered)
	registeredAccount := registered["account"].(map[string]any)
	require.Equal(t, "a@x.com", registeredAccount["email"])
	require.NotContains(t, registeredAccount, "passwordHash")

	rec, loggedIn := doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "a@x.com",
		"password": "Passw0rd!",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEqual(t, registeredTokens["accessToken"], tokensOf(t, loggedIn)["accessToken"])
	require.Equal(t, registeredAccount["id"], loggedIn["account"].(map[string]any)["id"])
}

func TestHandlerRegisterValidation(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFixture(t))

	rec, body := doJSON(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "not-an-email"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation failed", body["error"])

	fields := map[string]bool{}
	for _, detail := range body["details"].([]any) {
		fields[detail.(map[string]any)["field"].(string)] = true
	}
	require.Equal(t, map[string]bool{"name": true, "email": true, "password": true}, fields)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "A", "email": "a@x.com", "password": "Passw0rd!", "role": "admin",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPasswordsAreBoundedInBytes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	router := newTestRouter(f)

	// 40 runes, 80 bytes.
	overlong := strings.Repeat("é", 40)
	rec, body := doJSON(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "A", "email": "a@x.com", "password": overlong,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, []any{map[string]any{"field": "password", "message": "password must be at most 72 bytes long"}}, body["details"])

	// 36 runes, 72 bytes.
	fits := strings.Repeat("é", 36)
	rec, registered := doJSON(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "A", "email": "a@x.com", "password": fits,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	bearer := tokensOf(t, registered)["accessToken"].(string)

	rec, _ = doJSON(t, router, http.MethodPut, "/api/auth/change-password", bearer, map[string]string{
		"currentPassword": fits, "newPassword": overlong,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@x.com", "password": fits,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerDuplicateEmail(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.register(t, "a@x.com")
	router := newTestRouter(f)

	rec, body := doJSON(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "B", "email": "a@x.com", "password": "Passw0rd!",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, ErrEmailTaken.Error(), body["error"])
}

func TestHandlerLoginStatuses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.register(t, "a@x.com")
	router := newTestRouter(f)
	wrong := map[string]string{"email": "a@x.com", "password": "wrong-password"}

	rec, body := doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "nobody@x.com", "password": "wrong-password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	unknownMessage := body["error"]

	rec, body = doJSON(t, router, http.MethodPost, "/api/auth/login", "", wrong)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, unknownMessage, body["error"])

	for i := 0; i < 3; i++ {
		rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/login", "", wrong)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/login", "", wrong)
	require.Equal(t, http.StatusLocked, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@x.com", "password": "Passw0rd!",
	})
	require.Equal(t, http.StatusLocked, rec.Code)
}

func TestHandlerTwoFactorLogin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	admin := f.admin(t, "admin@x.com")
	f.enableTwoFactor(t, admin.ID)
	router := newTestRouter(f)

	rec, body := doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@x.com", "password": "Adm1nPassw0rd!",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["requiresTwoFactor"])
	require.NotContains(t, body, "tokens")

	guess := map[string]string{"email": "admin@x.com", "password": "Adm1nPassw0rd!", "twoFactorToken": "999999x"}
	for i := 0; i < 5; i++ {
		rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/login", "", guess)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/auth/login", "", guess)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Contains(t, body["error"], "try again in")
}

func TestHandlerRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	registered := f.register(t, "a@x.com")
	router := newTestRouter(f)

	rec, body := doJSON(t, router, http.MethodPost, "/api/auth/refresh", "", map[string]string{
		"refreshToken": registered.Tokens.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, body["accessToken"])
	require.Equal(t, "Bearer", body["tokenType"])

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/refresh", "", map[string]string{
		"refreshToken": registered.Tokens.AccessToken,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerMe(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	registered := f.register(t, "a@x.com")
	router := newTestRouter(f)

	rec, body := doJSON(t, router, http.MethodGet, "/api/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing authorization token", body["error"])

	rec, _ = doJSON(t, router, http.MethodGet, "/api/auth/me", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = doJSON(t, router, http.MethodGet, "/api/auth/me", registered.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := body["account"].(map[string]any)
	require.Equal(t, registered.Account.ID, me["id"])
	require.Equal(t, false, me["twoFactorEnabled"])
}

func TestHandlerSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	registered := f.register(t, "a@x.com")
	router := newTestRouter(f)

	rec, body := doJSON(t, router, http.MethodGet, "/api/auth/session", "expired-or-bogus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["authenticated"])

	rec, body = doJSON(t, router, http.MethodGet, "/api/auth/session", registered.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["authenticated"])
	require.Equal(t, registered.Account.ID, body["identity"].(map[string]any)["accountId"])
}

func TestHandlerTwoFactorRequiresAdmin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	user := f.register(t, "a@x.com")
	f.admin(t, "admin@x.com")
	router := newTestRouter(f)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/auth/2fa/setup", user.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	login, err := f.service.Login(ctx, LoginInput{Email: "admin@x.com", Password: "Adm1nPassw0rd!"})
	require.NoError(t, err)
	bearer := login.Tokens.AccessToken

	rec, setup := doJSON(t, router, http.MethodPost, "/api/auth/2fa/setup", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, setup["backupCodes"], twofactor.BackupCodeCount)
	require.Contains(t, setup["qrCode"], "data:image/png;base64,")

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/2fa/verify", bearer, map[string]string{"token": "12345"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/2fa/verify", bearer, map[string]string{"token": "abcdef"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	code, err := twofactor.CodeAt(setup["secret"].(string), *f.now)
	require.NoError(t, err)
	rec, verified := doJSON(t, router, http.MethodPost, "/api/auth/2fa/verify", bearer, map[string]string{"token": code})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, verified["enabled"])

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/2fa/setup", bearer, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/2fa/disable", bearer, map[string]string{
		"password": "wrong-password", "token": code,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/auth/2fa/disable", bearer, map[string]string{
		"password": "Adm1nPassw0rd!", "token": code,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerChangePassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	registered := f.register(t, "a@x.com")
	router := newTestRouter(f)
	before, err := f.store.FindByID(ctx, registered.Account.ID)
	require.NoError(t, err)

	rec, body := doJSON(t, router, http.MethodPut, "/api/auth/change-password", registered.Tokens.AccessToken, map[string]string{
		"currentPassword": "not-my-password", "newPassword": "N3wPassw0rd!",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, ErrWrongPassword.Error(), body["error"])

	after, err := f.store.FindByID(ctx, registered.Account.ID)
	require.NoError(t, err)
	require.Equal(t, before.PasswordHash, after.PasswordHash)

	rec, _ = doJSON(t, router, http.MethodPut, "/api/auth/change-password", registered.Tokens.AccessToken, map[string]string{
		"currentPassword": "Passw0rd!", "newPassword": "Passw0rd!",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = doJSON(t, router, http.MethodPut, "/api/auth/change-password", registered.Tokens.AccessToken, map[string]string{
		"currentPassword": "Passw0rd!", "newPassword": "N3wPassw0rd!",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, tokensOf(t, body)["accessToken"])
}

func TestHandlerAdminRemovesAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	user := f.register(t, "a@x.com")
	f.admin(t, "admin@x.com")
	router := newTestRouter(f)

	login, err := f.service.Login(ctx, LoginInput{Email: "admin@x.com", Password: "Adm1nPassw0rd!"})
	require.NoError(t, err)

	rec, _ := doJSON(t, router, http.MethodDelete, "/api/admin/accounts/"+login.Account.ID, user.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = doJSON(t, router, http.MethodDelete, "/api/admin/accounts/missing", login.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := doJSON(t, router, http.MethodDelete, "/api/admin/accounts/"+user.Account.ID, login.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(RemovalDeleted), body["removal"])

	_, err = f.store.FindByID(ctx, user.Account.ID)
	require.ErrorIs(t, err, account.ErrNotFound)
}
