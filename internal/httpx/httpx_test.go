package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type signupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,max=5"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestValidateReportsFieldDetails(t *testing.T) {
	t.Parallel()

	err := Validate(&signupRequest{Email: "nope", Password: "short", Name: "toolongname"})
	var appErr *Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, KindValidation, appErr.Kind)
	require.Equal(t, []FieldError{
		{Field: "email", Message: "email must be a valid email address"},
		{Field: "password", Message: "password must be at least 8 characters long"},
		{Field: "name", Message: "name must be at most 5 characters long"},
	}, appErr.Details)

	require.NoError(t, Validate(&signupRequest{Email: "a@x.com", Password: "Passw0rd!", Name: "A"}))
}

func TestValidateBoundsBytes(t *testing.T) {
	t.Parallel()

	type secret struct {
		Password string `json:"password" validate:"required,maxbytes=8"`
	}

	require.NoError(t, Validate(&secret{Password: "éééé"}))

	err := Validate(&secret{Password: "ééééé"})
	var appErr *Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, []FieldError{{Field: "password", Message: "password must be at most 8 bytes long"}}, appErr.Details)
}

func TestResponderMapsKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{err: Validation("bad input"), status: http.StatusBadRequest, msg: "bad input"},
		{err: Unauthenticated("invalid credentials"), status: http.StatusUnauthorized, msg: "invalid credentials"},
		{err: Forbidden("forbidden"), status: http.StatusForbidden, msg: "forbidden"},
		{err: NotFound("account not found"), status: http.StatusNotFound, msg: "account not found"},
		{err: Locked("account locked"), status: http.StatusLocked, msg: "account locked"},
		{err: errors.New("db down"), status: http.StatusInternalServerError, msg: "internal server error"},
	}

	rs := NewResponder(nil, false)
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		rs.Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		require.Equal(t, tc.status, rec.Code)
		require.Equal(t, tc.msg, decodeBody(t, rec)["error"])
	}
}

func TestResponderValidationDetails(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewResponder(nil, false).Error(rec, httptest.NewRequest(http.MethodPost, "/", nil),
		Validation("validation failed", FieldError{Field: "email", Message: "email is required"}))

	body := decodeBody(t, rec)
	require.Equal(t, "validation failed", body["error"])
	details, ok := body["details"].([]any)
	require.True(t, ok)
	require.Len(t, details, 1)
}

func TestResponderExposesInternalOnlyInDevelopment(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rec := httptest.NewRecorder()
	NewResponder(nil, true).Error(rec, req, errors.New("mongo: connection refused"))
	require.Equal(t, "mongo: connection refused", decodeBody(t, rec)["error"])

	rec = httptest.NewRecorder()
	NewResponder(nil, false).Error(rec, req, errors.New("mongo: connection refused"))
	require.Equal(t, "internal server error", decodeBody(t, rec)["error"])
}

func TestResponderRateLimitedHint(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewResponder(nil, false).Error(rec, httptest.NewRequest(http.MethodPost, "/", nil),
		RateLimited("too many attempts", 90*time.Second))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "90", rec.Header().Get("Retry-After"))
	require.Equal(t, "too many attempts, try again in 2 minutes", decodeBody(t, rec)["error"])
}

func TestRetryHint(t *testing.T) {
	t.Parallel()

	require.Equal(t, "try again in 1 second", RetryHint(0))
	require.Equal(t, "try again in 45 seconds", RetryHint(44*time.Second+time.Millisecond))
	require.Equal(t, "try again in 1 minute", RetryHint(time.Minute))
	require.Equal(t, "try again in 15 minutes", RetryHint(15*time.Minute))
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body string
		ok   bool
	}{
		{body: `{"email":"a@x.com"}`, ok: true},
		{body: ``, ok: false},
		{body: `{"email":`, ok: false},
		{body: `{"email":"a@x.com","role":"admin"}`, ok: false},
		{body: `{"email":"a@x.com"} {"email":"b@x.com"}`, ok: false},
	}

	for _, tc := range cases {
		var dst struct {
			Email string `json:"email"`
		}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		err := DecodeJSON(rec, req, &dst)
		if tc.ok {
			require.NoError(t, err, tc.body)
			continue
		}
		var appErr *Error
		require.ErrorAs(t, err, &appErr, tc.body)
		require.Equal(t, KindValidation, appErr.Kind)
	}
}
