package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"

	"store-backend/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type errorBody struct {
	Error   string       `json:"error"`
	Details []FieldError `json:"details,omitempty"`
}

// Responder writes JSON responses and maps errors onto the HTTP taxonomy.
// Internal errors are logged and reported; their text is only exposed when
// exposeInternal is set.
type Responder struct {
	logger         *observability.Logger
	exposeInternal bool
}

func NewResponder(logger *observability.Logger, exposeInternal bool) *Responder {
	return &Responder{logger: logger, exposeInternal: exposeInternal}
}

func (rs *Responder) JSON(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, data)
}

func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = Internal(err)
	}

	body := errorBody{Error: appErr.Message, Details: appErr.Details}

	switch appErr.Kind {
	case KindInternal:
		rs.report(r, appErr)
		if rs.exposeInternal && appErr.Err != nil {
			body.Error = appErr.Err.Error()
		}
	case KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(appErr.RetryAfter)))
		body.Error = appErr.Message + ", " + RetryHint(appErr.RetryAfter)
	}

	WriteJSON(w, appErr.Kind.Status(), body)
}

func (rs *Responder) report(r *http.Request, appErr *Error) {
	cause := appErr.Err
	if cause == nil {
		cause = errors.New(appErr.Message)
	}

	if rs.logger != nil {
		rs.logger.Error("request_failed", map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
			"error":      cause.Error(),
		})
	}

	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(cause)
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// DecodeJSON reads a single JSON object of at most 1 MiB into dst, rejecting
// unknown fields. Failures are reported as validation errors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return Validation("request body is required")
		case errors.As(err, &maxErr):
			return Validation("request body is too large")
		default:
			return Validation("invalid json body")
		}
	}
	if decoder.More() {
		return Validation("invalid json body")
	}
	return nil
}
