package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSON(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger := NewLoggerTo(&out, "info")
	logger.Info("login_succeeded", map[string]any{"account_id": "acc-1"})
	logger.Debug("hidden", nil)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "login_succeeded", entry["message"])
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "acc-1", entry["account_id"])
	require.NotEmpty(t, entry["timestamp"])
}

func TestRequestLoggingRecordsRouteMetrics(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	metrics := NewMetrics()
	router := chi.NewRouter()
	router.Use(RequestLogging(NewLoggerTo(&out, "info"), metrics))
	router.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/items/{id}", "418")))
	require.Contains(t, out.String(), `"route":"/items/{id}"`)
	require.Contains(t, out.String(), `"status":418`)
}

func TestRecoverReturnsJSON500(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	handler := Recover(NewLoggerTo(&out, "info"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	require.Contains(t, out.String(), "panic_recovered")
}

func TestMetricsHelpersAreNilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.Login("success")
		m.Registration("success")
		m.TokensIssued("login")
		m.TwoFactor("verify", "success")
	})

	m = NewMetrics()
	m.Login("success")
	require.Equal(t, 1.0, testutil.ToFloat64(m.AuthLoginsTotal.WithLabelValues("success")))
}
