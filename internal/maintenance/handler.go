package maintenance

import (
	"net/http"
	"strings"
	"time"

	"store-backend/internal/account"
	"store-backend/internal/httpx"
	"store-backend/internal/observability"
)

// Sweeper drops expired rate-limit windows held in process memory.
type Sweeper interface {
	Sweep(now time.Time) int
}

type Sweepers []Sweeper

func (s Sweepers) Sweep(now time.Time) int {
	total := 0
	for _, sweeper := range s {
		total += sweeper.Sweep(now)
	}
	return total
}

type Result struct {
	ClearedPendingTwoFactor int64 `json:"cleared_pending_two_factor"`
	SweptRateLimitKeys      int   `json:"swept_rate_limit_keys"`
}

type CleanupHandler struct {
	store            account.Store
	sweeper          Sweeper
	logger           *observability.Logger
	cronSecret       string
	pendingRetention time.Duration
	batchSize        int
	now              func() time.Time
}

// NewCleanupHandler builds the cron endpoint. sweeper may be nil when the
// limiter lives outside the process.
func NewCleanupHandler(
	store account.Store,
	sweeper Sweeper,
	logger *observability.Logger,
	cronSecret string,
	pendingRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		store:            store,
		sweeper:          sweeper,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		pendingRetention: pendingRetention,
		batchSize:        batchSize,
		now:              time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		httpx.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := h.now().UTC()
	cleared, err := h.store.ClearStalePendingTwoFactor(r.Context(), now.Add(-h.pendingRetention), h.batchSize)
	if err != nil {
		h.logger.Error("maintenance_cleanup_failed", map[string]any{"error": err.Error()})
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	result := Result{ClearedPendingTwoFactor: cleared}
	if h.sweeper != nil {
		result.SweptRateLimitKeys = h.sweeper.Sweep(now)
	}

	h.logger.Info("maintenance_cleanup_completed", map[string]any{
		"cleared_pending_two_factor": result.ClearedPendingTwoFactor,
		"swept_rate_limit_keys":      result.SweptRateLimitKeys,
	})

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}
