package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/partsdesk/api/internal/platform/httpx"
	"github.com/partsdesk/api/internal/platform/requestctx"
)

const (
	defaultCleanupLimit = 500
	maxCleanupLimit     = 5000
)

// IdempotencyCleaner purges expired idempotency records.
type IdempotencyCleaner interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// InternalHandlers serves scheduler-triggered maintenance endpoints.
type InternalHandlers struct {
	cleaner IdempotencyCleaner
	clock   func() time.Time
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(cleaner IdempotencyCleaner, clock func() time.Time) *InternalHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &InternalHandlers{cleaner: cleaner, clock: clock}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/idempotency-cleanup", h.cleanupIdempotency)
}

func (h *InternalHandlers) cleanupIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cleaner == nil {
		writeUnavailable(ctx, w, "idempotency_store")
		return
	}
	limit := defaultCleanupLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(n, maxCleanupLimit)
	}
	deleted, err := h.cleaner.CleanupExpired(ctx, h.clock().UTC(), limit)
	if err != nil {
		requestctx.Logger(ctx).Error("idempotency cleanup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "idempotency cleanup failed", http.StatusInternalServerError))
		return
	}
	requestctx.Logger(ctx).Info("idempotency cleanup", zap.Int("deleted", deleted), zap.Int("limit", limit))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
