package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/partsdesk/api/internal/platform/httpx"
	"github.com/partsdesk/api/internal/platform/pagination"
	"github.com/partsdesk/api/internal/services"
)

// errorScope decides how access failures are rendered. Customers never learn that an order they
// cannot see exists, back office callers get an explicit 403.
type errorScope int

const (
	customerScope errorScope = iota
	adminScope
	checkoutScope
)

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error, scope errorScope) {
	if err == nil {
		return
	}
	var (
		validation *services.ValidationError
		missing    *services.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		status := http.StatusBadRequest
		if scope == checkoutScope {
			status = http.StatusUnprocessableEntity
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "request validation failed", status).
			WithFields(validation.Fields))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("unauthorized", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrForbidden):
		if scope == adminScope {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "operation not permitted", http.StatusForbidden))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.As(err, &missing):
		entity := strings.ReplaceAll(strings.TrimSpace(missing.Entity), " ", "_")
		if entity == "" {
			entity = "resource"
		}
		httpx.WriteError(ctx, w, httpx.NewError(entity+"_not_found", entity+" not found", http.StatusNotFound))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOfferLimitExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("offer_limit_exceeded", "item already carries the maximum number of offers", http.StatusConflict))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", "status transition not allowed", http.StatusConflict))
	case errors.Is(err, services.ErrOfferVersionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("offer_version_conflict", "offer was modified by someone else", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order state does not allow this operation", http.StatusConflict))
	case errors.Is(err, services.ErrUpstreamFailure):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_failure", "payment provider unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

func writePaginationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pagination.ErrInvalidPageSize):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_page_size", err.Error(), http.StatusBadRequest))
	case errors.Is(err, pagination.ErrInvalidPageToken):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_page_token", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", strings.ReplaceAll(name, "_", " ")+" unavailable", http.StatusServiceUnavailable))
}
