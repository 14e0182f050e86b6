package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/httpx"
	"github.com/partsdesk/api/internal/platform/observability"
	"github.com/partsdesk/api/internal/platform/pagination"
	"github.com/partsdesk/api/internal/services"
)

const (
	defaultNotificationPageSize = 20
	maxNotificationPageSize     = 100
)

// MeHandlers exposes the signed-in customer's notification inbox.
type MeHandlers struct {
	authn         *auth.Authenticator
	principals    PrincipalResolver
	notifications services.NotificationService
}

// NewMeHandlers constructs a new MeHandlers instance.
func NewMeHandlers(authn *auth.Authenticator, principals PrincipalResolver, notifications services.NotificationService) *MeHandlers {
	return &MeHandlers{authn: authn, principals: principals, notifications: notifications}
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(), observability.IdentityCapture)
	}
	r.Get("/notifications", h.listNotifications)
	r.Post("/notifications/{notificationId}:read", h.markNotificationRead)
}

func (h *MeHandlers) principal(w http.ResponseWriter, r *http.Request) (services.Principal, bool) {
	p, err := resolvePrincipal(r, h.principals, "")
	if err != nil {
		writeServiceError(r.Context(), w, err, customerScope)
		return services.Principal{}, false
	}
	return p, true
}

func (h *MeHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		writeUnavailable(r.Context(), w, "notification_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	listNotifications(w, r, h.notifications, p, false)
}

func (h *MeHandlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		writeUnavailable(r.Context(), w, "notification_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	markNotificationRead(w, r, h.notifications, p, false)
}

func listNotifications(w http.ResponseWriter, r *http.Request, svc services.NotificationService, p services.Principal, backOffice bool) {
	ctx := r.Context()
	scope := customerScope
	if backOffice {
		scope = adminScope
	}
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultNotificationPageSize,
		MaxPageSize:     maxNotificationPageSize,
	})
	if err != nil {
		writePaginationError(ctx, w, err)
		return
	}
	unreadOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("unreadOnly")); raw != "" {
		if unreadOnly, err = strconv.ParseBool(raw); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unreadOnly must be a boolean", http.StatusBadRequest))
			return
		}
	}

	page, err := svc.List(ctx, p, services.NotificationListQuery{
		BackOffice: backOffice,
		UnreadOnly: unreadOnly,
		Pagination: domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	})
	if err != nil {
		writeServiceError(ctx, w, err, scope)
		return
	}
	resp := listResponse[notificationPayload]{
		Items:         make([]notificationPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, n := range page.Items {
		resp.Items = append(resp.Items, buildNotificationPayload(n))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func markNotificationRead(w http.ResponseWriter, r *http.Request, svc services.NotificationService, p services.Principal, backOffice bool) {
	ctx := r.Context()
	scope := customerScope
	if backOffice {
		scope = adminScope
	}
	id := strings.TrimSpace(chi.URLParam(r, "notificationId"))
	if id == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notification id is required", http.StatusBadRequest))
		return
	}
	n, err := svc.MarkRead(ctx, p, id, backOffice)
	if err != nil {
		writeServiceError(ctx, w, err, scope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildNotificationPayload(n))
}
