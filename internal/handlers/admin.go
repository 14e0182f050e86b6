package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/httpx"
	"github.com/partsdesk/api/internal/platform/observability"
	"github.com/partsdesk/api/internal/platform/pagination"
	"github.com/partsdesk/api/internal/services"
)

const maxOfferBodyBytes = 16 * 1024

// AdminHandlersDeps wires the back-office endpoints.
type AdminHandlersDeps struct {
	Authenticator *auth.Authenticator
	Principals    PrincipalResolver
	Orders        services.OrderService
	Offers        services.OfferService
	Notifications services.NotificationService
	Money         MoneyFormatter
}

// AdminHandlers serves staff and admin operations on orders and offers.
type AdminHandlers struct {
	deps AdminHandlersDeps
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(deps AdminHandlersDeps) *AdminHandlers {
	return &AdminHandlers{deps: deps}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.deps.Authenticator != nil {
		r.Use(h.deps.Authenticator.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff), observability.IdentityCapture)
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderId}", h.getOrder)
	r.Patch("/orders/{orderId}/status", h.changeStatus)
	r.Get("/orders/{orderId}/comments", h.listComments)
	r.Post("/orders/{orderId}/comments", h.addComment)

	r.Post("/offers", h.addOffer)
	r.Put("/offers", h.editOffer)
	r.Delete("/offers", h.deleteOffer)

	r.Get("/notifications", h.listNotifications)
	r.Post("/notifications/{notificationId}:read", h.markNotificationRead)
}

func (h *AdminHandlers) principal(w http.ResponseWriter, r *http.Request) (services.Principal, bool) {
	p, err := resolvePrincipal(r, h.deps.Principals, "")
	if err != nil {
		writeServiceError(r.Context(), w, err, adminScope)
		return services.Principal{}, false
	}
	if !p.IsBackOffice() {
		httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "back office role required", http.StatusForbidden))
		return services.Principal{}, false
	}
	return p, true
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
		Filters:         map[string][]string{"status": orderStatusFilter},
	})
	if err != nil {
		writePaginationError(ctx, w, err)
		return
	}
	page, err := h.deps.Orders.ListOrders(ctx, p, orderListQuery(params))
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	writeOrderList(w, page)
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	detail, err := h.deps.Orders.GetOrder(ctx, p, chi.URLParam(r, "orderId"))
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderDetail(detail, h.deps.Money))
}

type changeStatusRequest struct {
	Status string `json:"status"`
}

func (h *AdminHandlers) changeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req changeStatusRequest
	if err := httpx.DecodeJSON(r, &req, maxOfferBodyBytes); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, err := h.deps.Orders.ChangeStatus(ctx, services.ChangeStatusCommand{
		OrderID: chi.URLParam(r, "orderId"),
		To:      domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
		Actor:   p,
	})
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order, h.deps.Money)})
}

func (h *AdminHandlers) listComments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	comments, err := h.deps.Orders.ListComments(ctx, p, chi.URLParam(r, "orderId"))
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse[commentPayload]{Items: buildCommentPayloads(comments)})
}

func (h *AdminHandlers) addComment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Orders == nil {
		writeUnavailable(r.Context(), w, "order_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	postComment(w, r, h.deps.Orders, p, chi.URLParam(r, "orderId"), adminScope)
}

// offerRequest carries unitPrice as a decimal in major units, e.g. 10.5 or "10.50".
type offerRequest struct {
	OrderItemID       string       `json:"orderItemId"`
	OfferID           string       `json:"offerId"`
	Version           int          `json:"version"`
	Manufacturer      *string      `json:"manufacturer"`
	UnitPrice         *json.Number `json:"unitPrice"`
	QuantityAvailable *int         `json:"quantityAvailable"`
	Notes             *string      `json:"notes"`
}

func (req offerRequest) unitPrice() (*int64, error) {
	if req.UnitPrice == nil {
		return nil, nil
	}
	amount, err := domain.ParseMinorUnits(req.UnitPrice.String())
	if err != nil {
		return nil, &services.ValidationError{Fields: []services.FieldError{{
			Field:   "unitPrice",
			Code:    "invalid_amount",
			Message: "unit price must be a decimal with at most two fraction digits",
		}}}
	}
	return &amount, nil
}

func (h *AdminHandlers) addOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Offers == nil {
		writeUnavailable(ctx, w, "offer_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req offerRequest
	if err := httpx.DecodeJSON(r, &req, maxOfferBodyBytes); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	price, err := req.unitPrice()
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	cmd := services.AddOfferCommand{
		OrderItemID:       req.OrderItemID,
		UnitPrice:         price,
		QuantityAvailable: req.QuantityAvailable,
		Actor:             p,
	}
	if req.Manufacturer != nil {
		cmd.Manufacturer = *req.Manufacturer
	}
	if req.Notes != nil {
		cmd.Notes = *req.Notes
	}
	offer, err := h.deps.Offers.AddOffer(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildOfferPayload(offer, h.deps.Money))
}

func (h *AdminHandlers) editOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Offers == nil {
		writeUnavailable(ctx, w, "offer_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req offerRequest
	if err := httpx.DecodeJSON(r, &req, maxOfferBodyBytes); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	price, err := req.unitPrice()
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	offer, err := h.deps.Offers.EditOffer(ctx, services.EditOfferCommand{
		OfferID:           req.OfferID,
		ExpectedVersion:   req.Version,
		Manufacturer:      req.Manufacturer,
		UnitPrice:         price,
		QuantityAvailable: req.QuantityAvailable,
		Notes:             req.Notes,
		Actor:             p,
	})
	if err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOfferPayload(offer, h.deps.Money))
}

func (h *AdminHandlers) deleteOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Offers == nil {
		writeUnavailable(ctx, w, "offer_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	offerID := strings.TrimSpace(r.URL.Query().Get("offerId"))
	if offerID == "" {
		var req struct {
			OfferID string `json:"offerId"`
		}
		if err := httpx.DecodeJSON(r, &req, maxOfferBodyBytes); err != nil {
			httpx.WriteDecodeError(w, r, err)
			return
		}
		offerID = req.OfferID
	}
	if _, err := h.deps.Offers.DeleteOffer(ctx, services.DeleteOfferCommand{OfferID: offerID, Actor: p}); err != nil {
		writeServiceError(ctx, w, err, adminScope)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.deps.Notifications == nil {
		writeUnavailable(r.Context(), w, "notification_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	listNotifications(w, r, h.deps.Notifications, p, true)
}

func (h *AdminHandlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	if h.deps.Notifications == nil {
		writeUnavailable(r.Context(), w, "notification_service")
		return
	}
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	markNotificationRead(w, r, h.deps.Notifications, p, true)
}
