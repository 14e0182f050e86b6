package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/httpx"
	"github.com/partsdesk/api/internal/platform/observability"
	"github.com/partsdesk/api/internal/platform/pagination"
	"github.com/partsdesk/api/internal/platform/ratelimit"
	"github.com/partsdesk/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxIntakeFormBytes   = 2 << 20
	maxCommentBodyBytes  = 16 * 1024
)

var orderStatusFilter = []string{
	string(domain.OrderStatusPending),
	string(domain.OrderStatusValuated),
	string(domain.OrderStatusPaid),
	string(domain.OrderStatusRemoved),
}

// OrderHandlersDeps wires the customer order endpoints.
type OrderHandlersDeps struct {
	Authenticator *auth.Authenticator
	Principals    PrincipalResolver
	Orders        services.OrderService
	Selections    services.SelectionService
	Checkout      services.CheckoutService
	// IntakeLimiter throttles order submissions per client address.
	IntakeLimiter ratelimit.Limiter
	// TokenLimiter throttles requests presenting a magic-link token per client address.
	TokenLimiter ratelimit.Limiter
	// Money renders the *Formatted amount fields. Plain "12.50 EUR" strings are used when nil.
	Money MoneyFormatter
}

// OrderHandlers exposes the customer side of the valuation workflow. Guests authenticate with the
// magic-link token, signed-in customers with their Firebase session.
type OrderHandlers struct {
	deps OrderHandlersDeps
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(deps OrderHandlersDeps) *OrderHandlers {
	return &OrderHandlers{deps: deps}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.deps.Authenticator != nil {
		r.Use(h.deps.Authenticator.OptionalFirebaseAuth(), observability.IdentityCapture)
	}
	r.With(ratelimit.Middleware(h.deps.IntakeLimiter, ratelimit.ByClientIP("intake"))).Post("/", h.createOrder)
	r.Get("/", h.listOrders)

	r.Group(func(order chi.Router) {
		order.Use(limitTokenUse(h.deps.TokenLimiter))
		order.Get("/{orderId}", h.getOrder)
		order.Get("/{orderId}/selection", h.getSelection)
		order.Put("/{orderId}/selection", h.updateSelection)
		order.Post("/{orderId}/quote", h.quote)
		order.Post("/{orderId}/checkout", h.checkout)
		order.Get("/{orderId}/comments", h.listComments)
		order.Post("/{orderId}/comments", h.addComment)
	})
}

// limitTokenUse counts only requests that carry a magic-link token, so guessing tokens is bounded
// without throttling signed-in customers.
func limitTokenUse(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := ratelimit.Middleware(limiter, ratelimit.ByClientIP("order-token"))(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if orderToken(r) == "" {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

type intakeItemRequest struct {
	CategoryID   string `json:"categoryId"`
	CategoryPath string `json:"categoryPath"`
	Quantity     int    `json:"quantity"`
	Note         string `json:"note"`
	PhotoURL     string `json:"photoUrl"`
}

type intakeJSONRequest struct {
	VIN   string              `json:"vin"`
	Email string              `json:"email"`
	Items []intakeItemRequest `json:"items"`
}

type createOrderResponse struct {
	ID                 string `json:"id"`
	ShortCode          string `json:"shortCode"`
	Status             string `json:"status"`
	MagicLinkURL       string `json:"magicLinkUrl,omitempty"`
	MagicLinkExpiresAt string `json:"magicLinkExpiresAt,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}

	req, err := parseIntake(w, r)
	if err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteDecodeError(w, r, err)
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	// Intake is open to guests; a signed-in session makes the order an account order.
	var actor services.Principal
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && h.deps.Principals != nil {
		if actor, err = h.deps.Principals.Resolve(identity, "", ""); err != nil {
			writeServiceError(ctx, w, err, customerScope)
			return
		}
	}

	items := make([]services.NewOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.NewOrderItem{
			CategoryID:   item.CategoryID,
			CategoryPath: item.CategoryPath,
			Quantity:     item.Quantity,
			Note:         item.Note,
			PhotoURL:     item.PhotoURL,
		})
	}

	created, err := h.deps.Orders.CreateOrder(ctx, services.CreateOrderCommand{
		Actor: actor,
		VIN:   req.VIN,
		Email: req.Email,
		Items: items,
	})
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
		return
	}

	resp := createOrderResponse{
		ID:        created.Order.ID,
		ShortCode: created.Order.ShortCode,
		Status:    string(created.Order.Status),
	}
	if created.MagicLink != nil {
		resp.MagicLinkURL = created.MagicLink.URL
		resp.MagicLinkExpiresAt = formatTime(created.MagicLink.ExpiresAt)
	}
	w.Header().Set("Location", apiPrefix+"/orders/"+created.Order.ID)
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

// parseIntake accepts multipart or urlencoded forms where every "items" value is either one JSON
// item or a JSON array of items, and plain JSON bodies.
func parseIntake(w http.ResponseWriter, r *http.Request) (intakeJSONRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req intakeJSONRequest
		err := httpx.DecodeJSON(r, &req, maxIntakeFormBytes)
		return req, err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxIntakeFormBytes)
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(maxIntakeFormBytes)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return intakeJSONRequest{}, httpx.ErrBodyTooLarge
		}
		return intakeJSONRequest{}, fmt.Errorf("invalid form body: %w", err)
	}

	req := intakeJSONRequest{
		VIN:   r.PostFormValue("vin"),
		Email: r.PostFormValue("email"),
	}
	for i, raw := range r.PostForm["items"] {
		items, err := decodeIntakeItems(raw)
		if err != nil {
			return intakeJSONRequest{}, fmt.Errorf("items[%d]: %w", i, err)
		}
		req.Items = append(req.Items, items...)
	}
	return req, nil
}

func decodeIntakeItems(raw string) ([]intakeItemRequest, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty item")
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if raw[0] == '[' {
		var items []intakeItemRequest
		if err := dec.Decode(&items); err != nil {
			return nil, err
		}
		return items, ensureConsumed(dec)
	}
	var item intakeItemRequest
	if err := dec.Decode(&item); err != nil {
		return nil, err
	}
	return []intakeItemRequest{item}, ensureConsumed(dec)
}

func ensureConsumed(dec *json.Decoder) error {
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, err := resolvePrincipal(r, h.deps.Principals, "")
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
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
		writeServiceError(ctx, w, err, customerScope)
		return
	}
	writeOrderList(w, page)
}

func orderListQuery(params pagination.Params) services.OrderListQuery {
	query := services.OrderListQuery{
		Pagination: domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	for _, status := range params.Filters["status"] {
		query.Status = append(query.Status, domain.OrderStatus(status))
	}
	return query
}

func writeOrderList(w http.ResponseWriter, page domain.CursorPage[domain.OrderRequest]) {
	resp := listResponse[orderSummaryPayload]{
		Items:         make([]orderSummaryPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Items = append(resp.Items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// orderPrincipal resolves the caller for an order-scoped route and the order id from the path.
func (h *OrderHandlers) orderPrincipal(w http.ResponseWriter, r *http.Request) (services.Principal, string, bool) {
	ctx := r.Context()
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Principal{}, "", false
	}
	p, err := resolvePrincipal(r, h.deps.Principals, orderID)
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
		return services.Principal{}, "", false
	}
	return p, orderID, true
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, orderID, ok := h.orderPrincipal(w, r)
	if !ok {
		return
	}
	detail, err := h.deps.Orders.GetOrder(ctx, p, orderID)
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
		return
	}
	payload := buildOrderDetail(detail, h.deps.Money)
	if h.deps.Selections != nil && detail.Order.Status != domain.OrderStatusRemoved {
		view, err := h.deps.Selections.GetSelection(ctx, p, orderID)
		if err != nil {
			writeServiceError(ctx, w, err, customerScope)
			return
		}
		selection := buildSelectionPayload(view, h.deps.Money)
		payload.Selection = &selection
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// pricingRequest carries the selection fields shared by the selection, quote and checkout bodies.
type pricingRequest struct {
	SelectedOffers  map[string]*string `json:"selectedOffers"`
	SelectedUpsells *[]upsellPayload   `json:"selectedUpsells"`
	CouponCode      *string            `json:"couponCode"`
	ShippingMethod  *string            `json:"shippingMethod"`
}

func (p pricingRequest) changes() services.SelectionChanges {
	changes := services.SelectionChanges{
		SelectedOffers: p.SelectedOffers,
		CouponCode:     p.CouponCode,
		ShippingMethod: p.ShippingMethod,
	}
	if p.SelectedUpsells != nil {
		changes.SelectedUpsells = make([]domain.UpsellAddon, 0, len(*p.SelectedUpsells))
		for _, u := range *p.SelectedUpsells {
			changes.SelectedUpsells = append(changes.SelectedUpsells, domain.UpsellAddon(u))
		}
	}
	return changes
}

type selectionRequest struct {
	pricingRequest
	ItemID  *string `json:"itemId"`
	OfferID *string `json:"offerId"`
}

func (h *OrderHandlers) getSelection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Selections == nil {
		writeUnavailable(ctx, w, "selection_service")
		return
	}
	p, orderID, ok := h.orderPrincipal(w, r)
	if !ok {
		return
	}
	view, err := h.deps.Selections.GetSelection(ctx, p, orderID)
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSelectionPayload(view, h.deps.Money))
}

func (h *OrderHandlers) updateSelection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Selections == nil {
		writeUnavailable(ctx, w, "selection_service")
		return
	}
	p, orderID, ok := h.orderPrincipal(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if err := httpx.DecodeJSON(r, &req, httpx.DefaultBodyLimit); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	var (
		view services.SelectionView
		err  error
	)
	if req.ItemID != nil {
		if req.SelectedOffers != nil || req.SelectedUpsells != nil || req.CouponCode != nil || req.ShippingMethod != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "itemId cannot be combined with bulk selection fields", http.StatusBadRequest))
			return
		}
		view, err = h.deps.Selections.SelectOffer(ctx, p, services.SelectOfferCommand{
			OrderID: orderID,
			ItemID:  *req.ItemID,
			OfferID: req.OfferID,
		})
	} else {
		if req.OfferID != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "offerId requires itemId", http.StatusBadRequest))
			return
		}
		view, err = h.deps.Selections.UpdateSelection(ctx, p, services.UpdateSelectionCommand{
			OrderID: orderID,
			Changes: req.changes(),
		})
	}
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSelectionPayload(view, h.deps.Money))
}

func (h *OrderHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Selections == nil {
		writeUnavailable(ctx, w, "selection_service")
		return
	}
	p, orderID, ok := h.orderPrincipal(w, r)
	if !ok {
		return
	}
	var req pricingRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req, httpx.DefaultBodyLimit); err != nil {
			httpx.WriteDecodeError(w, r, err)
			return
		}
	}
	quote, err := h.deps.Selections.Quote(ctx, p, services.UpdateSelectionCommand{OrderID: orderID, Changes: req.changes()})
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"totals": buildQuotePayload(quote, h.deps.Money)})
}

type checkoutRequest struct {
	pricingRequest
	ShippingAddress addressPayload    `json:"shippingAddress"`
	InvoiceDetails  invoicePayload    `json:"invoiceDetails"`
	PaymentMethod   string            `json:"paymentMethod"`
	Agreements      agreementsPayload `json:"agreements"`
}

type checkoutResponse struct {
	PaymentID    string            `json:"paymentId"`
	Provider     string            `json:"provider"`
	RedirectURL  string            `json:"redirectUrl"`
	Instructions map[string]string `json:"instructions,omitempty"`
	Totals       quotePayload      `json:"totals"`
}

func (h *OrderHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Checkout == nil {
		writeUnavailable(ctx, w, "checkout_service")
		return
	}
	p, orderID, ok := h.orderPrincipal(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req, httpx.DefaultBodyLimit); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	input := services.CheckoutInput{
		ShippingAddress: domain.ShippingAddress(req.ShippingAddress),
		InvoiceDetails:  domain.InvoiceDetails(req.InvoiceDetails),
		PaymentMethod:   req.PaymentMethod,
		Agreements:      domain.Agreements(req.Agreements),
		Changes:         req.changes(),
	}
	if req.ShippingMethod != nil {
		input.ShippingMethod = *req.ShippingMethod
	}

	result, err := h.deps.Checkout.SubmitCheckout(ctx, p, orderID, input)
	if err != nil {
		writeServiceError(ctx, w, err, checkoutScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, checkoutResponse{
		PaymentID:    result.PaymentID,
		Provider:     result.Provider,
		RedirectURL:  result.RedirectURL,
		Instructions: result.Instructions,
		Totals:       buildQuotePayload(result.Quote, h.deps.Money),
	})
}

type commentRequest struct {
	Body string `json:"body"`
}

func (h *OrderHandlers) listComments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, orderID, ok := h.orderPrincipal(w, r)
	if !ok {
		return
	}
	comments, err := h.deps.Orders.ListComments(ctx, p, orderID)
	if err != nil {
		writeServiceError(ctx, w, err, customerScope)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse[commentPayload]{Items: buildCommentPayloads(comments)})
}

func (h *OrderHandlers) addComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Orders == nil {
		writeUnavailable(ctx, w, "order_service")
		return
	}
	p, orderID, ok := h.orderPrincipal(w, r)
	if !ok {
		return
	}
	postComment(w, r, h.deps.Orders, p, orderID, customerScope)
}

func postComment(w http.ResponseWriter, r *http.Request, orders services.OrderService, p services.Principal, orderID string, scope errorScope) {
	ctx := r.Context()
	var req commentRequest
	if err := httpx.DecodeJSON(r, &req, maxCommentBodyBytes); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	comment, err := orders.AddComment(ctx, services.AddCommentCommand{OrderID: orderID, Body: req.Body, Actor: p})
	if err != nil {
		writeServiceError(ctx, w, err, scope)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildCommentPayload(comment))
}
