package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/ratelimit"
	"github.com/partsdesk/api/internal/services"
)

func (a *testAPI) orderRouter(deps OrderHandlersDeps) http.Handler {
	deps.Authenticator = a.authn
	deps.Principals = a.resolver
	return mountRoutes("/api/v1/orders", NewOrderHandlers(deps).Routes)
}

func multipartIntake(t *testing.T, fields map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, values := range fields {
		for _, v := range values {
			if err := mw.WriteField(name, v); err != nil {
				t.Fatalf("WriteField: %v", err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestCreateOrderMultipartGuest(t *testing.T) {
	api := newTestAPI(t)
	var got services.CreateOrderCommand
	orders := &stubOrderService{createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreatedOrder, error) {
		got = cmd
		return services.CreatedOrder{
			Order:     domain.OrderRequest{ID: "ord_1", ShortCode: "PD-000001", Status: domain.OrderStatusPending},
			MagicLink: &services.MagicLink{URL: "https://shop.example/orders/ord_1?token=abc", ExpiresAt: testNow.Add(time.Hour)},
		}, nil
	}}
	router := api.orderRouter(OrderHandlersDeps{Orders: orders})

	body, contentType := multipartIntake(t, map[string][]string{
		"vin":   {"WVWZZZ1JZXW000001"},
		"email": {"guest@example.com"},
		"items": {
			`{"categoryId":"brakes","categoryPath":"Brakes/Pads","quantity":2}`,
			`[{"categoryId":"filters","categoryPath":"Filters/Oil","quantity":1,"note":"OEM"},{"categoryId":"wipers","categoryPath":"Wipers","quantity":1,"photoUrl":"gs://bucket/a.jpg"}]`,
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["id"] != "ord_1" || resp["shortCode"] != "PD-000001" || resp["magicLinkUrl"] != "https://shop.example/orders/ord_1?token=abc" {
		t.Fatalf("unexpected response %v", resp)
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %s", loc)
	}
	if got.Actor.Kind != "" || got.Email != "guest@example.com" || got.VIN != "WVWZZZ1JZXW000001" {
		t.Fatalf("unexpected command %+v", got)
	}
	if len(got.Items) != 3 || got.Items[1].Note != "OEM" || got.Items[2].PhotoURL != "gs://bucket/a.jpg" {
		t.Fatalf("unexpected items %+v", got.Items)
	}
}

func TestCreateOrderAuthenticatedJSON(t *testing.T) {
	api := newTestAPI(t)
	var got services.CreateOrderCommand
	orders := &stubOrderService{createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreatedOrder, error) {
		got = cmd
		return services.CreatedOrder{Order: domain.OrderRequest{ID: "ord_2", ShortCode: "PD-000002", Status: domain.OrderStatusPending}}, nil
	}}
	router := api.orderRouter(OrderHandlersDeps{Orders: orders})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/orders/", "user:u1",
		`{"vin":"WVWZZZ1JZXW000001","items":[{"categoryId":"brakes","categoryPath":"Brakes","quantity":1}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := decodeBody(t, rr)["magicLinkUrl"]; ok {
		t.Fatalf("signed-in customers must not receive a magic link")
	}
	if got.Actor.UserID != "u1" || got.Actor.Role != domain.RoleUser || got.Actor.Email != "u1@example.com" {
		t.Fatalf("unexpected actor %+v", got.Actor)
	}
}

func TestCreateOrderRejectsMalformedItems(t *testing.T) {
	api := newTestAPI(t)
	router := api.orderRouter(OrderHandlersDeps{Orders: &stubOrderService{}})

	for name, item := range map[string]string{
		"broken json":   `{"categoryId":`,
		"unknown field": `{"categoryId":"x","price":1}`,
		"trailing data": `{"categoryId":"x"} {}`,
		"empty":         ` `,
	} {
		t.Run(name, func(t *testing.T) {
			body, contentType := multipartIntake(t, map[string][]string{"vin": {"X"}, "items": {item}})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/", body)
			req.Header.Set("Content-Type", contentType)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_request" {
				t.Fatalf("expected 400 invalid_request, got %d %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCreateOrderValidationFields(t *testing.T) {
	api := newTestAPI(t)
	orders := &stubOrderService{createFn: func(context.Context, services.CreateOrderCommand) (services.CreatedOrder, error) {
		return services.CreatedOrder{}, &services.ValidationError{Fields: []services.FieldError{{Field: "vin", Code: "vin_length", Message: "VIN must have 17 characters"}}}
	}}
	router := api.orderRouter(OrderHandlersDeps{Orders: orders})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/orders/", "", `{"vin":"short","email":"g@example.com","items":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	fields, _ := body["fields"].([]any)
	if body["error"] != "validation_failed" || len(fields) != 1 {
		t.Fatalf("unexpected body %v", body)
	}
	if field := fields[0].(map[string]any); field["code"] != "vin_length" {
		t.Fatalf("unexpected field %v", field)
	}
}

func TestCreateOrderIsRateLimitedPerIP(t *testing.T) {
	api := newTestAPI(t)
	orders := &stubOrderService{createFn: func(context.Context, services.CreateOrderCommand) (services.CreatedOrder, error) {
		return services.CreatedOrder{Order: domain.OrderRequest{ID: "ord_1"}}, nil
	}}
	limiter := ratelimit.NewMemoryLimiter(1, time.Minute, func() time.Time { return testNow })
	router := api.orderRouter(OrderHandlersDeps{Orders: orders, IntakeLimiter: limiter})

	body := `{"vin":"WVWZZZ1JZXW000001","email":"g@example.com","items":[]}`
	if rr := doJSON(t, router, http.MethodPost, "/api/v1/orders/", "", body); rr.Code != http.StatusCreated {
		t.Fatalf("expected first submission to pass, got %d", rr.Code)
	}
	rr := doJSON(t, router, http.MethodPost, "/api/v1/orders/", "", body)
	if rr.Code != http.StatusTooManyRequests || errorCode(t, rr) != "rate_limited" {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestGetOrderWithMagicLink(t *testing.T) {
	api := newTestAPI(t)
	var seen services.Principal
	orders := &stubOrderService{getFn: func(_ context.Context, p services.Principal, orderID string) (services.OrderDetail, error) {
		seen = p
		if err := services.AuthorizeOrder(p, domain.OrderRequest{ID: "ord_1"}); err != nil {
			return services.OrderDetail{}, err
		}
		return services.OrderDetail{
			Order:  domain.OrderRequest{ID: orderID, Status: domain.OrderStatusValuated, Items: []domain.OrderItem{{ID: "itm_1", Quantity: 2}}},
			Offers: []domain.Offer{{ID: "ofr_1", OrderItemID: "itm_1", UnitPrice: 1500, QuantityAvailable: 1, Version: 1}},
		}, nil
	}}
	selections := &stubSelectionService{getFn: func(context.Context, services.Principal, string) (services.SelectionView, error) {
		return services.SelectionView{
			Draft: domain.SelectionDraft{Items: map[string]domain.ItemSelection{"itm_1": {OfferID: "ofr_1", Include: true}}},
			Quote: domain.Quote{Currency: "EUR", Subtotal: 1500, Total: 2490, Lines: []domain.QuoteLine{{ItemID: "itm_1", LimitedStock: true}}},
		}, nil
	}}
	router := api.orderRouter(OrderHandlersDeps{Orders: orders, Selections: selections})

	rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1?token="+api.token("ord_1"), "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if seen.Kind != services.PrincipalGuest || seen.OrderID != "ord_1" {
		t.Fatalf("unexpected principal %+v", seen)
	}
	body := decodeBody(t, rr)
	selection := body["selection"].(map[string]any)
	totals := selection["totals"].(map[string]any)
	if selection["selectedOffers"].(map[string]any)["itm_1"] != "ofr_1" || totals["total"] != float64(2490) || totals["limitedStock"] != true {
		t.Fatalf("unexpected selection %v", selection)
	}
	if offers := body["offers"].([]any); len(offers) != 1 {
		t.Fatalf("expected one offer, got %v", offers)
	}

	t.Run("token in header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
		req.Header.Set(orderTokenHeader, api.token("ord_1"))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("token for another order", func(t *testing.T) {
		rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1?token="+api.token("ord_2"), "", "")
		if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != "unauthorized" {
			t.Fatalf("expected 401, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("expired token", func(t *testing.T) {
		stale, err := auth.NewMagicLinks("test-signing-key", time.Hour, func() time.Time { return testNow.Add(-2 * time.Hour) })
		if err != nil {
			t.Fatalf("NewMagicLinks: %v", err)
		}
		issued, err := stale.Issue("ord_1")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1?token="+issued.Token, "", "")
		if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != "unauthorized" {
			t.Fatalf("expected 401 for expired token, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1", "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("someone else's order hides existence", func(t *testing.T) {
		rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1", "user:u9", "")
		if rr.Code != http.StatusNotFound || errorCode(t, rr) != "order_not_found" {
			t.Fatalf("expected 404 order_not_found, got %d %s", rr.Code, rr.Body.String())
		}
	})
}

func TestGetRemovedOrderSkipsSelection(t *testing.T) {
	api := newTestAPI(t)
	orders := &stubOrderService{getFn: func(context.Context, services.Principal, string) (services.OrderDetail, error) {
		return services.OrderDetail{Order: domain.OrderRequest{ID: "ord_1", Status: domain.OrderStatusRemoved}}, nil
	}}
	selections := &stubSelectionService{getFn: func(context.Context, services.Principal, string) (services.SelectionView, error) {
		t.Fatalf("selection must not be loaded for removed orders")
		return services.SelectionView{}, nil
	}}
	router := api.orderRouter(OrderHandlersDeps{Orders: orders, Selections: selections})

	rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1", "admin:a1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := decodeBody(t, rr)["selection"]; ok {
		t.Fatalf("removed orders carry no selection")
	}
}

func TestListOrders(t *testing.T) {
	api := newTestAPI(t)
	var got services.OrderListQuery
	orders := &stubOrderService{listFn: func(_ context.Context, p services.Principal, q services.OrderListQuery) (domain.CursorPage[domain.OrderRequest], error) {
		got = q
		return domain.CursorPage[domain.OrderRequest]{
			Items:         []domain.OrderRequest{{ID: "ord_1", UserID: p.UserID, Status: domain.OrderStatusValuated}},
			NextPageToken: "next",
		}, nil
	}}
	router := api.orderRouter(OrderHandlersDeps{Orders: orders})

	if rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rr.Code)
	}

	rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/?status=valuated&pageSize=5", "user:u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Pagination.PageSize != 5 || len(got.Status) != 1 || got.Status[0] != domain.OrderStatusValuated {
		t.Fatalf("unexpected query %+v", got)
	}
	body := decodeBody(t, rr)
	if body["nextPageToken"] != "next" || len(body["items"].([]any)) != 1 {
		t.Fatalf("unexpected body %v", body)
	}

	if rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/?status=SHIPPED", "user:u1", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	if rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/?pageSize=abc", "user:u1", ""); rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_page_size" {
		t.Fatalf("expected 400 invalid_page_size, got %d", rr.Code)
	}
}

func TestUpdateSelectionModes(t *testing.T) {
	api := newTestAPI(t)
	var (
		single services.SelectOfferCommand
		bulk   services.UpdateSelectionCommand
	)
	selections := &stubSelectionService{
		selectFn: func(_ context.Context, _ services.Principal, cmd services.SelectOfferCommand) (services.SelectionView, error) {
			single = cmd
			return services.SelectionView{}, nil
		},
		updateFn: func(_ context.Context, _ services.Principal, cmd services.UpdateSelectionCommand) (services.SelectionView, error) {
			bulk = cmd
			return services.SelectionView{Quote: domain.Quote{Total: 990}}, nil
		},
	}
	router := api.orderRouter(OrderHandlersDeps{Selections: selections})

	rr := doJSON(t, router, http.MethodPut, "/api/v1/orders/ord_1/selection", "user:u1", `{"itemId":"itm_1","offerId":null}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if single.OrderID != "ord_1" || single.ItemID != "itm_1" || single.OfferID != nil {
		t.Fatalf("unexpected single command %+v", single)
	}

	rr = doJSON(t, router, http.MethodPut, "/api/v1/orders/ord_1/selection", "user:u1",
		`{"selectedOffers":{"itm_1":"ofr_1","itm_2":null},"selectedUpsells":[{"upsellItemId":"gloves","quantity":2}],"shippingMethod":"express"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	changes := bulk.Changes
	if *changes.SelectedOffers["itm_1"] != "ofr_1" || changes.SelectedOffers["itm_2"] != nil || *changes.ShippingMethod != "express" || changes.CouponCode != nil {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if len(changes.SelectedUpsells) != 1 || changes.SelectedUpsells[0].UpsellItemID != "gloves" || changes.SelectedUpsells[0].Quantity != 2 {
		t.Fatalf("unexpected upsells %+v", changes.SelectedUpsells)
	}

	rr = doJSON(t, router, http.MethodPut, "/api/v1/orders/ord_1/selection", "user:u1", `{"itemId":"itm_1","couponCode":"X"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mixed payload, got %d", rr.Code)
	}
	rr = doJSON(t, router, http.MethodPut, "/api/v1/orders/ord_1/selection", "user:u1", `{"offerId":"ofr_1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for offer without item, got %d", rr.Code)
	}
}

func TestSelectionFrozenIsConflict(t *testing.T) {
	api := newTestAPI(t)
	selections := &stubSelectionService{selectFn: func(context.Context, services.Principal, services.SelectOfferCommand) (services.SelectionView, error) {
		return services.SelectionView{}, services.ErrOrderInvalidState
	}}
	router := api.orderRouter(OrderHandlersDeps{Selections: selections})

	rr := doJSON(t, router, http.MethodPut, "/api/v1/orders/ord_1/selection", "user:u1", `{"itemId":"itm_1","offerId":"ofr_1"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "order_invalid_state" {
		t.Fatalf("expected 409 order_invalid_state, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestQuoteAcceptsEmptyBody(t *testing.T) {
	api := newTestAPI(t)
	var got services.UpdateSelectionCommand
	selections := &stubSelectionService{quoteFn: func(_ context.Context, _ services.Principal, cmd services.UpdateSelectionCommand) (domain.Quote, error) {
		got = cmd
		return domain.Quote{Currency: "EUR", Total: 1990, ShippingMethod: "express"}, nil
	}}
	router := api.orderRouter(OrderHandlersDeps{Selections: selections})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord_1/quote", "user:u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.OrderID != "ord_1" || got.Changes.SelectedOffers != nil {
		t.Fatalf("unexpected command %+v", got)
	}
	totals := decodeBody(t, rr)["totals"].(map[string]any)
	if totals["total"] != float64(1990) || totals["shippingMethod"] != "express" {
		t.Fatalf("unexpected totals %v", totals)
	}

	rr = doJSON(t, router, http.MethodPost, "/api/v1/orders/ord_1/quote", "user:u1", `{"couponCode":"SPRING"}`)
	if rr.Code != http.StatusOK || *got.Changes.CouponCode != "SPRING" {
		t.Fatalf("expected coupon to reach the quote, got %d %+v", rr.Code, got.Changes)
	}
}

func TestCheckout(t *testing.T) {
	api := newTestAPI(t)
	var got services.CheckoutInput
	checkout := &stubCheckoutService{submitFn: func(_ context.Context, p services.Principal, orderID string, input services.CheckoutInput) (services.CheckoutResult, error) {
		got = input
		if !input.Agreements.Terms {
			return services.CheckoutResult{}, &services.ValidationError{Fields: []services.FieldError{{Field: "agreements.terms", Code: "must_accept", Message: "terms must be accepted"}}}
		}
		return services.CheckoutResult{PaymentID: "pay_1", Provider: "stripe", RedirectURL: "https://pay.example/pay_1", Quote: domain.Quote{Total: 2490}}, nil
	}}
	router := api.orderRouter(OrderHandlersDeps{Checkout: checkout})

	body := `{
		"shippingAddress":{"fullName":"Ann Driver","street":"1 Main St","city":"Dublin","postalCode":"D01","country":"IE"},
		"invoiceDetails":{"required":false},
		"shippingMethod":"standard",
		"paymentMethod":"card",
		"agreements":{"terms":true,"privacy":true},
		"selectedOffers":{"itm_1":"ofr_1"}
	}`
	rr := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord_1/checkout?token="+api.token("ord_1"), "", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["redirectUrl"] != "https://pay.example/pay_1" || resp["paymentId"] != "pay_1" {
		t.Fatalf("unexpected response %v", resp)
	}
	if got.ShippingAddress.City != "Dublin" || got.ShippingMethod != "standard" || got.PaymentMethod != "card" || *got.Changes.SelectedOffers["itm_1"] != "ofr_1" {
		t.Fatalf("unexpected input %+v", got)
	}

	rr = doJSON(t, router, http.MethodPost, "/api/v1/orders/ord_1/checkout", "user:u1", strings.Replace(body, `"terms":true`, `"terms":false`, 1))
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "validation_failed" {
		t.Fatalf("expected 422, got %d %s", rr.Code, rr.Body.String())
	}

	checkout.submitFn = func(context.Context, services.Principal, string, services.CheckoutInput) (services.CheckoutResult, error) {
		return services.CheckoutResult{}, services.ErrUpstreamFailure
	}
	rr = doJSON(t, router, http.MethodPost, "/api/v1/orders/ord_1/checkout", "user:u1", body)
	if rr.Code != http.StatusBadGateway || errorCode(t, rr) != "upstream_failure" {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestCustomerComments(t *testing.T) {
	api := newTestAPI(t)
	var got services.AddCommentCommand
	orders := &stubOrderService{
		addCommentFn: func(_ context.Context, cmd services.AddCommentCommand) (domain.Comment, error) {
			got = cmd
			return domain.Comment{ID: "cmt_1", OrderRequestID: cmd.OrderID, AuthorRole: cmd.Actor.AuthorRole(), Body: cmd.Body, CreatedAt: testNow}, nil
		},
		listCommentsFn: func(context.Context, services.Principal, string) ([]domain.Comment, error) {
			return []domain.Comment{{ID: "cmt_1", Body: "hi"}}, nil
		},
	}
	router := api.orderRouter(OrderHandlersDeps{Orders: orders})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/orders/ord_1/comments?token="+api.token("ord_1"), "", `{"body":"Any news?"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Actor.Kind != services.PrincipalGuest || got.Body != "Any news?" {
		t.Fatalf("unexpected command %+v", got)
	}
	if decodeBody(t, rr)["authorRole"] != string(domain.RoleGuest) {
		t.Fatalf("expected guest author role")
	}

	rr = doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1/comments", "user:u1", "")
	if rr.Code != http.StatusOK || len(decodeBody(t, rr)["items"].([]any)) != 1 {
		t.Fatalf("unexpected list response %d %s", rr.Code, rr.Body.String())
	}

	orders.addCommentFn = func(context.Context, services.AddCommentCommand) (domain.Comment, error) {
		return domain.Comment{}, services.ErrForbidden
	}
	rr = doJSON(t, router, http.MethodPost, "/api/v1/orders/ord_1/comments?token="+api.token("ord_1"), "", `{"body":"again"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("customer forbidden must look like not found, got %d", rr.Code)
	}
}

func TestTokenRequestsAreRateLimited(t *testing.T) {
	api := newTestAPI(t)
	orders := &stubOrderService{listCommentsFn: func(context.Context, services.Principal, string) ([]domain.Comment, error) {
		return nil, nil
	}}
	limiter := ratelimit.NewMemoryLimiter(1, time.Minute, func() time.Time { return testNow })
	router := api.orderRouter(OrderHandlersDeps{Orders: orders, TokenLimiter: limiter})

	target := "/api/v1/orders/ord_1/comments?token=" + api.token("ord_1")
	if rr := doJSON(t, router, http.MethodGet, target, "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected first token request to pass, got %d", rr.Code)
	}
	if rr := doJSON(t, router, http.MethodGet, target, "", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	for range 3 {
		if rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1/comments", "user:u1", ""); rr.Code != http.StatusOK {
			t.Fatalf("session requests must not be throttled, got %d", rr.Code)
		}
	}
}

func TestOrderHandlersWithoutServices(t *testing.T) {
	api := newTestAPI(t)
	router := api.orderRouter(OrderHandlersDeps{})

	rr := doJSON(t, router, http.MethodGet, "/api/v1/orders/ord_1", "user:u1", "")
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "order_service_unavailable" {
		t.Fatalf("expected 503, got %d %s", rr.Code, rr.Body.String())
	}
}
