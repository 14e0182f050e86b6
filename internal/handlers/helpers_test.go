package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/mail"
	"github.com/partsdesk/api/internal/services"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// stubTokenVerifier accepts "<role>:<uid>" bearer tokens.
type stubTokenVerifier struct{}

func (stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	role, uid, ok := strings.Cut(idToken, ":")
	if !ok || uid == "" {
		return nil, errors.New("invalid token")
	}
	return &firebaseauth.Token{UID: uid, Claims: map[string]any{"role": role, "email": uid + "@example.com"}}, nil
}

type stubOrderService struct {
	createFn       func(context.Context, services.CreateOrderCommand) (services.CreatedOrder, error)
	getFn          func(context.Context, services.Principal, string) (services.OrderDetail, error)
	listFn         func(context.Context, services.Principal, services.OrderListQuery) (domain.CursorPage[domain.OrderRequest], error)
	changeStatusFn func(context.Context, services.ChangeStatusCommand) (domain.OrderRequest, error)
	addCommentFn   func(context.Context, services.AddCommentCommand) (domain.Comment, error)
	listCommentsFn func(context.Context, services.Principal, string) ([]domain.Comment, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.CreatedOrder, error) {
	if s.createFn == nil {
		return services.CreatedOrder{}, errors.New("unexpected CreateOrder")
	}
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, p services.Principal, orderID string) (services.OrderDetail, error) {
	if s.getFn == nil {
		return services.OrderDetail{}, errors.New("unexpected GetOrder")
	}
	return s.getFn(ctx, p, orderID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, p services.Principal, q services.OrderListQuery) (domain.CursorPage[domain.OrderRequest], error) {
	if s.listFn == nil {
		return domain.CursorPage[domain.OrderRequest]{}, errors.New("unexpected ListOrders")
	}
	return s.listFn(ctx, p, q)
}

func (s *stubOrderService) ChangeStatus(ctx context.Context, cmd services.ChangeStatusCommand) (domain.OrderRequest, error) {
	if s.changeStatusFn == nil {
		return domain.OrderRequest{}, errors.New("unexpected ChangeStatus")
	}
	return s.changeStatusFn(ctx, cmd)
}

func (s *stubOrderService) MarkPaid(context.Context, services.MarkPaidCommand) (services.MarkPaidResult, error) {
	return services.MarkPaidResult{}, errors.New("unexpected MarkPaid")
}

func (s *stubOrderService) AddComment(ctx context.Context, cmd services.AddCommentCommand) (domain.Comment, error) {
	if s.addCommentFn == nil {
		return domain.Comment{}, errors.New("unexpected AddComment")
	}
	return s.addCommentFn(ctx, cmd)
}

func (s *stubOrderService) ListComments(ctx context.Context, p services.Principal, orderID string) ([]domain.Comment, error) {
	if s.listCommentsFn == nil {
		return nil, errors.New("unexpected ListComments")
	}
	return s.listCommentsFn(ctx, p, orderID)
}

type stubSelectionService struct {
	getFn    func(context.Context, services.Principal, string) (services.SelectionView, error)
	selectFn func(context.Context, services.Principal, services.SelectOfferCommand) (services.SelectionView, error)
	updateFn func(context.Context, services.Principal, services.UpdateSelectionCommand) (services.SelectionView, error)
	quoteFn  func(context.Context, services.Principal, services.UpdateSelectionCommand) (domain.Quote, error)
}

func (s *stubSelectionService) GetSelection(ctx context.Context, p services.Principal, orderID string) (services.SelectionView, error) {
	if s.getFn == nil {
		return services.SelectionView{}, nil
	}
	return s.getFn(ctx, p, orderID)
}

func (s *stubSelectionService) SelectOffer(ctx context.Context, p services.Principal, cmd services.SelectOfferCommand) (services.SelectionView, error) {
	if s.selectFn == nil {
		return services.SelectionView{}, errors.New("unexpected SelectOffer")
	}
	return s.selectFn(ctx, p, cmd)
}

func (s *stubSelectionService) UpdateSelection(ctx context.Context, p services.Principal, cmd services.UpdateSelectionCommand) (services.SelectionView, error) {
	if s.updateFn == nil {
		return services.SelectionView{}, errors.New("unexpected UpdateSelection")
	}
	return s.updateFn(ctx, p, cmd)
}

func (s *stubSelectionService) Quote(ctx context.Context, p services.Principal, cmd services.UpdateSelectionCommand) (domain.Quote, error) {
	if s.quoteFn == nil {
		return domain.Quote{}, errors.New("unexpected Quote")
	}
	return s.quoteFn(ctx, p, cmd)
}

type stubCheckoutService struct {
	submitFn func(context.Context, services.Principal, string, services.CheckoutInput) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) SubmitCheckout(ctx context.Context, p services.Principal, orderID string, input services.CheckoutInput) (services.CheckoutResult, error) {
	return s.submitFn(ctx, p, orderID, input)
}

type stubOfferService struct {
	addFn    func(context.Context, services.AddOfferCommand) (domain.Offer, error)
	editFn   func(context.Context, services.EditOfferCommand) (domain.Offer, error)
	deleteFn func(context.Context, services.DeleteOfferCommand) (domain.Offer, error)
}

func (s *stubOfferService) AddOffer(ctx context.Context, cmd services.AddOfferCommand) (domain.Offer, error) {
	return s.addFn(ctx, cmd)
}

func (s *stubOfferService) EditOffer(ctx context.Context, cmd services.EditOfferCommand) (domain.Offer, error) {
	return s.editFn(ctx, cmd)
}

func (s *stubOfferService) DeleteOffer(ctx context.Context, cmd services.DeleteOfferCommand) (domain.Offer, error) {
	return s.deleteFn(ctx, cmd)
}

type stubNotificationService struct {
	listFn     func(context.Context, services.Principal, services.NotificationListQuery) (domain.CursorPage[domain.Notification], error)
	markReadFn func(context.Context, services.Principal, string, bool) (domain.Notification, error)
}

func (s *stubNotificationService) List(ctx context.Context, p services.Principal, q services.NotificationListQuery) (domain.CursorPage[domain.Notification], error) {
	return s.listFn(ctx, p, q)
}

func (s *stubNotificationService) MarkRead(ctx context.Context, p services.Principal, id string, backOffice bool) (domain.Notification, error) {
	return s.markReadFn(ctx, p, id, backOffice)
}

type stubWebhookService struct {
	events  []payments.WebhookEvent
	outcome services.WebhookOutcome
	err     error
}

func (s *stubWebhookService) HandleEvent(_ context.Context, event payments.WebhookEvent) (services.WebhookOutcome, error) {
	s.events = append(s.events, event)
	return s.outcome, s.err
}

// testAPI bundles a resolver that issues real magic links with an authenticator that trusts
// stubTokenVerifier tokens.
type testAPI struct {
	t        *testing.T
	links    *auth.MagicLinks
	resolver *services.IdentityResolver
	authn    *auth.Authenticator
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	links, err := auth.NewMagicLinks("test-signing-key", 24*time.Hour, func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("NewMagicLinks: %v", err)
	}
	resolver, err := services.NewIdentityResolver(services.IdentityResolverDeps{MagicLinks: links, PublicBaseURL: "https://shop.example"})
	if err != nil {
		t.Fatalf("NewIdentityResolver: %v", err)
	}
	return &testAPI{t: t, links: links, resolver: resolver, authn: auth.NewAuthenticator(stubTokenVerifier{})}
}

func (a *testAPI) token(orderID string) string {
	a.t.Helper()
	link, err := a.resolver.IssueMagicLink(orderID)
	if err != nil {
		a.t.Fatalf("IssueMagicLink: %v", err)
	}
	return link.Token
}

func mountRoutes(prefix string, routes func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Route(prefix, routes)
	return r
}

func testMoney(t *testing.T) *mail.MoneyFormatter {
	t.Helper()
	money, err := mail.NewMoneyFormatter("en-IE", "EUR")
	if err != nil {
		t.Fatalf("NewMoneyFormatter: %v", err)
	}
	return money
}

func doJSON(t *testing.T, h http.Handler, method, target, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", rr.Body.String(), err)
	}
	return body
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decodeBody(t, rr)["error"].(string)
	return code
}
