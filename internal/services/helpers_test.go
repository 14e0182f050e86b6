package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/config"
	"github.com/partsdesk/api/internal/platform/mail"
	"github.com/partsdesk/api/internal/repositories"
	"github.com/partsdesk/api/internal/repositories/memory"
)

const testVIN = "WVWZZZ1JZXW000001"

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type stubMailSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (s *stubMailSender) Send(_ context.Context, msg mail.Message) (mail.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return mail.DeliveryResult{}, s.err
	}
	s.sent = append(s.sent, msg)
	return mail.DeliveryResult{Transport: "stub", MessageID: fmt.Sprintf("msg-%d", len(s.sent))}, nil
}

func (s *stubMailSender) templates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, msg := range s.sent {
		out = append(out, msg.Template)
	}
	return out
}

type stubSessions struct {
	requests []payments.CheckoutSessionRequest
	provider []string
	err      error
}

func (s *stubSessions) CreateCheckoutSession(_ context.Context, provider string, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.requests = append(s.requests, req)
	s.provider = append(s.provider, provider)
	if s.err != nil {
		return payments.CheckoutSession{}, s.err
	}
	return payments.CheckoutSession{
		Provider:    provider,
		SessionID:   "cs_" + req.PaymentID,
		IntentID:    "pi_" + req.PaymentID,
		RedirectURL: "https://pay.example/" + req.PaymentID,
	}, nil
}

type countingMetrics struct {
	offersAdded   atomic.Int64
	limitRejected atomic.Int64
	transitions   atomic.Int64
	emailFailures atomic.Int64
}

func (m *countingMetrics) OfferAdded(context.Context)                      { m.offersAdded.Add(1) }
func (m *countingMetrics) OfferLimitRejected(context.Context)              { m.limitRejected.Add(1) }
func (m *countingMetrics) OrderTransition(context.Context, string, string) { m.transitions.Add(1) }
func (m *countingMetrics) EmailFailed(context.Context, string)             { m.emailFailures.Add(1) }

// testEnv wires every service against the in-memory store.
type testEnv struct {
	t          *testing.T
	store      *memory.Store
	shop       config.ShopConfig
	identity   *IdentityResolver
	mail       *stubMailSender
	sessions   *stubSessions
	metrics    *countingMetrics
	dispatcher NotificationDispatcher
	orders     OrderService
	offers     OfferService
	selections SelectionService
	checkout   CheckoutService
	webhooks   PaymentWebhookService
	inbox      NotificationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithShop(t, config.DefaultShopConfig())
}

func newTestEnvWithShop(t *testing.T, shop config.ShopConfig) *testEnv {
	t.Helper()
	clock := func() time.Time { return testNow }
	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("%06d", seq.Add(1)) }

	links, err := auth.NewMagicLinks("test-signing-key", 24*time.Hour, clock)
	if err != nil {
		t.Fatalf("NewMagicLinks: %v", err)
	}
	identity, err := NewIdentityResolver(IdentityResolverDeps{MagicLinks: links, PublicBaseURL: "https://shop.example"})
	if err != nil {
		t.Fatalf("NewIdentityResolver: %v", err)
	}
	env := &testEnv{
		t:        t,
		store:    memory.NewStore(),
		shop:     shop,
		identity: identity,
		mail:     &stubMailSender{},
		sessions: &stubSessions{},
		metrics:  &countingMetrics{},
	}
	env.dispatcher, err = NewNotificationDispatcher(NotificationDispatcherDeps{
		Notifications: env.store.Notifications(),
		Mail:          env.mail,
		Links:         identity,
		Shop:          shop,
		Metrics:       env.metrics,
		Clock:         clock,
		IDGenerator:   ids,
	})
	if err != nil {
		t.Fatalf("NewNotificationDispatcher: %v", err)
	}
	env.orders, err = NewOrderService(OrderServiceDeps{
		Orders:        env.store.Orders(),
		Offers:        env.store.Offers(),
		Selections:    env.store.Selections(),
		Payments:      env.store.Payments(),
		Comments:      env.store.Comments(),
		Counters:      env.store.Counters(),
		Links:         identity,
		Mail:          env.mail,
		Notifications: env.dispatcher,
		Metrics:       env.metrics,
		Shop:          shop,
		Clock:         clock,
		IDGenerator:   ids,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	env.offers, err = NewOfferService(OfferServiceDeps{
		Orders:        env.store.Orders(),
		Offers:        env.store.Offers(),
		Notifications: env.dispatcher,
		Metrics:       env.metrics,
		Clock:         clock,
		IDGenerator:   ids,
	})
	if err != nil {
		t.Fatalf("NewOfferService: %v", err)
	}
	pricing := NewPricingEngine(shop, clock)
	env.selections, err = NewSelectionService(SelectionServiceDeps{
		Orders:     env.store.Orders(),
		Offers:     env.store.Offers(),
		Selections: env.store.Selections(),
		Pricing:    pricing,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewSelectionService: %v", err)
	}
	env.checkout, err = NewCheckoutService(CheckoutServiceDeps{
		Orders:      env.store.Orders(),
		Offers:      env.store.Offers(),
		Selections:  env.store.Selections(),
		Payments:    env.store.Payments(),
		Pricing:     pricing,
		Sessions:    env.sessions,
		Links:       identity,
		Shop:        shop,
		Clock:       clock,
		IDGenerator: ids,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	env.webhooks, err = NewPaymentWebhookService(PaymentWebhookServiceDeps{
		Orders:        env.store.Orders(),
		Payments:      env.store.Payments(),
		OrderService:  env.orders,
		Notifications: env.dispatcher,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("NewPaymentWebhookService: %v", err)
	}
	env.inbox, err = NewNotificationService(env.store.Notifications())
	if err != nil {
		t.Fatalf("NewNotificationService: %v", err)
	}
	return env
}

var (
	adminPrincipal = Principal{Kind: PrincipalAuthenticated, UserID: "admin-1", Email: "admin@shop.example", Role: domain.RoleAdmin}
	staffPrincipal = Principal{Kind: PrincipalAuthenticated, UserID: "staff-1", Email: "staff@shop.example", Role: domain.RoleStaff}
	userPrincipal  = Principal{Kind: PrincipalAuthenticated, UserID: "user-1", Email: "user@example.com", Role: domain.RoleUser}
)

func guestPrincipal(orderID string) Principal {
	return Principal{Kind: PrincipalGuest, Role: domain.RoleGuest, OrderID: orderID}
}

// createOrder stores an order for the given actor with one item per quantity.
func (e *testEnv) createOrder(actor Principal, quantities ...int) domain.OrderRequest {
	e.t.Helper()
	items := make([]NewOrderItem, 0, len(quantities))
	for i, qty := range quantities {
		items = append(items, NewOrderItem{CategoryID: fmt.Sprintf("cat-%d", i), CategoryPath: "Engine/Filters", Quantity: qty})
	}
	created, err := e.orders.CreateOrder(context.Background(), CreateOrderCommand{
		Actor: actor,
		VIN:   testVIN,
		Email: "guest@example.com",
		Items: items,
	})
	if err != nil {
		e.t.Fatalf("CreateOrder: %v", err)
	}
	return created.Order
}

func (e *testEnv) addOffer(itemID string, price int64, qty int) domain.Offer {
	e.t.Helper()
	offer, err := e.offers.AddOffer(context.Background(), AddOfferCommand{
		OrderItemID:       itemID,
		Manufacturer:      "Bosch",
		UnitPrice:         &price,
		QuantityAvailable: &qty,
		Actor:             staffPrincipal,
	})
	if err != nil {
		e.t.Fatalf("AddOffer: %v", err)
	}
	return offer
}

func (e *testEnv) markQuoted(orderID string) domain.OrderRequest {
	e.t.Helper()
	order, err := e.orders.ChangeStatus(context.Background(), ChangeStatusCommand{OrderID: orderID, To: domain.OrderStatusValuated, Actor: adminPrincipal})
	if err != nil {
		e.t.Fatalf("ChangeStatus VALUATED: %v", err)
	}
	return order
}

func (e *testEnv) selectOffer(p Principal, orderID, itemID, offerID string) SelectionView {
	e.t.Helper()
	view, err := e.selections.SelectOffer(context.Background(), p, SelectOfferCommand{OrderID: orderID, ItemID: itemID, OfferID: &offerID})
	if err != nil {
		e.t.Fatalf("SelectOffer: %v", err)
	}
	return view
}

func (e *testEnv) notifications() []domain.Notification {
	e.t.Helper()
	page, err := e.store.Notifications().List(context.Background(), repositories.NotificationFilter{Pagination: domain.Pagination{PageSize: 100}})
	if err != nil {
		e.t.Fatalf("list notifications: %v", err)
	}
	return page.Items
}

func (e *testEnv) countNotifications(kind domain.NotificationType) int {
	n := 0
	for _, row := range e.notifications() {
		if row.Type == kind {
			n++
		}
	}
	return n
}

func validCheckoutInput(method string) CheckoutInput {
	return CheckoutInput{
		ShippingAddress: domain.ShippingAddress{
			FullName:   "Ada Lovelace",
			Street:     "1 Main St",
			City:       "Dublin",
			PostalCode: "D01",
			Country:    "IE",
			Phone:      "+353100000",
		},
		ShippingMethod: "standard",
		PaymentMethod:  method,
		Agreements:     domain.Agreements{Terms: true, Privacy: true},
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func fieldCodes(err error) map[string]string {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	out := make(map[string]string, len(verr.Fields))
	for _, f := range verr.Fields {
		out[f.Field] = f.Code
	}
	return out
}
