package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/config"
	"github.com/partsdesk/api/internal/repositories"
)

const paymentIDPrefix = "pay_"

// CheckoutInput is a checkout submission. Changes are merged into the stored draft before pricing.
type CheckoutInput struct {
	ShippingAddress domain.ShippingAddress
	InvoiceDetails  domain.InvoiceDetails
	ShippingMethod  string
	PaymentMethod   string
	Agreements      domain.Agreements
	Changes         SelectionChanges
}

// CheckoutResult tells the client where to continue.
type CheckoutResult struct {
	PaymentID    string
	Provider     string
	RedirectURL  string
	Instructions map[string]string
	Quote        domain.Quote
}

type checkoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, provider string, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the checkout service.
type CheckoutServiceDeps struct {
	Orders      repositories.OrderRepository
	Offers      repositories.OfferRepository
	Selections  repositories.SelectionRepository
	Payments    repositories.PaymentRepository
	Pricing     *PricingEngine
	Sessions    checkoutSessionCreator
	Links       orderLinks
	Shop        config.ShopConfig
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	state    selectionStateLoader
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository
	pricing  *PricingEngine
	sessions checkoutSessionCreator
	links    orderLinks
	shop     config.ShopConfig
	now      func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService validates dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Orders == nil || deps.Offers == nil || deps.Selections == nil || deps.Payments == nil:
		return nil, errors.New("checkout service: order, offer, selection and payment repositories are required")
	case deps.Pricing == nil:
		return nil, errors.New("checkout service: pricing engine is required")
	case deps.Sessions == nil:
		return nil, errors.New("checkout service: payment manager is required")
	case deps.Links == nil:
		return nil, errors.New("checkout service: link issuer is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		state:    selectionStateLoader{orders: deps.Orders, offers: deps.Offers, selections: deps.Selections},
		orders:   deps.Orders,
		payments: deps.Payments,
		pricing:  deps.Pricing,
		sessions: deps.Sessions,
		links:    deps.Links,
		shop:     deps.Shop,
		now:      func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// SubmitCheckout prices the merged selection, stores the checkout snapshot and a pending payment,
// then hands off to the payment provider. The order status is never changed here.
func (s *checkoutService) SubmitCheckout(ctx context.Context, p Principal, orderID string, input CheckoutInput) (CheckoutResult, error) {
	st, err := s.state.load(ctx, p, orderID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if st.order.Status != domain.OrderStatusValuated {
		return CheckoutResult{}, fmt.Errorf("%w: checkout requires VALUATED, order is %s", ErrOrderInvalidState, st.order.Status)
	}

	changes := input.Changes
	if method := strings.TrimSpace(input.ShippingMethod); method != "" {
		changes.ShippingMethod = &method
	}
	if err := st.apply(changes); err != nil {
		return CheckoutResult{}, err
	}
	quote, err := s.pricing.ComputeTotal(st.pricingInput())
	if err != nil {
		return CheckoutResult{}, err
	}
	if problems := s.pricing.CanCheckout(CheckoutReadiness{
		IncludedCount:   quote.DeliverableLines(),
		ShippingAddress: input.ShippingAddress,
		InvoiceDetails:  input.InvoiceDetails,
		Agreements:      input.Agreements,
		ShippingMethod:  st.draft.ShippingMethod,
		PaymentMethod:   input.PaymentMethod,
	}); len(problems) > 0 {
		return CheckoutResult{}, &ValidationError{Fields: problems}
	}
	method, _ := s.shop.PaymentMethod(strings.TrimSpace(input.PaymentMethod))

	now := s.now()
	st.draft.UpdatedAt = now
	if err := s.state.selections.Save(ctx, st.draft); err != nil {
		return CheckoutResult{}, translateRepoError(err, "selection")
	}
	snapshot := domain.CheckoutSnapshot{
		ShippingAddress: input.ShippingAddress,
		InvoiceDetails:  input.InvoiceDetails,
		ShippingMethod:  st.draft.ShippingMethod,
		PaymentMethod:   method.Code,
		Agreements:      input.Agreements,
		Total:           quote.Total,
		Currency:        quote.Currency,
		SubmittedAt:     now,
	}
	if err := s.orders.SaveCheckout(ctx, st.order.ID, snapshot); err != nil {
		return CheckoutResult{}, translateRepoError(err, "order")
	}

	payment := domain.Payment{
		ID:             paymentIDPrefix + s.newID(),
		OrderRequestID: st.order.ID,
		Provider:       method.Provider,
		Method:         method.Code,
		Status:         domain.PaymentStatusPending,
		Amount:         quote.Total,
		Currency:       quote.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		return CheckoutResult{}, translateRepoError(err, "payment")
	}

	returnURL := s.returnURL(p, st.order.ID)
	session, err := s.sessions.CreateCheckoutSession(ctx, method.Provider, payments.CheckoutSessionRequest{
		PaymentID:      payment.ID,
		OrderID:        st.order.ID,
		Reference:      st.order.ShortCode,
		Amount:         quote.Total,
		Currency:       quote.Currency,
		CustomerEmail:  st.order.ContactEmail,
		Locale:         s.shop.Brand.Locale,
		SuccessURL:     withQuery(returnURL, "checkout", "success"),
		CancelURL:      withQuery(returnURL, "checkout", "cancelled"),
		IdempotencyKey: CheckoutIdempotencyKey(st.order.ID, selectionFingerprint(st, quote), quote.Total),
		Items:          lineItems(quote),
	})
	if err != nil {
		payment.Status = domain.PaymentStatusFailed
		payment.FailureReason = "session_failed"
		payment.UpdatedAt = s.now()
		if updateErr := s.payments.Update(ctx, payment); updateErr != nil {
			s.logger(ctx, "checkout.payment_update_failed", map[string]any{"paymentId": payment.ID, "error": updateErr.Error()})
		}
		s.logger(ctx, "checkout.session_failed", map[string]any{
			"orderId":  st.order.ID,
			"provider": method.Provider,
			"error":    err.Error(),
		})
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}

	payment.SessionID = session.SessionID
	payment.IntentID = session.IntentID
	payment.RedirectURL = session.RedirectURL
	payment.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, payment); err != nil {
		return CheckoutResult{}, translateRepoError(err, "payment")
	}
	s.logger(ctx, "checkout.submitted", map[string]any{
		"orderId":   st.order.ID,
		"paymentId": payment.ID,
		"provider":  method.Provider,
		"total":     quote.Total,
	})
	return CheckoutResult{
		PaymentID:    payment.ID,
		Provider:     method.Provider,
		RedirectURL:  session.RedirectURL,
		Instructions: session.Instructions,
		Quote:        quote,
	}, nil
}

// returnURL gives guests a link carrying a fresh token so the provider redirect lands on an accessible page.
func (s *checkoutService) returnURL(p Principal, orderID string) string {
	if p.Kind == PrincipalGuest {
		if link, err := s.links.IssueMagicLink(orderID); err == nil {
			return link.URL
		}
	}
	return s.links.OrderURL(orderID)
}

// CheckoutIdempotencyKey derives the provider idempotency key, so resubmitting an unchanged checkout reuses the session.
func CheckoutIdempotencyKey(orderID, fingerprint string, amount int64) string {
	sum := sha256.Sum256([]byte(orderID + "|" + fingerprint + "|" + strconv.FormatInt(amount, 10)))
	return hex.EncodeToString(sum[:])
}

// selectionFingerprint covers every input that changes what the customer pays for.
func selectionFingerprint(st *selectionState, quote domain.Quote) string {
	parts := make([]string, 0, len(quote.Lines)+len(quote.Addons)+2)
	for _, line := range quote.Lines {
		offer := st.offers[line.OfferID]
		parts = append(parts, line.ItemID+"="+line.OfferID+"@"+strconv.Itoa(offer.Version))
	}
	for _, addon := range quote.Addons {
		parts = append(parts, "+"+addon.UpsellItemID+"x"+strconv.Itoa(addon.Quantity))
	}
	sort.Strings(parts)
	parts = append(parts, "coupon="+quote.CouponCode, "ship="+quote.ShippingMethod)
	return strings.Join(parts, ";")
}

// lineItems itemises the quote for the provider page. Discounted quotes are sent as one line because
// providers reject negative lines.
func lineItems(quote domain.Quote) []payments.LineItem {
	if quote.Discount > 0 {
		return nil
	}
	items := make([]payments.LineItem, 0, len(quote.Lines)+len(quote.Addons)+1)
	for _, line := range quote.Lines {
		if line.EffectiveQuantity == 0 {
			continue
		}
		items = append(items, payments.LineItem{Name: line.Manufacturer, Quantity: int64(line.EffectiveQuantity), Amount: line.UnitPrice})
	}
	for _, addon := range quote.Addons {
		items = append(items, payments.LineItem{Name: addon.Name, Quantity: int64(addon.Quantity), Amount: addon.UnitPrice})
	}
	if quote.Shipping > 0 {
		items = append(items, payments.LineItem{Name: "Shipping", Quantity: 1, Amount: quote.Shipping})
	}
	return items
}

func withQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + value
}
