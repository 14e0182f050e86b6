package services

import (
	"strings"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/config"
)

// PricedSelection pairs an order item with the offer chosen for it.
type PricedSelection struct {
	Item  domain.OrderItem
	Offer domain.Offer
}

// PricingInput is everything ComputeTotal needs. Prices come from stored offers and the shop catalog only.
type PricingInput struct {
	Selections     []PricedSelection
	Addons         []domain.UpsellAddon
	ShippingMethod string
	CouponCode     string
}

// CheckoutReadiness is the data CanCheckout inspects.
type CheckoutReadiness struct {
	IncludedCount   int
	ShippingAddress domain.ShippingAddress
	InvoiceDetails  domain.InvoiceDetails
	Agreements      domain.Agreements
	ShippingMethod  string
	PaymentMethod   string
}

// PricingEngine computes server-authoritative totals from the shop configuration.
type PricingEngine struct {
	shop config.ShopConfig
	now  func() time.Time
}

// NewPricingEngine binds the engine to a shop configuration.
func NewPricingEngine(shop config.ShopConfig, clock func() time.Time) *PricingEngine {
	if clock == nil {
		clock = time.Now
	}
	return &PricingEngine{shop: shop, now: func() time.Time { return clock().UTC() }}
}

// EffectiveQuantity is the quantity that can actually be delivered for the item.
func EffectiveQuantity(item domain.OrderItem, offer domain.Offer) int {
	return min(item.Quantity, offer.QuantityAvailable)
}

// ComputeTotal prices the included selections and addons, applies the coupon, then shipping.
func (e *PricingEngine) ComputeTotal(input PricingInput) (domain.Quote, error) {
	quote := domain.Quote{
		Currency:       e.shop.Currency,
		Lines:          make([]domain.QuoteLine, 0, len(input.Selections)),
		Addons:         make([]domain.QuoteAddon, 0, len(input.Addons)),
		ShippingMethod: strings.TrimSpace(input.ShippingMethod),
	}
	var problems fieldErrors
	overflow := false

	for _, sel := range input.Selections {
		qty := EffectiveQuantity(sel.Item, sel.Offer)
		line := domain.QuoteLine{
			ItemID:            sel.Item.ID,
			OfferID:           sel.Offer.ID,
			Manufacturer:      sel.Offer.Manufacturer,
			UnitPrice:         sel.Offer.UnitPrice,
			RequestedQuantity: sel.Item.Quantity,
			EffectiveQuantity: qty,
			LimitedStock:      sel.Offer.QuantityAvailable < sel.Item.Quantity,
		}
		var ok bool
		if line.LineTotal, ok = mulAmount(line.UnitPrice, qty); !ok {
			overflow = true
		} else if quote.Subtotal, ok = addAmount(quote.Subtotal, line.LineTotal); !ok {
			overflow = true
		}
		quote.Lines = append(quote.Lines, line)
	}

	for _, addon := range input.Addons {
		field := "selectedUpsells." + addon.UpsellItemID
		upsell, ok := e.shop.Upsell(addon.UpsellItemID)
		if !ok {
			problems.add(field, "unknown_upsell", "upsell item is not available")
			continue
		}
		if addon.Quantity < 1 {
			problems.add(field, "invalid_quantity", "quantity must be at least 1")
			continue
		}
		line := domain.QuoteAddon{
			UpsellItemID: upsell.ID,
			Name:         upsell.Name,
			UnitPrice:    int64(upsell.Price),
			Quantity:     addon.Quantity,
		}
		if line.LineTotal, ok = mulAmount(line.UnitPrice, addon.Quantity); !ok {
			overflow = true
		} else if quote.Subtotal, ok = addAmount(quote.Subtotal, line.LineTotal); !ok {
			overflow = true
		}
		quote.Addons = append(quote.Addons, line)
	}
	if overflow {
		problems.add("selectedOffers", "total_too_large", "order total exceeds the supported maximum")
		return domain.Quote{}, problems.err()
	}

	quote.DiscountedSubtotal = quote.Subtotal
	if code := strings.TrimSpace(input.CouponCode); code != "" {
		coupon, err := e.resolveCoupon(code, quote.Subtotal)
		if err != nil {
			problems.add("couponCode", "invalid_coupon", err.Error())
		} else {
			quote.CouponCode = coupon.Code
			quote.DiscountedSubtotal = applyCoupon(quote.Subtotal, coupon)
			quote.Discount = quote.Subtotal - quote.DiscountedSubtotal
		}
	}

	if quote.ShippingMethod != "" {
		rate, ok := e.shop.ShippingRate(quote.ShippingMethod)
		switch {
		case !ok:
			problems.add("shippingMethod", "unknown_shipping_method", "shipping method is not available")
		case e.freeShipping(quote.DiscountedSubtotal):
			quote.FreeShipping = true
		default:
			quote.Shipping = rate
		}
	}

	total, ok := addAmount(quote.DiscountedSubtotal, quote.Shipping)
	if !ok {
		problems.add("selectedOffers", "total_too_large", "order total exceeds the supported maximum")
	}
	if err := problems.err(); err != nil {
		return domain.Quote{}, err
	}
	quote.Total = total
	return quote, nil
}

// CanCheckout lists every reason the order cannot be submitted yet. An empty result means ready.
func (e *PricingEngine) CanCheckout(input CheckoutReadiness) []FieldError {
	var problems fieldErrors
	if input.IncludedCount < 1 {
		problems.add("selectedOffers", "no_selection", "select at least one offer")
	}

	addr := input.ShippingAddress
	requireText(&problems, "shippingAddress.fullName", addr.FullName)
	requireText(&problems, "shippingAddress.street", addr.Street)
	requireText(&problems, "shippingAddress.city", addr.City)
	requireText(&problems, "shippingAddress.postalCode", addr.PostalCode)
	requireText(&problems, "shippingAddress.country", addr.Country)
	requireText(&problems, "shippingAddress.phone", addr.Phone)

	if inv := input.InvoiceDetails; inv.Required {
		requireText(&problems, "invoiceDetails.companyName", inv.CompanyName)
		requireText(&problems, "invoiceDetails.taxId", inv.TaxID)
		requireText(&problems, "invoiceDetails.street", inv.Street)
		requireText(&problems, "invoiceDetails.city", inv.City)
		requireText(&problems, "invoiceDetails.postalCode", inv.PostalCode)
		requireText(&problems, "invoiceDetails.country", inv.Country)
	}

	if !input.Agreements.Terms {
		problems.add("agreements.terms", "must_accept", "terms must be accepted")
	}
	if !input.Agreements.Privacy {
		problems.add("agreements.privacy", "must_accept", "privacy policy must be accepted")
	}

	method := strings.TrimSpace(input.ShippingMethod)
	if method == "" {
		problems.add("shippingMethod", "required", "shipping method is required")
	} else if _, ok := e.shop.ShippingRate(method); !ok {
		problems.add("shippingMethod", "unknown_shipping_method", "shipping method is not available")
	}

	payment := strings.TrimSpace(input.PaymentMethod)
	if payment == "" {
		problems.add("paymentMethod", "required", "payment method is required")
	} else if _, ok := e.shop.PaymentMethod(payment); !ok {
		problems.add("paymentMethod", "unknown_payment_method", "payment method is not available")
	}
	return problems
}

func (e *PricingEngine) resolveCoupon(code string, subtotal int64) (domain.Coupon, error) {
	cfg, ok := e.shop.Coupon(code)
	if !ok || !cfg.Usable(e.now()) {
		return domain.Coupon{}, errCouponUnavailable
	}
	if subtotal < int64(cfg.MinSubtotal) {
		return domain.Coupon{}, errCouponMinimum
	}
	return cfg.Resolve()
}

func (e *PricingEngine) freeShipping(discounted int64) bool {
	threshold := int64(e.shop.Shipping.FreeShippingThreshold)
	return threshold > 0 && discounted >= threshold
}

// applyCoupon returns the discounted subtotal. Percentages round half-up to minor units.
func applyCoupon(subtotal int64, coupon domain.Coupon) int64 {
	switch coupon.Type {
	case domain.CouponPercent:
		pct := min(max(coupon.Value, 0), 100)
		return (subtotal*(100-pct) + 50) / 100
	case domain.CouponFixed:
		return subtotal - min(max(coupon.Value, 0), subtotal)
	}
	return subtotal
}

// mulAmount multiplies a minor-unit price by a quantity, failing past domain.MaxAmount.
func mulAmount(price int64, qty int) (int64, bool) {
	if price < 0 || qty < 0 {
		return 0, false
	}
	if qty == 0 {
		return 0, true
	}
	if price > domain.MaxAmount/int64(qty) {
		return 0, false
	}
	return price * int64(qty), true
}

// addAmount sums two minor-unit amounts, failing past domain.MaxAmount.
func addAmount(a, b int64) (int64, bool) {
	if a < 0 || b < 0 || a > domain.MaxAmount-b {
		return 0, false
	}
	return a + b, true
}

func requireText(problems *fieldErrors, field, value string) {
	if strings.TrimSpace(value) == "" {
		problems.add(field, "required", "field is required")
	}
}

type couponError string

func (e couponError) Error() string { return string(e) }

const (
	errCouponUnavailable couponError = "coupon is unknown or expired"
	errCouponMinimum     couponError = "order total is below the coupon minimum"
)
