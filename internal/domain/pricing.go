package domain

// CouponType distinguishes percentage and fixed-amount coupons.
type CouponType string

const (
	CouponPercent CouponType = "PERCENT"
	CouponFixed   CouponType = "FIXED"
)

// Coupon is the resolved discount applied to a quote.
type Coupon struct {
	Code  string
	Type  CouponType
	Value int64
}

// QuoteLine is the priced view of one selected item.
type QuoteLine struct {
	ItemID            string
	OfferID           string
	Manufacturer      string
	UnitPrice         int64
	RequestedQuantity int
	EffectiveQuantity int
	LimitedStock      bool
	LineTotal         int64
}

// QuoteAddon is the priced view of an upsell addon.
type QuoteAddon struct {
	UpsellItemID string
	Name         string
	UnitPrice    int64
	Quantity     int
	LineTotal    int64
}

// Quote captures the aggregated monetary results of pricing a selection.
type Quote struct {
	Currency           string
	Lines              []QuoteLine
	Addons             []QuoteAddon
	Subtotal           int64
	Discount           int64
	DiscountedSubtotal int64
	Shipping           int64
	ShippingMethod     string
	FreeShipping       bool
	Total              int64
	CouponCode         string
}

// HasLimitedStock reports whether any line is short of the requested quantity.
func (q Quote) HasLimitedStock() bool {
	for _, line := range q.Lines {
		if line.LimitedStock {
			return true
		}
	}
	return false
}

// DeliverableLines counts the lines that ship at least one unit.
func (q Quote) DeliverableLines() int {
	n := 0
	for _, line := range q.Lines {
		if line.EffectiveQuantity > 0 {
			n++
		}
	}
	return n
}
