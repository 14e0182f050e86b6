package handlers

import (
	"sort"
	"strings"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/services"
)

// MoneyFormatter renders an amount in minor units for display. An empty currency means the shop
// currency.
type MoneyFormatter interface {
	Format(amount int64, currency string) string
}

// plainMoney is used when no formatter is wired: "12.50 EUR".
type plainMoney struct{}

func (plainMoney) Format(amount int64, currency string) string {
	return strings.TrimSpace(domain.FormatMinorUnits(amount) + " " + currency)
}

func moneyOrPlain(m MoneyFormatter) MoneyFormatter {
	if m == nil {
		return plainMoney{}
	}
	return m
}

type orderItemPayload struct {
	ID           string `json:"id"`
	CategoryID   string `json:"categoryId"`
	CategoryPath string `json:"categoryPath"`
	Quantity     int    `json:"quantity"`
	Note         string `json:"note,omitempty"`
	PhotoURL     string `json:"photoUrl,omitempty"`
	State        string `json:"state"`
	OfferCount   int    `json:"offerCount"`
}

type orderSummaryPayload struct {
	ID           string `json:"id"`
	ShortCode    string `json:"shortCode"`
	VIN          string `json:"vin"`
	Status       string `json:"status"`
	Guest        bool   `json:"guest"`
	ContactEmail string `json:"contactEmail,omitempty"`
	ItemCount    int    `json:"itemCount"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type orderPayload struct {
	orderSummaryPayload
	StatusVersion int                `json:"statusVersion"`
	Items         []orderItemPayload `json:"items"`
	Checkout      *checkoutPayload   `json:"checkout,omitempty"`
}

type offerPayload struct {
	ID                 string `json:"id"`
	OrderItemID        string `json:"orderItemId"`
	OrderID            string `json:"orderId"`
	Manufacturer       string `json:"manufacturer"`
	UnitPrice          int64  `json:"unitPrice"`
	UnitPriceFormatted string `json:"unitPriceFormatted"`
	QuantityAvailable  int    `json:"quantityAvailable"`
	Notes              string `json:"notes,omitempty"`
	Version            int    `json:"version"`
	CreatedAt          string `json:"createdAt"`
	UpdatedAt          string `json:"updatedAt"`
}

type paymentPayload struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	Method          string `json:"method"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	AmountFormatted string `json:"amountFormatted"`
	Currency        string `json:"currency"`
	FailureReason   string `json:"failureReason,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

type commentPayload struct {
	ID         string `json:"id"`
	OrderID    string `json:"orderId"`
	AuthorRole string `json:"authorRole"`
	Body       string `json:"body"`
	CreatedAt  string `json:"createdAt"`
}

type notificationPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Audience  string `json:"audience"`
	OrderID   string `json:"orderId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	IsRead    bool   `json:"isRead"`
	CreatedAt string `json:"createdAt"`
}

type addressPayload struct {
	FullName   string `json:"fullName"`
	Company    string `json:"company,omitempty"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type invoicePayload struct {
	Required    bool   `json:"required"`
	CompanyName string `json:"companyName,omitempty"`
	TaxID       string `json:"taxId,omitempty"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	Country     string `json:"country,omitempty"`
}

type agreementsPayload struct {
	Terms     bool `json:"terms"`
	Privacy   bool `json:"privacy"`
	Marketing bool `json:"marketing"`
}

type checkoutPayload struct {
	ShippingAddress addressPayload    `json:"shippingAddress"`
	InvoiceDetails  invoicePayload    `json:"invoiceDetails"`
	ShippingMethod  string            `json:"shippingMethod"`
	PaymentMethod   string            `json:"paymentMethod"`
	Agreements      agreementsPayload `json:"agreements"`
	Total           int64             `json:"total"`
	TotalFormatted  string            `json:"totalFormatted"`
	Currency        string            `json:"currency"`
	SubmittedAt     string            `json:"submittedAt"`
}

type quoteLinePayload struct {
	ItemID             string `json:"itemId"`
	OfferID            string `json:"offerId"`
	Manufacturer       string `json:"manufacturer"`
	UnitPrice          int64  `json:"unitPrice"`
	UnitPriceFormatted string `json:"unitPriceFormatted"`
	RequestedQuantity  int    `json:"requestedQuantity"`
	EffectiveQuantity  int    `json:"effectiveQuantity"`
	LimitedStock       bool   `json:"limitedStock"`
	LineTotal          int64  `json:"lineTotal"`
	LineTotalFormatted string `json:"lineTotalFormatted"`
}

type quoteAddonPayload struct {
	UpsellItemID       string `json:"upsellItemId"`
	Name               string `json:"name"`
	UnitPrice          int64  `json:"unitPrice"`
	Quantity           int    `json:"quantity"`
	LineTotal          int64  `json:"lineTotal"`
	LineTotalFormatted string `json:"lineTotalFormatted"`
}

type quotePayload struct {
	Currency           string              `json:"currency"`
	Lines              []quoteLinePayload  `json:"lines"`
	Addons             []quoteAddonPayload `json:"addons"`
	Subtotal           int64               `json:"subtotal"`
	SubtotalFormatted  string              `json:"subtotalFormatted"`
	Discount           int64               `json:"discount"`
	DiscountFormatted  string              `json:"discountFormatted"`
	DiscountedSubtotal int64               `json:"discountedSubtotal"`
	Shipping           int64               `json:"shipping"`
	ShippingFormatted  string              `json:"shippingFormatted"`
	ShippingMethod     string              `json:"shippingMethod,omitempty"`
	FreeShipping       bool                `json:"freeShipping"`
	Total              int64               `json:"total"`
	TotalFormatted     string              `json:"totalFormatted"`
	CouponCode         string              `json:"couponCode,omitempty"`
	LimitedStock       bool                `json:"limitedStock"`
}

type upsellPayload struct {
	UpsellItemID string `json:"upsellItemId"`
	Quantity     int    `json:"quantity"`
}

type selectionPayload struct {
	SelectedOffers  map[string]string `json:"selectedOffers"`
	SelectedUpsells []upsellPayload   `json:"selectedUpsells"`
	CouponCode      string            `json:"couponCode,omitempty"`
	ShippingMethod  string            `json:"shippingMethod,omitempty"`
	Totals          quotePayload      `json:"totals"`
	UpdatedAt       string            `json:"updatedAt,omitempty"`
}

type orderDetailPayload struct {
	Order     orderPayload      `json:"order"`
	Offers    []offerPayload    `json:"offers"`
	Payments  []paymentPayload  `json:"payments"`
	Comments  []commentPayload  `json:"comments"`
	Selection *selectionPayload `json:"selection,omitempty"`
}

type listResponse[T any] struct {
	Items         []T    `json:"items"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

func buildOrderSummary(order domain.OrderRequest) orderSummaryPayload {
	return orderSummaryPayload{
		ID:           order.ID,
		ShortCode:    order.ShortCode,
		VIN:          order.VIN,
		Status:       string(order.Status),
		Guest:        order.IsGuest(),
		ContactEmail: order.ContactEmail,
		ItemCount:    len(order.Items),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
	}
}

func buildOrderPayload(order domain.OrderRequest, money MoneyFormatter) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:           item.ID,
			CategoryID:   item.CategoryID,
			CategoryPath: item.CategoryPath,
			Quantity:     item.Quantity,
			Note:         item.Note,
			PhotoURL:     item.PhotoURL,
			State:        string(item.State),
			OfferCount:   item.OfferCount,
		})
	}
	payload := orderPayload{
		orderSummaryPayload: buildOrderSummary(order),
		StatusVersion:       order.StatusVersion,
		Items:               items,
	}
	if snap := order.Checkout; snap != nil {
		payload.Checkout = &checkoutPayload{
			ShippingAddress: addressPayload(snap.ShippingAddress),
			InvoiceDetails:  invoicePayload(snap.InvoiceDetails),
			ShippingMethod:  snap.ShippingMethod,
			PaymentMethod:   snap.PaymentMethod,
			Agreements:      agreementsPayload(snap.Agreements),
			Total:           snap.Total,
			TotalFormatted:  moneyOrPlain(money).Format(snap.Total, snap.Currency),
			Currency:        snap.Currency,
			SubmittedAt:     formatTime(snap.SubmittedAt),
		}
	}
	return payload
}

func buildOfferPayload(offer domain.Offer, money MoneyFormatter) offerPayload {
	return offerPayload{
		ID:                 offer.ID,
		OrderItemID:        offer.OrderItemID,
		OrderID:            offer.OrderRequestID,
		Manufacturer:       offer.Manufacturer,
		UnitPrice:          offer.UnitPrice,
		UnitPriceFormatted: moneyOrPlain(money).Format(offer.UnitPrice, ""),
		QuantityAvailable:  offer.QuantityAvailable,
		Notes:              offer.Notes,
		Version:            offer.Version,
		CreatedAt:          formatTime(offer.CreatedAt),
		UpdatedAt:          formatTime(offer.UpdatedAt),
	}
}

func buildCommentPayload(comment domain.Comment) commentPayload {
	return commentPayload{
		ID:         comment.ID,
		OrderID:    comment.OrderRequestID,
		AuthorRole: string(comment.AuthorRole),
		Body:       comment.Body,
		CreatedAt:  formatTime(comment.CreatedAt),
	}
}

func buildCommentPayloads(comments []domain.Comment) []commentPayload {
	out := make([]commentPayload, 0, len(comments))
	for _, c := range comments {
		out = append(out, buildCommentPayload(c))
	}
	return out
}

func buildNotificationPayload(n domain.Notification) notificationPayload {
	return notificationPayload{
		ID:        n.ID,
		Type:      string(n.Type),
		Audience:  string(n.Audience),
		OrderID:   n.OrderRequestID,
		Title:     n.Title,
		Body:      n.Body,
		IsRead:    n.IsRead,
		CreatedAt: formatTime(n.CreatedAt),
	}
}

func buildOrderDetail(detail services.OrderDetail, money MoneyFormatter) orderDetailPayload {
	money = moneyOrPlain(money)
	payload := orderDetailPayload{
		Order:    buildOrderPayload(detail.Order, money),
		Offers:   make([]offerPayload, 0, len(detail.Offers)),
		Payments: make([]paymentPayload, 0, len(detail.Payments)),
		Comments: buildCommentPayloads(detail.Comments),
	}
	for _, offer := range detail.Offers {
		payload.Offers = append(payload.Offers, buildOfferPayload(offer, money))
	}
	for _, p := range detail.Payments {
		payload.Payments = append(payload.Payments, paymentPayload{
			ID:              p.ID,
			Provider:        p.Provider,
			Method:          p.Method,
			Status:          string(p.Status),
			Amount:          p.Amount,
			AmountFormatted: money.Format(p.Amount, p.Currency),
			Currency:        p.Currency,
			FailureReason:   p.FailureReason,
			CreatedAt:       formatTime(p.CreatedAt),
		})
	}
	return payload
}

func buildQuotePayload(q domain.Quote, money MoneyFormatter) quotePayload {
	money = moneyOrPlain(money)
	format := func(amount int64) string { return money.Format(amount, q.Currency) }
	payload := quotePayload{
		Currency:           q.Currency,
		Lines:              make([]quoteLinePayload, 0, len(q.Lines)),
		Addons:             make([]quoteAddonPayload, 0, len(q.Addons)),
		Subtotal:           q.Subtotal,
		SubtotalFormatted:  format(q.Subtotal),
		Discount:           q.Discount,
		DiscountFormatted:  format(q.Discount),
		DiscountedSubtotal: q.DiscountedSubtotal,
		Shipping:           q.Shipping,
		ShippingFormatted:  format(q.Shipping),
		ShippingMethod:     q.ShippingMethod,
		FreeShipping:       q.FreeShipping,
		Total:              q.Total,
		TotalFormatted:     format(q.Total),
		CouponCode:         q.CouponCode,
		LimitedStock:       q.HasLimitedStock(),
	}
	for _, line := range q.Lines {
		payload.Lines = append(payload.Lines, quoteLinePayload{
			ItemID:             line.ItemID,
			OfferID:            line.OfferID,
			Manufacturer:       line.Manufacturer,
			UnitPrice:          line.UnitPrice,
			UnitPriceFormatted: format(line.UnitPrice),
			RequestedQuantity:  line.RequestedQuantity,
			EffectiveQuantity:  line.EffectiveQuantity,
			LimitedStock:       line.LimitedStock,
			LineTotal:          line.LineTotal,
			LineTotalFormatted: format(line.LineTotal),
		})
	}
	for _, addon := range q.Addons {
		payload.Addons = append(payload.Addons, quoteAddonPayload{
			UpsellItemID:       addon.UpsellItemID,
			Name:               addon.Name,
			UnitPrice:          addon.UnitPrice,
			Quantity:           addon.Quantity,
			LineTotal:          addon.LineTotal,
			LineTotalFormatted: format(addon.LineTotal),
		})
	}
	return payload
}

func buildSelectionPayload(view services.SelectionView, money MoneyFormatter) selectionPayload {
	selected := make(map[string]string, len(view.Draft.Items))
	for itemID, sel := range view.Draft.Items {
		if sel.Include && sel.OfferID != "" {
			selected[itemID] = sel.OfferID
		}
	}
	upsells := make([]upsellPayload, 0, len(view.Draft.Addons))
	for _, addon := range view.Draft.Addons {
		upsells = append(upsells, upsellPayload(addon))
	}
	sort.Slice(upsells, func(i, j int) bool { return upsells[i].UpsellItemID < upsells[j].UpsellItemID })
	return selectionPayload{
		SelectedOffers:  selected,
		SelectedUpsells: upsells,
		CouponCode:      view.Draft.CouponCode,
		ShippingMethod:  view.Draft.ShippingMethod,
		Totals:          buildQuotePayload(view.Quote, money),
		UpdatedAt:       formatTime(view.Draft.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
