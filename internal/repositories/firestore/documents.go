package firestore

import (
	"time"

	domain "github.com/partsdesk/api/internal/domain"
)

const (
	ordersCollection           = "orders"
	shortCodesCollection       = "orderShortCodes"
	itemsCollection            = "orderItems"
	offersCollection           = "offers"
	selectionsCollection       = "selections"
	paymentsCollection         = "payments"
	commentsCollection         = "orderComments"
	notificationsCollection    = "notifications"
	notificationKeysCollection = "notificationKeys"
)

type checkoutDocument struct {
	ShippingAddress map[string]string `firestore:"shippingAddress"`
	Invoice         map[string]any    `firestore:"invoice"`
	ShippingMethod  string            `firestore:"shippingMethod"`
	PaymentMethod   string            `firestore:"paymentMethod"`
	Agreements      map[string]bool   `firestore:"agreements"`
	Total           int64             `firestore:"total"`
	Currency        string            `firestore:"currency"`
	SubmittedAt     time.Time         `firestore:"submittedAt"`
}

type orderDocument struct {
	ShortCode     string            `firestore:"shortCode"`
	VIN           string            `firestore:"vin"`
	UserID        string            `firestore:"userId"`
	GuestEmail    string            `firestore:"guestEmail"`
	ContactEmail  string            `firestore:"contactEmail"`
	Status        string            `firestore:"status"`
	StatusVersion int               `firestore:"statusVersion"`
	Checkout      *checkoutDocument `firestore:"checkout,omitempty"`
	CreatedAt     time.Time         `firestore:"createdAt"`
	UpdatedAt     time.Time         `firestore:"updatedAt"`
}

type itemDocument struct {
	OrderRequestID string    `firestore:"orderRequestId"`
	CategoryID     string    `firestore:"categoryId"`
	CategoryPath   string    `firestore:"categoryPath"`
	Quantity       int       `firestore:"quantity"`
	Note           string    `firestore:"note"`
	PhotoURL       string    `firestore:"photoUrl"`
	State          string    `firestore:"state"`
	OfferCount     int       `firestore:"offerCount"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

type offerDocument struct {
	OrderItemID       string    `firestore:"orderItemId"`
	OrderRequestID    string    `firestore:"orderRequestId"`
	Manufacturer      string    `firestore:"manufacturer"`
	UnitPrice         int64     `firestore:"unitPrice"`
	QuantityAvailable int       `firestore:"quantityAvailable"`
	Notes             string    `firestore:"notes"`
	Version           int       `firestore:"version"`
	CreatedBy         string    `firestore:"createdBy"`
	UpdatedBy         string    `firestore:"updatedBy"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

type selectionItemDocument struct {
	OfferID string `firestore:"offerId"`
	Include bool   `firestore:"include"`
}

type addonDocument struct {
	UpsellItemID string `firestore:"upsellItemId"`
	Quantity     int    `firestore:"quantity"`
}

type selectionDocument struct {
	Items          map[string]selectionItemDocument `firestore:"items"`
	Addons         []addonDocument                  `firestore:"addons"`
	CouponCode     string                           `firestore:"couponCode"`
	ShippingMethod string                           `firestore:"shippingMethod"`
	UpdatedAt      time.Time                        `firestore:"updatedAt"`
}

type paymentDocument struct {
	OrderRequestID string    `firestore:"orderRequestId"`
	Provider       string    `firestore:"provider"`
	Method         string    `firestore:"method"`
	IntentID       string    `firestore:"intentId"`
	SessionID      string    `firestore:"sessionId"`
	RedirectURL    string    `firestore:"redirectUrl"`
	Status         string    `firestore:"status"`
	Amount         int64     `firestore:"amount"`
	Currency       string    `firestore:"currency"`
	FailureReason  string    `firestore:"failureReason"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

type commentDocument struct {
	OrderRequestID string    `firestore:"orderRequestId"`
	AuthorID       string    `firestore:"authorId"`
	AuthorRole     string    `firestore:"authorRole"`
	Body           string    `firestore:"body"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

type notificationDocument struct {
	Type           string    `firestore:"type"`
	Audience       string    `firestore:"audience"`
	OrderRequestID string    `firestore:"orderRequestId"`
	UserID         string    `firestore:"userId"`
	RecipientEmail string    `firestore:"recipientEmail"`
	Title          string    `firestore:"title"`
	Body           string    `firestore:"body"`
	IsRead         bool      `firestore:"isRead"`
	DedupeKey      string    `firestore:"dedupeKey"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

func encodeOrder(order domain.OrderRequest) orderDocument {
	doc := orderDocument{
		ShortCode:     order.ShortCode,
		VIN:           order.VIN,
		UserID:        order.UserID,
		GuestEmail:    order.GuestEmail,
		ContactEmail:  order.ContactEmail,
		Status:        string(order.Status),
		StatusVersion: order.StatusVersion,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
	if order.Checkout != nil {
		checkout := encodeCheckout(*order.Checkout)
		doc.Checkout = &checkout
	}
	return doc
}

func encodeCheckout(snap domain.CheckoutSnapshot) checkoutDocument {
	addr := snap.ShippingAddress
	inv := snap.InvoiceDetails
	return checkoutDocument{
		ShippingAddress: map[string]string{
			"fullName":   addr.FullName,
			"company":    addr.Company,
			"street":     addr.Street,
			"city":       addr.City,
			"postalCode": addr.PostalCode,
			"country":    addr.Country,
			"phone":      addr.Phone,
		},
		Invoice: map[string]any{
			"required":    inv.Required,
			"companyName": inv.CompanyName,
			"taxId":       inv.TaxID,
			"street":      inv.Street,
			"city":        inv.City,
			"postalCode":  inv.PostalCode,
			"country":     inv.Country,
		},
		ShippingMethod: snap.ShippingMethod,
		PaymentMethod:  snap.PaymentMethod,
		Agreements: map[string]bool{
			"terms":     snap.Agreements.Terms,
			"privacy":   snap.Agreements.Privacy,
			"marketing": snap.Agreements.Marketing,
		},
		Total:       snap.Total,
		Currency:    snap.Currency,
		SubmittedAt: snap.SubmittedAt,
	}
}

func decodeCheckout(doc checkoutDocument) domain.CheckoutSnapshot {
	str := func(key string) string {
		v, _ := doc.Invoice[key].(string)
		return v
	}
	required, _ := doc.Invoice["required"].(bool)
	return domain.CheckoutSnapshot{
		ShippingAddress: domain.ShippingAddress{
			FullName:   doc.ShippingAddress["fullName"],
			Company:    doc.ShippingAddress["company"],
			Street:     doc.ShippingAddress["street"],
			City:       doc.ShippingAddress["city"],
			PostalCode: doc.ShippingAddress["postalCode"],
			Country:    doc.ShippingAddress["country"],
			Phone:      doc.ShippingAddress["phone"],
		},
		InvoiceDetails: domain.InvoiceDetails{
			Required:    required,
			CompanyName: str("companyName"),
			TaxID:       str("taxId"),
			Street:      str("street"),
			City:        str("city"),
			PostalCode:  str("postalCode"),
			Country:     str("country"),
		},
		ShippingMethod: doc.ShippingMethod,
		PaymentMethod:  doc.PaymentMethod,
		Agreements: domain.Agreements{
			Terms:     doc.Agreements["terms"],
			Privacy:   doc.Agreements["privacy"],
			Marketing: doc.Agreements["marketing"],
		},
		Total:       doc.Total,
		Currency:    doc.Currency,
		SubmittedAt: doc.SubmittedAt.UTC(),
	}
}

func decodeOrder(id string, doc orderDocument, items []domain.OrderItem) domain.OrderRequest {
	order := domain.OrderRequest{
		ID:            id,
		ShortCode:     doc.ShortCode,
		VIN:           doc.VIN,
		UserID:        doc.UserID,
		GuestEmail:    doc.GuestEmail,
		ContactEmail:  doc.ContactEmail,
		Status:        domain.OrderStatus(doc.Status),
		StatusVersion: doc.StatusVersion,
		Items:         items,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}
	if doc.Checkout != nil {
		snap := decodeCheckout(*doc.Checkout)
		order.Checkout = &snap
	}
	return order
}

func encodeItem(item domain.OrderItem) itemDocument {
	return itemDocument{
		OrderRequestID: item.OrderRequestID,
		CategoryID:     item.CategoryID,
		CategoryPath:   item.CategoryPath,
		Quantity:       item.Quantity,
		Note:           item.Note,
		PhotoURL:       item.PhotoURL,
		State:          string(item.State),
		OfferCount:     item.OfferCount,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
}

func decodeItem(id string, doc itemDocument) domain.OrderItem {
	return domain.OrderItem{
		ID:             id,
		OrderRequestID: doc.OrderRequestID,
		CategoryID:     doc.CategoryID,
		CategoryPath:   doc.CategoryPath,
		Quantity:       doc.Quantity,
		Note:           doc.Note,
		PhotoURL:       doc.PhotoURL,
		State:          domain.ItemState(doc.State),
		OfferCount:     doc.OfferCount,
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
}

func encodeOffer(offer domain.Offer) offerDocument {
	return offerDocument{
		OrderItemID:       offer.OrderItemID,
		OrderRequestID:    offer.OrderRequestID,
		Manufacturer:      offer.Manufacturer,
		UnitPrice:         offer.UnitPrice,
		QuantityAvailable: offer.QuantityAvailable,
		Notes:             offer.Notes,
		Version:           offer.Version,
		CreatedBy:         offer.CreatedBy,
		UpdatedBy:         offer.UpdatedBy,
		CreatedAt:         offer.CreatedAt,
		UpdatedAt:         offer.UpdatedAt,
	}
}

func decodeOffer(id string, doc offerDocument) domain.Offer {
	return domain.Offer{
		ID:                id,
		OrderItemID:       doc.OrderItemID,
		OrderRequestID:    doc.OrderRequestID,
		Manufacturer:      doc.Manufacturer,
		UnitPrice:         doc.UnitPrice,
		QuantityAvailable: doc.QuantityAvailable,
		Notes:             doc.Notes,
		Version:           doc.Version,
		CreatedBy:         doc.CreatedBy,
		UpdatedBy:         doc.UpdatedBy,
		CreatedAt:         doc.CreatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
	}
}

func encodePayment(p domain.Payment) paymentDocument {
	return paymentDocument{
		OrderRequestID: p.OrderRequestID,
		Provider:       p.Provider,
		Method:         p.Method,
		IntentID:       p.IntentID,
		SessionID:      p.SessionID,
		RedirectURL:    p.RedirectURL,
		Status:         string(p.Status),
		Amount:         p.Amount,
		Currency:       p.Currency,
		FailureReason:  p.FailureReason,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func decodePayment(id string, doc paymentDocument) domain.Payment {
	return domain.Payment{
		ID:             id,
		OrderRequestID: doc.OrderRequestID,
		Provider:       doc.Provider,
		Method:         doc.Method,
		IntentID:       doc.IntentID,
		SessionID:      doc.SessionID,
		RedirectURL:    doc.RedirectURL,
		Status:         domain.PaymentStatus(doc.Status),
		Amount:         doc.Amount,
		Currency:       doc.Currency,
		FailureReason:  doc.FailureReason,
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
}

func decodeNotification(id string, doc notificationDocument) domain.Notification {
	return domain.Notification{
		ID:             id,
		Type:           domain.NotificationType(doc.Type),
		Audience:       domain.Audience(doc.Audience),
		OrderRequestID: doc.OrderRequestID,
		UserID:         doc.UserID,
		RecipientEmail: doc.RecipientEmail,
		Title:          doc.Title,
		Body:           doc.Body,
		IsRead:         doc.IsRead,
		DedupeKey:      doc.DedupeKey,
		CreatedAt:      doc.CreatedAt.UTC(),
	}
}
