package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates lifecycle states of an order request.
type OrderStatus string

const (
	// OrderStatusPending indicates the request awaits valuation by staff.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusValuated indicates offers were published and the customer can check out.
	OrderStatusValuated OrderStatus = "VALUATED"
	// OrderStatusPaid indicates payment was confirmed.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusRemoved is the soft-deleted state. Orders are never hard deleted.
	OrderStatusRemoved OrderStatus = "REMOVED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusValuated, OrderStatusPaid, OrderStatusRemoved:
		return true
	}
	return false
}

// AcceptsOffers reports whether staff may still add, edit or delete offers.
func (s OrderStatus) AcceptsOffers() bool {
	return s == OrderStatusPending || s == OrderStatusValuated
}

// ItemState tracks the valuation progress of a single order item.
type ItemState string

const (
	ItemStateRequested ItemState = "REQUESTED"
	ItemStateValuated  ItemState = "VALUATED"
	ItemStatePurchased ItemState = "PURCHASED"
)

// Role enumerates principal roles recognised by the access layer.
type Role string

const (
	RoleUser  Role = "USER"
	RoleStaff Role = "STAFF"
	RoleAdmin Role = "ADMIN"
	RoleGuest Role = "GUEST"
)

// IsBackOffice reports whether the role bypasses ownership checks.
func (r Role) IsBackOffice() bool {
	return r == RoleAdmin || r == RoleStaff
}

// OrderRequest is the aggregate root of the valuation workflow.
type OrderRequest struct {
	ID            string
	ShortCode     string
	VIN           string
	UserID        string
	GuestEmail    string
	ContactEmail  string
	Status        OrderStatus
	StatusVersion int
	Checkout      *CheckoutSnapshot
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsGuest reports whether the order was submitted without a user account.
func (o OrderRequest) IsGuest() bool {
	return o.UserID == ""
}

// Item returns the order item with the provided id.
func (o OrderRequest) Item(itemID string) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return OrderItem{}, false
}

// OrderItem is a requested part line. Items live and die with their order.
type OrderItem struct {
	ID             string
	OrderRequestID string
	CategoryID     string
	CategoryPath   string
	Quantity       int
	Note           string
	PhotoURL       string
	State          ItemState
	OfferCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MaxOffersPerItem caps the number of offers staff can attach to one item.
const MaxOffersPerItem = 3

const (
	// MaxItemQuantity bounds the quantity a customer can request per item.
	MaxItemQuantity = 1000
	// MaxQuantityAvailable bounds the stock staff can declare on an offer.
	MaxQuantityAvailable = 100_000
)

// Offer is a staff-provided quote for an order item.
type Offer struct {
	ID                string
	OrderItemID       string
	OrderRequestID    string
	Manufacturer      string
	UnitPrice         int64
	QuantityAvailable int
	Notes             string
	Version           int
	CreatedBy         string
	UpdatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ItemSelection records the customer's choice for a single item.
type ItemSelection struct {
	OfferID string
	Include bool
}

// UpsellAddon references an optional extra from the shop catalog.
type UpsellAddon struct {
	UpsellItemID string
	Quantity     int
}

// SelectionDraft is the server-side cart of an order. One per order.
type SelectionDraft struct {
	OrderRequestID string
	Items          map[string]ItemSelection
	Addons         []UpsellAddon
	CouponCode     string
	ShippingMethod string
	UpdatedAt      time.Time
}

// IncludedCount returns the number of items selected for purchase.
func (d SelectionDraft) IncludedCount() int {
	count := 0
	for _, sel := range d.Items {
		if sel.Include && sel.OfferID != "" {
			count++
		}
	}
	return count
}

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment encapsulates payment status and PSP references for an order.
type Payment struct {
	ID             string
	OrderRequestID string
	Provider       string
	Method         string
	IntentID       string
	SessionID      string
	RedirectURL    string
	Status         PaymentStatus
	Amount         int64
	Currency       string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NotificationType enumerates the events that produce notifications.
type NotificationType string

const (
	NotificationOfferAdded       NotificationType = "OFFER_ADDED"
	NotificationOfferUpdated     NotificationType = "OFFER_UPDATED"
	NotificationStatusChanged    NotificationType = "STATUS_CHANGED"
	NotificationCommentAdded     NotificationType = "COMMENT_ADDED"
	NotificationPaymentSucceeded NotificationType = "PAYMENT_SUCCEEDED"
	NotificationPaymentFailed    NotificationType = "PAYMENT_FAILED"
	NotificationOrderRemoved     NotificationType = "ORDER_REMOVED"
	NotificationOrderRestored    NotificationType = "ORDER_RESTORED"
)

// Audience identifies who a notification row is addressed to.
type Audience string

const (
	AudienceUser  Audience = "USER"
	AudienceAdmin Audience = "ADMIN"
	AudienceStaff Audience = "STAFF"
	AudienceGuest Audience = "GUEST"
)

// Notification is an inbox entry. Only IsRead changes after creation.
type Notification struct {
	ID             string
	Type           NotificationType
	Audience       Audience
	OrderRequestID string
	UserID         string
	RecipientEmail string
	Title          string
	Body           string
	IsRead         bool
	DedupeKey      string
	CreatedAt      time.Time
}

// Comment is an append-only message on an order thread.
type Comment struct {
	ID             string
	OrderRequestID string
	AuthorID       string
	AuthorRole     Role
	Body           string
	CreatedAt      time.Time
}

// ShippingAddress captures delivery details collected at checkout.
type ShippingAddress struct {
	FullName   string
	Company    string
	Street     string
	City       string
	PostalCode string
	Country    string
	Phone      string
}

// InvoiceDetails captures company invoicing data when the customer requests an invoice.
type InvoiceDetails struct {
	Required    bool
	CompanyName string
	TaxID       string
	Street      string
	City        string
	PostalCode  string
	Country     string
}

// Agreements tracks legal consents given at checkout.
type Agreements struct {
	Terms     bool
	Privacy   bool
	Marketing bool
}

// CheckoutSnapshot stores the last submitted checkout form for an order.
type CheckoutSnapshot struct {
	ShippingAddress ShippingAddress
	InvoiceDetails  InvoiceDetails
	ShippingMethod  string
	PaymentMethod   string
	Agreements      Agreements
	Total           int64
	Currency        string
	SubmittedAt     time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	Backends    map[string]string
}
