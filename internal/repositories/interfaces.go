package repositories

import (
	"context"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
)

// Store exposes typed repository accessors for a single persistence backend.
type Store interface {
	Orders() OrderRepository
	Offers() OfferRepository
	Selections() SelectionRepository
	Payments() PaymentRepository
	Comments() CommentRepository
	Notifications() NotificationRepository
	Counters() CounterRepository

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order requests together with their items.
type OrderRepository interface {
	// Insert stores the order and all of its items atomically. A duplicate id or short code is a conflict.
	Insert(ctx context.Context, order domain.OrderRequest) error
	// FindByID returns the order with its items loaded.
	FindByID(ctx context.Context, orderID string) (domain.OrderRequest, error)
	FindItem(ctx context.Context, itemID string) (domain.OrderItem, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.OrderRequest], error)
	// Transition applies a compare-and-swap status change. A stale status or version is a conflict.
	Transition(ctx context.Context, change StatusTransition) (domain.OrderRequest, error)
	SaveCheckout(ctx context.Context, orderID string, snapshot domain.CheckoutSnapshot) error
}

// OfferRepository persists staff offers. The per-item cap, the version check and the owning order's
// status check run inside the backend's transaction; writes on an order past VALUATED return ErrOrderLocked.
type OfferRepository interface {
	// AddWithCap stores the offer unless the item already holds limit offers, in which case ErrOfferLimitReached is returned.
	AddWithCap(ctx context.Context, offer domain.Offer, limit int) (domain.Offer, error)
	// Update replaces the mutable offer fields when the stored version equals expectedVersion and bumps the version.
	Update(ctx context.Context, offer domain.Offer, expectedVersion int) (domain.Offer, error)
	// Delete removes the offer and returns the deleted record.
	Delete(ctx context.Context, offerID string, at time.Time) (domain.Offer, error)
	FindByID(ctx context.Context, offerID string) (domain.Offer, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Offer, error)
}

// SelectionRepository stores the per-order draft selection.
type SelectionRepository interface {
	// Get returns a not-found RepositoryError when no draft was saved yet.
	Get(ctx context.Context, orderID string) (domain.SelectionDraft, error)
	Save(ctx context.Context, draft domain.SelectionDraft) error
}

// PaymentRepository persists payment attempts.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByIntentID(ctx context.Context, provider string, intentID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// CommentRepository persists append-only order comments.
type CommentRepository interface {
	Append(ctx context.Context, comment domain.Comment) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.Comment, error)
}

// NotificationRepository persists notification rows.
type NotificationRepository interface {
	// InsertUnique stores the row unless another row already uses its DedupeKey, which yields a conflict.
	InsertUnique(ctx context.Context, notification domain.Notification) error
	List(ctx context.Context, filter NotificationFilter) (domain.CursorPage[domain.Notification], error)
	// MarkRead flips IsRead on a notification owned by the filter's recipient.
	MarkRead(ctx context.Context, notificationID string, recipient NotificationRecipient) (domain.Notification, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// StatusTransition describes a guarded status change.
type StatusTransition struct {
	OrderID         string
	From            domain.OrderStatus
	ExpectedVersion int
	To              domain.OrderStatus
	// PurchasedItemIDs are moved to PURCHASED in the same write.
	PurchasedItemIDs []string
	At               time.Time
}

// NotificationRecipient identifies the owner of notification rows.
type NotificationRecipient struct {
	UserID    string
	Audiences []domain.Audience
}

type NotificationFilter struct {
	Recipient  NotificationRecipient
	UnreadOnly bool
	Pagination domain.Pagination
}
