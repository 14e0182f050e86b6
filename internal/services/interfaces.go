package services

import (
	"context"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/payments"
)

// OrderService covers intake, order reads, the status state machine and comments.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreatedOrder, error)
	GetOrder(ctx context.Context, p Principal, orderID string) (OrderDetail, error)
	ListOrders(ctx context.Context, p Principal, query OrderListQuery) (domain.CursorPage[domain.OrderRequest], error)
	ChangeStatus(ctx context.Context, cmd ChangeStatusCommand) (domain.OrderRequest, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (MarkPaidResult, error)
	AddComment(ctx context.Context, cmd AddCommentCommand) (domain.Comment, error)
	ListComments(ctx context.Context, p Principal, orderID string) ([]domain.Comment, error)
}

// OfferService lets staff manage the offers attached to order items.
type OfferService interface {
	AddOffer(ctx context.Context, cmd AddOfferCommand) (domain.Offer, error)
	EditOffer(ctx context.Context, cmd EditOfferCommand) (domain.Offer, error)
	DeleteOffer(ctx context.Context, cmd DeleteOfferCommand) (domain.Offer, error)
}

// SelectionService maintains the customer's server-side draft selection.
type SelectionService interface {
	GetSelection(ctx context.Context, p Principal, orderID string) (SelectionView, error)
	SelectOffer(ctx context.Context, p Principal, cmd SelectOfferCommand) (SelectionView, error)
	UpdateSelection(ctx context.Context, p Principal, cmd UpdateSelectionCommand) (SelectionView, error)
	Quote(ctx context.Context, p Principal, cmd UpdateSelectionCommand) (domain.Quote, error)
}

// CheckoutService submits a priced selection for payment.
type CheckoutService interface {
	SubmitCheckout(ctx context.Context, p Principal, orderID string, input CheckoutInput) (CheckoutResult, error)
}

// PaymentWebhookService applies verified payment provider callbacks.
type PaymentWebhookService interface {
	HandleEvent(ctx context.Context, event payments.WebhookEvent) (WebhookOutcome, error)
}

// NotificationDispatcher fans workflow events out to inbox rows and emails.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, event NotificationEvent)
}

// NotificationService serves notification inboxes.
type NotificationService interface {
	List(ctx context.Context, p Principal, query NotificationListQuery) (domain.CursorPage[domain.Notification], error)
	MarkRead(ctx context.Context, p Principal, notificationID string, backOffice bool) (domain.Notification, error)
}

// SystemService exposes operational reports.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}
