package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/repositories"
)

// WebhookOutcome summarises what a provider callback changed.
type WebhookOutcome struct {
	OrderID   string
	PaymentID string
	Status    domain.PaymentStatus
	// Ignored is set for events that do not concern a known payment.
	Ignored bool
	// Duplicate is set when the callback repeated an already applied result.
	Duplicate bool
}

type paidMarker interface {
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (MarkPaidResult, error)
}

// PaymentWebhookServiceDeps wires the webhook service.
type PaymentWebhookServiceDeps struct {
	Orders        repositories.OrderRepository
	Payments      repositories.PaymentRepository
	OrderService  paidMarker
	Notifications NotificationDispatcher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentWebhookService struct {
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository
	marker   paidMarker
	notifier NotificationDispatcher
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ PaymentWebhookService = (*paymentWebhookService)(nil)

// NewPaymentWebhookService validates dependencies.
func NewPaymentWebhookService(deps PaymentWebhookServiceDeps) (PaymentWebhookService, error) {
	switch {
	case deps.Orders == nil || deps.Payments == nil:
		return nil, errors.New("payment webhook service: order and payment repositories are required")
	case deps.OrderService == nil:
		return nil, errors.New("payment webhook service: order service is required")
	case deps.Notifications == nil:
		return nil, errors.New("payment webhook service: notification dispatcher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentWebhookService{
		orders:   deps.Orders,
		payments: deps.Payments,
		marker:   deps.OrderService,
		notifier: deps.Notifications,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// HandleEvent applies a verified provider callback. Repeated callbacks are acknowledged without side effects.
func (s *paymentWebhookService) HandleEvent(ctx context.Context, event payments.WebhookEvent) (WebhookOutcome, error) {
	if event.Kind == payments.EventIgnored {
		return WebhookOutcome{Ignored: true}, nil
	}
	payment, err := s.findPayment(ctx, event)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger(ctx, "payment.webhook.unknown_payment", map[string]any{
				"provider":  event.Provider,
				"eventId":   event.EventID,
				"paymentId": event.PaymentID,
				"intentId":  event.IntentID,
			})
			return WebhookOutcome{Ignored: true}, nil
		}
		return WebhookOutcome{}, err
	}
	outcome := WebhookOutcome{OrderID: payment.OrderRequestID, PaymentID: payment.ID, Status: payment.Status}

	kind := event.Kind
	reason := event.FailureReason
	if kind == payments.EventSucceeded && !amountMatches(payment, event) {
		s.logger(ctx, "payment.webhook.amount_mismatch", map[string]any{
			"paymentId": payment.ID,
			"expected":  payment.Amount,
			"received":  event.Amount,
			"currency":  event.Currency,
			"error":     "amount mismatch",
		})
		kind = payments.EventFailed
		reason = "amount_mismatch"
	}
	if event.IntentID != "" && payment.IntentID == "" {
		payment.IntentID = event.IntentID
	}

	if kind == payments.EventSucceeded {
		return s.succeed(ctx, payment, outcome)
	}
	return s.fail(ctx, payment, reason, outcome)
}

func (s *paymentWebhookService) succeed(ctx context.Context, payment domain.Payment, outcome WebhookOutcome) (WebhookOutcome, error) {
	result, err := s.marker.MarkPaid(ctx, MarkPaidCommand{OrderID: payment.OrderRequestID, PaymentID: payment.ID})
	switch {
	case errors.Is(err, ErrInvalidTransition):
		// The money arrived but the order cannot become PAID (for example it was removed). Record the payment for staff.
		s.logger(ctx, "payment.webhook.order_not_payable", map[string]any{
			"orderId":   payment.OrderRequestID,
			"paymentId": payment.ID,
			"error":     err.Error(),
		})
	case err != nil:
		return WebhookOutcome{}, err
	case result.AlreadyPaid:
		outcome.Duplicate = true
	default:
		outcome.Status = domain.PaymentStatusSucceeded
		return outcome, nil
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		payment.Status = domain.PaymentStatusSucceeded
		payment.FailureReason = ""
		payment.UpdatedAt = s.now()
		if err := s.payments.Update(ctx, payment); err != nil {
			return WebhookOutcome{}, translateRepoError(err, "payment")
		}
	}
	outcome.Status = domain.PaymentStatusSucceeded
	return outcome, nil
}

func (s *paymentWebhookService) fail(ctx context.Context, payment domain.Payment, reason string, outcome WebhookOutcome) (WebhookOutcome, error) {
	switch payment.Status {
	case domain.PaymentStatusSucceeded, domain.PaymentStatusRefunded:
		s.logger(ctx, "payment.webhook.late_failure", map[string]any{"paymentId": payment.ID, "status": string(payment.Status)})
		outcome.Ignored = true
		return outcome, nil
	case domain.PaymentStatusFailed:
		outcome.Duplicate = true
		return outcome, nil
	}
	payment.Status = domain.PaymentStatusFailed
	payment.FailureReason = firstNonEmpty(reason, "payment_failed")
	payment.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, payment); err != nil {
		return WebhookOutcome{}, translateRepoError(err, "payment")
	}
	outcome.Status = domain.PaymentStatusFailed

	order, err := s.orders.FindByID(ctx, payment.OrderRequestID)
	if err != nil {
		s.logger(ctx, "payment.webhook.order_lookup_failed", map[string]any{"orderId": payment.OrderRequestID, "error": err.Error()})
		return outcome, nil
	}
	s.notifier.Dispatch(ctx, NotificationEvent{
		Type:   domain.NotificationPaymentFailed,
		Order:  order,
		Target: payment.ID,
		Data:   map[string]any{"Amount": payment.Amount, "Reason": payment.FailureReason},
	})
	return outcome, nil
}

func (s *paymentWebhookService) findPayment(ctx context.Context, event payments.WebhookEvent) (domain.Payment, error) {
	var (
		payment domain.Payment
		err     error
	)
	switch {
	case strings.TrimSpace(event.PaymentID) != "":
		payment, err = s.payments.FindByID(ctx, strings.TrimSpace(event.PaymentID))
	case strings.TrimSpace(event.IntentID) != "":
		payment, err = s.payments.FindByIntentID(ctx, event.Provider, strings.TrimSpace(event.IntentID))
	default:
		return domain.Payment{}, notFound("payment")
	}
	if err != nil {
		return domain.Payment{}, translateRepoError(err, "payment")
	}
	if event.Provider != "" && payment.Provider != event.Provider {
		return domain.Payment{}, notFound("payment")
	}
	return payment, nil
}

// amountMatches compares the confirmed amount with the stored payment. Zero means the provider did not report one.
func amountMatches(payment domain.Payment, event payments.WebhookEvent) bool {
	if event.Amount != 0 && event.Amount != payment.Amount {
		return false
	}
	return event.Currency == "" || payment.Currency == "" || strings.EqualFold(event.Currency, payment.Currency)
}
