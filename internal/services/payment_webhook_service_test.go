package services

import (
	"context"
	"testing"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/config"
)

func (e *testEnv) submitted(actor Principal) (domain.OrderRequest, CheckoutResult) {
	e.t.Helper()
	order, _ := e.quotedOrder(actor)
	result, err := e.checkout.SubmitCheckout(context.Background(), actor, order.ID, validCheckoutInput(config.PaymentMethodCard))
	if err != nil {
		e.t.Fatalf("SubmitCheckout: %v", err)
	}
	return order, result
}

func succeededEvent(result CheckoutResult) payments.WebhookEvent {
	return payments.WebhookEvent{
		Provider:  payments.ProviderStripe,
		EventID:   "evt_1",
		Type:      "checkout.session.completed",
		Kind:      payments.EventSucceeded,
		PaymentID: result.PaymentID,
		IntentID:  "pi_" + result.PaymentID,
		Amount:    result.Quote.Total,
		Currency:  "eur",
	}
}

func TestWebhookSuccessMarksOrderPaidOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, result := env.submitted(userPrincipal)

	outcome, err := env.webhooks.HandleEvent(ctx, succeededEvent(result))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if outcome.Status != domain.PaymentStatusSucceeded || outcome.Duplicate || outcome.OrderID != order.ID {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	stored, err := env.store.Orders().FindByID(ctx, order.ID)
	if err != nil || stored.Status != domain.OrderStatusPaid {
		t.Fatalf("expected PAID order: %v %+v", err, stored.Status)
	}
	payment, err := env.store.Payments().FindByID(ctx, result.PaymentID)
	if err != nil || payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected succeeded payment: %v %+v", err, payment)
	}

	again, err := env.webhooks.HandleEvent(ctx, succeededEvent(result))
	if err != nil || !again.Duplicate {
		t.Fatalf("expected duplicate, got %v %+v", err, again)
	}
	if n := env.countNotifications(domain.NotificationPaymentSucceeded); n != 1 {
		t.Fatalf("expected one PAYMENT_SUCCEEDED notification, got %d", n)
	}
}

func TestWebhookLooksUpByIntent(t *testing.T) {
	env := newTestEnv(t)
	_, result := env.submitted(userPrincipal)
	event := succeededEvent(result)
	event.PaymentID = ""

	outcome, err := env.webhooks.HandleEvent(context.Background(), event)
	if err != nil || outcome.PaymentID != result.PaymentID || outcome.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("unexpected outcome %v %+v", err, outcome)
	}
}

func TestWebhookAmountMismatchFailsPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, result := env.submitted(userPrincipal)
	event := succeededEvent(result)
	event.Amount = result.Quote.Total - 1

	outcome, err := env.webhooks.HandleEvent(ctx, event)
	if err != nil || outcome.Status != domain.PaymentStatusFailed {
		t.Fatalf("unexpected outcome %v %+v", err, outcome)
	}
	payment, _ := env.store.Payments().FindByID(ctx, result.PaymentID)
	if payment.FailureReason != "amount_mismatch" {
		t.Fatalf("unexpected failure reason %q", payment.FailureReason)
	}
	stored, _ := env.store.Orders().FindByID(ctx, order.ID)
	if stored.Status != domain.OrderStatusValuated {
		t.Fatalf("order must stay VALUATED, got %s", stored.Status)
	}
	if n := env.countNotifications(domain.NotificationPaymentFailed); n != 1 {
		t.Fatalf("expected one PAYMENT_FAILED notification, got %d", n)
	}

	event.Kind = payments.EventFailed
	repeat, err := env.webhooks.HandleEvent(ctx, event)
	if err != nil || !repeat.Duplicate {
		t.Fatalf("expected duplicate failure, got %v %+v", err, repeat)
	}
}

func TestWebhookLateFailureIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, result := env.submitted(userPrincipal)
	if _, err := env.webhooks.HandleEvent(ctx, succeededEvent(result)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	event := succeededEvent(result)
	event.Kind = payments.EventFailed
	outcome, err := env.webhooks.HandleEvent(ctx, event)
	if err != nil || !outcome.Ignored {
		t.Fatalf("expected ignored, got %v %+v", err, outcome)
	}
	payment, _ := env.store.Payments().FindByID(ctx, result.PaymentID)
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("late failure must not downgrade the payment, got %s", payment.Status)
	}
}

func TestWebhookUnknownPaymentIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	_, result := env.submitted(userPrincipal)

	cases := map[string]payments.WebhookEvent{
		"unknown id":        {Provider: payments.ProviderStripe, Kind: payments.EventSucceeded, PaymentID: "pay_nope"},
		"provider mismatch": {Provider: payments.ProviderBankTransfer, Kind: payments.EventSucceeded, PaymentID: result.PaymentID},
		"no reference":      {Provider: payments.ProviderStripe, Kind: payments.EventSucceeded},
		"ignored kind":      {Provider: payments.ProviderStripe, Kind: payments.EventIgnored, PaymentID: result.PaymentID},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			outcome, err := env.webhooks.HandleEvent(context.Background(), event)
			if err != nil || !outcome.Ignored {
				t.Fatalf("expected ignored, got %v %+v", err, outcome)
			}
		})
	}
	if env.countNotifications(domain.NotificationPaymentSucceeded) != 0 {
		t.Fatalf("ignored events must not notify")
	}
}

func TestWebhookSuccessForRemovedOrderRecordsPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, result := env.submitted(userPrincipal)
	if _, err := env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusRemoved, Actor: adminPrincipal}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	outcome, err := env.webhooks.HandleEvent(ctx, succeededEvent(result))
	if err != nil || outcome.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("unexpected outcome %v %+v", err, outcome)
	}
	stored, _ := env.store.Orders().FindByID(ctx, order.ID)
	if stored.Status != domain.OrderStatusRemoved {
		t.Fatalf("removed order must stay REMOVED, got %s", stored.Status)
	}
	payment, _ := env.store.Payments().FindByID(ctx, result.PaymentID)
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("payment must be recorded, got %s", payment.Status)
	}
}
