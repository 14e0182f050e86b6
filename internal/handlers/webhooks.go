package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/httpx"
	"github.com/partsdesk/api/internal/platform/requestctx"
	"github.com/partsdesk/api/internal/services"
)

const maxWebhookBodyBytes = 256 * 1024

// WebhookParser verifies and normalises a raw provider callback.
type WebhookParser interface {
	ParseWebhook(payload []byte, header http.Header) (payments.WebhookEvent, error)
}

// PaymentWebhookHandlers receives payment provider callbacks. Authentication happens per route:
// Stripe callbacks carry their own signature, other providers pass the HMAC middleware.
type PaymentWebhookHandlers struct {
	stripe   WebhookParser
	webhooks services.PaymentWebhookService
	signed   func(http.Handler) http.Handler
}

// WebhookOption customises PaymentWebhookHandlers.
type WebhookOption func(*PaymentWebhookHandlers)

// WithStripeParser enables /payments/stripe.
func WithStripeParser(parser WebhookParser) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		h.stripe = parser
	}
}

// WithSignedProviders enables /payments/{provider} behind the given signature middleware.
func WithSignedProviders(mw func(http.Handler) http.Handler) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		h.signed = mw
	}
}

// NewPaymentWebhookHandlers constructs the webhook handlers.
func NewPaymentWebhookHandlers(webhooks services.PaymentWebhookService, opts ...WebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{webhooks: webhooks}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
	if h.signed != nil {
		r.With(h.signed).Post("/payments/{provider}", h.handleSigned)
	}
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	Ignored   bool   `json:"ignored,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripe == nil || h.webhooks == nil {
		writeUnavailable(ctx, w, "payment_webhooks")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read body", http.StatusBadRequest))
		return
	}
	if len(body) > maxWebhookBodyBytes {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
		return
	}
	event, err := h.stripe.ParseWebhook(body, r.Header)
	if err != nil {
		requestctx.Logger(ctx).Warn("stripe webhook rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook verification failed", http.StatusBadRequest))
		return
	}
	h.apply(ctx, w, event)
}

type signedWebhookRequest struct {
	EventID       string `json:"eventId"`
	PaymentID     string `json:"paymentId"`
	IntentID      string `json:"intentId"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failureReason"`
}

func (h *PaymentWebhookHandlers) handleSigned(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		writeUnavailable(ctx, w, "payment_webhooks")
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	var req signedWebhookRequest
	if err := httpx.DecodeJSON(r, &req, maxWebhookBodyBytes); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	if req.PaymentID == "" && req.IntentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentId or intentId is required", http.StatusBadRequest))
		return
	}
	kind := payments.EventIgnored
	switch strings.ToLower(strings.TrimSpace(req.Status)) {
	case "succeeded", "paid", "success":
		kind = payments.EventSucceeded
	case "failed", "canceled", "cancelled":
		kind = payments.EventFailed
	}
	h.apply(ctx, w, payments.WebhookEvent{
		Provider:      provider,
		EventID:       req.EventID,
		Type:          req.Status,
		Kind:          kind,
		PaymentID:     req.PaymentID,
		IntentID:      req.IntentID,
		Amount:        req.Amount,
		Currency:      strings.ToLower(req.Currency),
		FailureReason: req.FailureReason,
	})
}

// apply answers 2xx for every event the service accepted or deliberately ignored so providers stop
// retrying; storage failures answer 5xx so they retry.
func (h *PaymentWebhookHandlers) apply(ctx context.Context, w http.ResponseWriter, event payments.WebhookEvent) {
	outcome, err := h.webhooks.HandleEvent(ctx, event)
	if err != nil {
		requestctx.Logger(ctx).Error("payment webhook failed",
			zap.String("provider", event.Provider),
			zap.String("eventId", event.EventID),
			zap.Error(err),
		)
		if errors.Is(err, services.ErrUnavailable) {
			httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "try again later", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("webhook_failed", "webhook processing failed", http.StatusInternalServerError))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		Ignored:   outcome.Ignored,
		Duplicate: outcome.Duplicate,
		Status:    string(outcome.Status),
	})
}
