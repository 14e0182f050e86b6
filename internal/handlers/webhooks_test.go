package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/httpx"
	"github.com/partsdesk/api/internal/services"
)

type stubWebhookParser struct {
	event payments.WebhookEvent
	err   error
	body  []byte
}

func (p *stubWebhookParser) ParseWebhook(payload []byte, _ http.Header) (payments.WebhookEvent, error) {
	p.body = payload
	return p.event, p.err
}

// sharedSecret stands in for the HMAC middleware.
func sharedSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature") != "ok" {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_signature", "bad signature", http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func postWebhook(t *testing.T, h http.Handler, path, signature, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStripeWebhook(t *testing.T) {
	parser := &stubWebhookParser{event: payments.WebhookEvent{Provider: "stripe", EventID: "evt_1", Kind: payments.EventSucceeded, IntentID: "pi_1"}}
	svc := &stubWebhookService{outcome: services.WebhookOutcome{OrderID: "ord_1", Status: domain.PaymentStatusSucceeded}}
	router := mountRoutes("/webhooks", NewPaymentWebhookHandlers(svc, WithStripeParser(parser)).Routes)

	rr := postWebhook(t, router, "/webhooks/payments/stripe", "", `{"id":"evt_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if string(parser.body) != `{"id":"evt_1"}` {
		t.Fatalf("parser must receive the raw body, got %q", parser.body)
	}
	if len(svc.events) != 1 || svc.events[0].IntentID != "pi_1" {
		t.Fatalf("unexpected events %+v", svc.events)
	}
	body := decodeBody(t, rr)
	if body["received"] != true || body["status"] != "succeeded" {
		t.Fatalf("unexpected body %v", body)
	}

	parser.err = errors.New("signature mismatch")
	rr = postWebhook(t, router, "/webhooks/payments/stripe", "", `{}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_signature" {
		t.Fatalf("expected 400 invalid_signature, got %d", rr.Code)
	}
	if len(svc.events) != 1 {
		t.Fatalf("rejected callbacks must not reach the service")
	}

	rr = postWebhook(t, router, "/webhooks/payments/stripe", "", strings.Repeat("x", maxWebhookBodyBytes+1))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestSignedProviderWebhookStatusMapping(t *testing.T) {
	cases := map[string]payments.EventKind{
		"paid":       payments.EventSucceeded,
		"SUCCEEDED":  payments.EventSucceeded,
		"cancelled":  payments.EventFailed,
		"failed":     payments.EventFailed,
		"processing": payments.EventIgnored,
	}
	for status, want := range cases {
		svc := &stubWebhookService{}
		router := mountRoutes("/webhooks", NewPaymentWebhookHandlers(svc, WithSignedProviders(sharedSecret)).Routes)

		rr := postWebhook(t, router, "/webhooks/payments/PayU", "ok",
			`{"eventId":"e1","paymentId":"pay_1","status":"`+status+`","amount":1999,"currency":"PLN"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", status, rr.Code, rr.Body.String())
		}
		got := svc.events[0]
		if got.Kind != want || got.Provider != "payu" || got.Currency != "pln" || got.PaymentID != "pay_1" || got.Amount != 1999 {
			t.Fatalf("%s: unexpected event %+v", status, got)
		}
	}
}

func TestSignedProviderWebhookRejections(t *testing.T) {
	svc := &stubWebhookService{}
	router := mountRoutes("/webhooks", NewPaymentWebhookHandlers(svc, WithSignedProviders(sharedSecret)).Routes)

	if rr := postWebhook(t, router, "/webhooks/payments/payu", "bad", `{"paymentId":"pay_1","status":"paid"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rr.Code)
	}
	rr := postWebhook(t, router, "/webhooks/payments/payu", "ok", `{"status":"paid"}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_request" {
		t.Fatalf("expected 400 without payment reference, got %d", rr.Code)
	}
	if len(svc.events) != 0 {
		t.Fatalf("rejected callbacks must not reach the service")
	}
}

func TestWebhookServiceFailures(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "webhook_failed"},
	}
	for _, tc := range cases {
		svc := &stubWebhookService{err: tc.err}
		router := mountRoutes("/webhooks", NewPaymentWebhookHandlers(svc, WithSignedProviders(sharedSecret)).Routes)
		rr := postWebhook(t, router, "/webhooks/payments/payu", "ok", `{"paymentId":"pay_1","status":"paid"}`)
		if rr.Code != tc.status || errorCode(t, rr) != tc.code {
			t.Fatalf("%v: expected %d %s, got %d", tc.err, tc.status, tc.code, rr.Code)
		}
	}
}

func TestWebhookDuplicateAcknowledged(t *testing.T) {
	svc := &stubWebhookService{outcome: services.WebhookOutcome{Duplicate: true, Status: domain.PaymentStatusSucceeded}}
	router := mountRoutes("/webhooks", NewPaymentWebhookHandlers(svc, WithSignedProviders(sharedSecret)).Routes)

	rr := postWebhook(t, router, "/webhooks/payments/payu", "ok", `{"paymentId":"pay_1","status":"paid"}`)
	if rr.Code != http.StatusOK || decodeBody(t, rr)["duplicate"] != true {
		t.Fatalf("duplicates must be acknowledged, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestWebhookRoutesWithoutProviders(t *testing.T) {
	router := mountRoutes("/webhooks", NewPaymentWebhookHandlers(&stubWebhookService{}).Routes)

	if rr := postWebhook(t, router, "/webhooks/payments/stripe", "", `{}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without stripe parser, got %d", rr.Code)
	}
	if rr := postWebhook(t, router, "/webhooks/payments/payu", "ok", `{}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without signed providers, got %d", rr.Code)
	}
}
