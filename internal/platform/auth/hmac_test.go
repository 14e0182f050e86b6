package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func signedRequest(t *testing.T, secret, provider, nonce string, ts time.Time, body string) *http.Request {
	t.Helper()
	path := "/webhooks/payments/" + provider
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("X-Signature", SignRequest(secret, http.MethodPost, path, timestamp, nonce, []byte(body)))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	req.Header.Set("X-Signature-Nonce", nonce)
	return req
}

func newHMACRouter(v *HMACValidator, hits *int) http.Handler {
	r := chi.NewRouter()
	r.With(v.RequireHMAC(func(r *http.Request) string { return chi.URLParam(r, "provider") })).
		Post("/webhooks/payments/{provider}", func(w http.ResponseWriter, r *http.Request) {
			*hits++
			w.WriteHeader(http.StatusAccepted)
		})
	return r
}

func TestRequireHMAC(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(map[string]string{"BankTransfer": "s3cret"}, NewInMemoryNonceStore(), WithHMACClock(func() time.Time { return now }))
	hits := 0
	router := newHMACRouter(validator, &hits)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedRequest(t, "s3cret", "banktransfer", "n1", now, `{"paymentId":"pay_1","status":"succeeded"}`))
	if rr.Code != http.StatusAccepted || hits != 1 {
		t.Fatalf("expected signed request accepted, got %d", rr.Code)
	}

	cases := []struct {
		name string
		req  *http.Request
		code string
	}{
		{"replay", signedRequest(t, "s3cret", "banktransfer", "n1", now, `{"paymentId":"pay_1","status":"succeeded"}`), "nonce_replay"},
		{"wrong secret", signedRequest(t, "guess", "banktransfer", "n2", now, `{}`), "signature_mismatch"},
		{"skew", signedRequest(t, "s3cret", "banktransfer", "n3", now.Add(-time.Hour), `{}`), "timestamp_skew"},
		{"unknown provider", signedRequest(t, "s3cret", "paypal", "n4", now, `{}`), "unknown_provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, tc.req)
			if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != tc.code {
				t.Fatalf("expected 401 %s, got %d %s", tc.code, rr.Code, rr.Body.String())
			}
		})
	}
	if hits != 1 {
		t.Fatalf("rejected requests must not reach the handler")
	}
}

func TestRequireHMAC_TamperedBody(t *testing.T) {
	now := time.Now()
	validator := NewHMACValidator(map[string]string{"bank": "k"}, NewInMemoryNonceStore())
	hits := 0
	req := signedRequest(t, "k", "bank", "n", now, `{"amount":100}`)
	req.Body = http.NoBody
	rr := httptest.NewRecorder()
	newHMACRouter(validator, &hits).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized || hits != 0 {
		t.Fatalf("tampered body must be rejected, got %d", rr.Code)
	}
}
