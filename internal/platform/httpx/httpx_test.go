package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	rr := httptest.NewRecorder()
	WriteError(ctx, rr, NewError("validation_failed", "bad\ninput", http.StatusUnprocessableEntity).
		WithFields([]string{"vin"}).WithRetryAfter(1500*time.Millisecond))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "validation_failed" || body["message"] != "bad input" || body["request_id"] != "req-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if fields, ok := body["fields"].([]any); !ok || len(fields) != 1 {
		t.Fatalf("fields must be part of the envelope, got %v", body)
	}
	if rr.Header().Get("Retry-After") != "2" {
		t.Fatalf("Retry-After must round up, got %q", rr.Header().Get("Retry-After"))
	}

	rr = httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("not_found", "missing", http.StatusNotFound))
	if strings.Contains(rr.Body.String(), "fields") || strings.Contains(rr.Body.String(), "request_id") {
		t.Fatalf("empty optional members must be omitted: %s", rr.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	cases := []struct {
		body string
		want error
	}{
		{`{"name":"a"}`, nil},
		{``, ErrInvalidJSON},
		{`{"name":"a","extra":1}`, ErrInvalidJSON},
		{`{"name":"a"} {"name":"b"}`, ErrInvalidJSON},
		{`{"name":"` + strings.Repeat("x", 64) + `"}`, ErrBodyTooLarge},
	}
	for _, tc := range cases {
		var dst payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		err := DecodeJSON(req, &dst, 32)
		if tc.want == nil && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.body, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%q: expected %v, got %v", tc.body, tc.want, err)
		}
	}

	rr := httptest.NewRecorder()
	WriteDecodeError(rr, httptest.NewRequest(http.MethodPost, "/", nil), ErrBodyTooLarge)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}
