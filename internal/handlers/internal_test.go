package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/partsdesk/api/internal/platform/idempotency"
)

type stubCleaner struct {
	limit int
	now   time.Time
	err   error
}

func (s *stubCleaner) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.now, s.limit = now, limit
	return 3, s.err
}

func TestIdempotencyCleanupLimits(t *testing.T) {
	cases := []struct {
		query string
		limit int
		code  int
	}{
		{"", defaultCleanupLimit, http.StatusOK},
		{"?limit=20", 20, http.StatusOK},
		{"?limit=100000", maxCleanupLimit, http.StatusOK},
		{"?limit=0", 0, http.StatusBadRequest},
		{"?limit=abc", 0, http.StatusBadRequest},
	}
	for _, tc := range cases {
		cleaner := &stubCleaner{}
		router := mountRoutes("/internal", NewInternalHandlers(cleaner, func() time.Time { return testNow }).Routes)
		rr := doJSON(t, router, http.MethodPost, "/internal/maintenance/idempotency-cleanup"+tc.query, "", "")
		if rr.Code != tc.code {
			t.Fatalf("%q: expected %d, got %d", tc.query, tc.code, rr.Code)
		}
		if cleaner.limit != tc.limit {
			t.Fatalf("%q: expected limit %d, got %d", tc.query, tc.limit, cleaner.limit)
		}
		if tc.code == http.StatusOK && (!cleaner.now.Equal(testNow) || decodeBody(t, rr)["deleted"] != float64(3)) {
			t.Fatalf("%q: unexpected cleanup call %+v", tc.query, cleaner)
		}
	}
}

func TestIdempotencyCleanupWithMemoryStore(t *testing.T) {
	store := idempotency.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Reserve(ctx, "old", "fp", testNow.Add(-2*time.Hour), time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "fresh", "fp", testNow, time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	router := mountRoutes("/internal", NewInternalHandlers(store, func() time.Time { return testNow }).Routes)
	rr := doJSON(t, router, http.MethodPost, "/internal/maintenance/idempotency-cleanup", "", "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["deleted"] != float64(1) {
		t.Fatalf("expected one expired record removed, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestIdempotencyCleanupFailures(t *testing.T) {
	router := mountRoutes("/internal", NewInternalHandlers(&stubCleaner{err: errors.New("firestore down")}, nil).Routes)
	if rr := doJSON(t, router, http.MethodPost, "/internal/maintenance/idempotency-cleanup", "", ""); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}

	router = mountRoutes("/internal", NewInternalHandlers(nil, nil).Routes)
	rr := doJSON(t, router, http.MethodPost, "/internal/maintenance/idempotency-cleanup", "", "")
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "idempotency_store_unavailable" {
		t.Fatalf("expected 503, got %d %s", rr.Code, rr.Body.String())
	}
}
