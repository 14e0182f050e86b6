package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type jwksServer struct {
	key      *rsa.PrivateKey
	mu       sync.Mutex
	requests int
	server   *httptest.Server
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &jwksServer{key: key}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "key1", Algorithm: "RS256", Use: "sig",
		}}})
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *jwksServer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "key1"
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCache_KeyCachesKeys(t *testing.T) {
	srv := newJWKSServer(t)
	cache := NewJWKSCache(srv.server.URL)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		got, err := cache.Key(ctx, "key1")
		if err != nil {
			t.Fatalf("cache.Key: %v", err)
		}
		if _, ok := got.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", got)
		}
	}
	if srv.requests != 1 {
		t.Fatalf("expected single JWKS fetch, got %d", srv.requests)
	}
	if _, err := cache.Key(ctx, "missing"); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func TestRequireOIDC(t *testing.T) {
	srv := newJWKSServer(t)
	validator := NewOIDCValidator(NewJWKSCache(srv.server.URL), nil)
	middleware := validator.RequireOIDC("https://api.partsdesk.example", []string{"https://accounts.google.com"})
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   int
	}{
		{"valid", jwt.MapClaims{"aud": "https://api.partsdesk.example", "iss": "https://accounts.google.com", "sub": "scheduler", "exp": exp}, http.StatusNoContent},
		{"wrong audience", jwt.MapClaims{"aud": "https://other", "iss": "https://accounts.google.com", "exp": exp}, http.StatusUnauthorized},
		{"wrong issuer", jwt.MapClaims{"aud": "https://api.partsdesk.example", "iss": "https://evil", "exp": exp}, http.StatusUnauthorized},
		{"expired", jwt.MapClaims{"aud": "https://api.partsdesk.example", "iss": "https://accounts.google.com", "exp": time.Now().Add(-time.Hour).Unix()}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := ServiceIdentityFromContext(r.Context())
				if !ok || identity.Subject != "scheduler" {
					t.Fatalf("expected service identity, got %+v", identity)
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/idempotency-cleanup", nil)
			req.Header.Set("Authorization", "Bearer "+srv.sign(t, tc.claims))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRequireOIDC_JWKSUnavailable(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)
	srv := newJWKSServer(t)
	token := srv.sign(t, jwt.MapClaims{"aud": "a", "exp": time.Now().Add(time.Hour).Unix()})

	handler := NewOIDCValidator(NewJWKSCache(failing.URL), nil).RequireOIDC("a", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
