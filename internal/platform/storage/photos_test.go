package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *ServiceAccountSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	payload, _ := json.Marshal(map[string]string{
		"client_email": "photos@partsdesk.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})
	signer, err := NewServiceAccountSigner(payload)
	if err != nil {
		t.Fatalf("NewServiceAccountSigner: %v", err)
	}
	return signer
}

func TestParseGSURI(t *testing.T) {
	cases := []struct {
		in             string
		bucket, object string
		ok             bool
	}{
		{"gs://photos/orders/ord_1/a.jpg", "photos", "orders/ord_1/a.jpg", true},
		{"gs://photos/", "", "", false},
		{"gs:///a.jpg", "", "", false},
		{"https://example.com/a.jpg", "", "", false},
	}
	for _, tc := range cases {
		bucket, object, ok := ParseGSURI(tc.in)
		if ok != tc.ok || bucket != tc.bucket || object != tc.object {
			t.Fatalf("ParseGSURI(%q) = %q %q %v", tc.in, bucket, object, ok)
		}
	}
}

func TestPhotoURLsResolveSignsGSReferences(t *testing.T) {
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	p := NewPhotoURLs(newTestSigner(t), "photos", 10*time.Minute, WithClock(func() time.Time { return now }))

	signed, err := p.Resolve(context.Background(), "gs://photos/orders/ord_1/a.jpg")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	if !strings.Contains(u.Path, "/photos/orders/ord_1/a.jpg") {
		t.Fatalf("unexpected path %q", u.Path)
	}
	q := u.Query()
	if q.Get("X-Goog-Expires") != "600" || q.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected v4 signature params, got %v", q)
	}

	if got, _ := p.Resolve(context.Background(), "https://cdn.example.com/a.jpg"); got != "https://cdn.example.com/a.jpg" {
		t.Fatalf("https urls must pass through, got %q", got)
	}
	if _, err := p.Resolve(context.Background(), "gs://other/a.jpg"); !errors.Is(err, ErrBucketNotAllowed) {
		t.Fatalf("expected ErrBucketNotAllowed, got %v", err)
	}
}

func TestPhotoURLsValidate(t *testing.T) {
	p := NewPhotoURLs(nil, "photos", 0)
	for _, ok := range []string{"", "https://cdn.example.com/x.png", "gs://photos/x.png"} {
		if err := p.Validate(ok); err != nil {
			t.Fatalf("Validate(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"http://insecure/x.png", "ftp://x", "gs://photos/", "https://"} {
		if err := p.Validate(bad); !errors.Is(err, ErrInvalidPhotoURL) {
			t.Fatalf("Validate(%q): expected ErrInvalidPhotoURL, got %v", bad, err)
		}
	}
	if err := p.Validate("gs://elsewhere/x.png"); !errors.Is(err, ErrBucketNotAllowed) {
		t.Fatalf("expected ErrBucketNotAllowed, got %v", err)
	}

	if got, err := p.Resolve(context.Background(), "gs://photos/x.png"); err != nil || got != "gs://photos/x.png" {
		t.Fatalf("unsigned resolver should pass gs refs through, got %q %v", got, err)
	}
}
