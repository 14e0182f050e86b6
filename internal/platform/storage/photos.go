// Package storage turns gs:// item photo references into short-lived signed download URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultPhotoURLTTL = 15 * time.Minute
	maxPhotoURLTTL     = time.Hour
)

var (
	// ErrInvalidPhotoURL marks a photo reference that is neither https:// nor gs://bucket/object.
	ErrInvalidPhotoURL = errors.New("storage: invalid photo url")
	// ErrBucketNotAllowed marks a gs:// reference outside the photos bucket.
	ErrBucketNotAllowed = errors.New("storage: bucket not allowed")
)

// PhotoURLs resolves stored item photo references for API responses.
type PhotoURLs struct {
	signer Signer
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

// Option customises PhotoURLs.
type Option func(*PhotoURLs)

// WithClock injects the clock used for URL expiry.
func WithClock(clock func() time.Time) Option {
	return func(p *PhotoURLs) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewPhotoURLs builds a resolver. A nil signer leaves gs:// references unsigned, which is how
// local runs without a service account key behave.
func NewPhotoURLs(signer Signer, bucket string, ttl time.Duration, opts ...Option) *PhotoURLs {
	if ttl <= 0 {
		ttl = defaultPhotoURLTTL
	}
	p := &PhotoURLs{signer: signer, bucket: strings.TrimSpace(bucket), ttl: min(ttl, maxPhotoURLTTL), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks a client-supplied photo reference before it is stored.
func (p *PhotoURLs) Validate(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "https://") && len(raw) > len("https://") {
		return nil
	}
	bucket, _, ok := ParseGSURI(raw)
	if !ok {
		return ErrInvalidPhotoURL
	}
	if p != nil && p.bucket != "" && bucket != p.bucket {
		return fmt.Errorf("%w: %s", ErrBucketNotAllowed, bucket)
	}
	return nil
}

// Resolve returns the URL a client can fetch. https:// references pass through unchanged.
func (p *PhotoURLs) Resolve(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "https://") {
		return raw, nil
	}
	bucket, object, ok := ParseGSURI(raw)
	if !ok {
		return "", ErrInvalidPhotoURL
	}
	if p == nil || p.signer == nil {
		return raw, nil
	}
	if p.bucket != "" && bucket != p.bucket {
		return "", fmt.Errorf("%w: %s", ErrBucketNotAllowed, bucket)
	}
	signed, err := gcs.SignedURL(bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: p.signer.Email(),
		Scheme:         gcs.SigningSchemeV4,
		Method:         http.MethodGet,
		Expires:        p.now().Add(p.ttl),
		SignBytes: func(payload []byte) ([]byte, error) {
			return p.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", fmt.Errorf("storage: sign photo url: %w", err)
	}
	return signed, nil
}

// ParseGSURI splits gs://bucket/object. Both parts must be non-empty.
func ParseGSURI(raw string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(raw), "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || strings.Trim(object, "/") == "" {
		return "", "", false
	}
	return bucket, object, true
}
