package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsdesk/api/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultClockSkew       = 5 * time.Minute
	defaultNonceTTL        = 5 * time.Minute
)

// NonceStore records nonces so a signed request cannot be replayed.
type NonceStore interface {
	// UseNonce returns false when the nonce was already seen in scope.
	UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error)
}

// InMemoryNonceStore is a single-process NonceStore.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, expiry := range s.nonces {
		if !now.Before(expiry) {
			delete(s.nonces, key)
		}
	}
	key := scope + "::" + nonce
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore shares nonces across instances with SET NX.
type RedisNonceStore struct {
	rdb redis.UniversalClient
}

func NewRedisNonceStore(rdb redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb}
}

// UseNonce implements NonceStore.
func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	return s.rdb.SetNX(ctx, "partsdesk:nonce:"+scope+":"+nonce, 1, ttl).Result()
}

// HMACValidator verifies signed server-to-server callbacks. The signature covers
// METHOD\nPATH\nTIMESTAMP\nNONCE\nSHA256(body) and is sent base64 or hex encoded.
type HMACValidator struct {
	secrets map[string]string
	nonces  NonceStore
	logger  Logger
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACHeaders overrides the header names. Empty values keep the defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACWindow sets the allowed clock skew and nonce retention.
func WithHMACWindow(skew, nonceTTL time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if skew > 0 {
			v.clockSkew = skew
		}
		if nonceTTL > 0 {
			v.nonceTTL = nonceTTL
		}
	}
}

// WithHMACClock overrides the time source.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACLogger routes verification failures to logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewHMACValidator builds a validator over secrets keyed by lower-case provider name.
func NewHMACValidator(secrets map[string]string, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	normalised := make(map[string]string, len(secrets))
	for name, secret := range secrets {
		normalised[strings.ToLower(strings.TrimSpace(name))] = secret
	}
	v := &HMACValidator{
		secrets:         normalised,
		nonces:          nonces,
		logger:          nopLogger{},
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireHMAC verifies requests whose secret is chosen by resolve, typically from the {provider} path value.
func (v *HMACValidator) RequireHMAC(resolve func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			name := strings.ToLower(strings.TrimSpace(resolve(r)))
			secret, ok := v.secrets[name]
			if !ok || secret == "" {
				httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "webhook provider not recognised", http.StatusUnauthorized))
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read body", http.StatusBadRequest))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			if code, err := v.verify(ctx, r, name, []byte(secret), body); err != nil {
				v.logger.Printf("auth: hmac verification failed for %s: %v", name, err)
				status := http.StatusUnauthorized
				if code == "verification_unavailable" {
					status = http.StatusServiceUnavailable
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, "signature verification failed", status))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verify(ctx context.Context, r *http.Request, scope string, secret, body []byte) (string, error) {
	signature, err := decodeSignature(strings.TrimSpace(r.Header.Get(v.signatureHeader)))
	if err != nil {
		return "signature_invalid", err
	}
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	timestamp, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return "timestamp_invalid", err
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return "timestamp_skew", fmt.Errorf("timestamp outside window by %s", skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return "nonce_missing", errors.New("nonce header missing")
	}
	if !hmac.Equal(signature, computeHMAC(secret, canonicalString(r, body, rawTimestamp, nonce))) {
		return "signature_mismatch", errors.New("signature mismatch")
	}
	if v.nonces == nil {
		return "verification_unavailable", errors.New("nonce store not configured")
	}
	fresh, err := v.nonces.UseNonce(ctx, scope, nonce, v.nonceTTL)
	if err != nil {
		return "verification_unavailable", err
	}
	if !fresh {
		return "nonce_replay", errors.New("nonce already used")
	}
	return "", nil
}

// SignRequest computes the signature header value for a request body. Used by callers and tests.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	r := &http.Request{Method: method, URL: &url.URL{Path: path}}
	return base64.StdEncoding.EncodeToString(computeHMAC([]byte(secret), canonicalString(r, body, timestamp, nonce)))
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func canonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{strings.ToUpper(r.Method), path, timestamp, nonce, hex.EncodeToString(hash[:])}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
