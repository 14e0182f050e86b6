package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// MagicLinkAudience is the aud claim of every order-access token.
const MagicLinkAudience = "order-access"

var (
	// ErrMagicLinkInvalid covers malformed, forged or wrong-audience tokens.
	ErrMagicLinkInvalid = errors.New("auth: magic link invalid")
	// ErrMagicLinkExpired reports a token past its exp claim.
	ErrMagicLinkExpired = errors.New("auth: magic link expired")
	// ErrMagicLinkWrongOrder reports a valid token presented for another order.
	ErrMagicLinkWrongOrder = errors.New("auth: magic link issued for a different order")
)

// MagicLinkToken is a freshly signed order-access token.
type MagicLinkToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// MagicLinkClaims are the verified contents of a token.
type MagicLinkClaims struct {
	OrderID   string
	ID        string
	ExpiresAt time.Time
}

// MagicLinks signs and verifies HS256 order-access tokens for guests.
type MagicLinks struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewMagicLinks constructs the signer. The key must not be empty.
func NewMagicLinks(signingKey string, ttl time.Duration, clock func() time.Time) (*MagicLinks, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, errors.New("auth: magic link signing key is required")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &MagicLinks{key: []byte(signingKey), ttl: ttl, clock: clock}, nil
}

// Issue signs a token granting access to orderID.
func (m *MagicLinks) Issue(orderID string) (MagicLinkToken, error) {
	if strings.TrimSpace(orderID) == "" {
		return MagicLinkToken{}, errors.New("auth: order id is required")
	}
	now := m.clock().UTC()
	expires := now.Add(m.ttl)
	jti := uuid.NewString()
	claims := jwt.RegisteredClaims{
		Subject:   orderID,
		Audience:  jwt.ClaimStrings{MagicLinkAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        jti,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return MagicLinkToken{}, fmt.Errorf("auth: sign magic link: %w", err)
	}
	return MagicLinkToken{Token: signed, ID: jti, ExpiresAt: expires.Truncate(time.Second)}, nil
}

// Verify checks signature, audience and expiry, then that the token was issued for orderID.
func (m *MagicLinks) Verify(raw, orderID string) (MagicLinkClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return MagicLinkClaims{}, ErrMagicLinkInvalid
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return m.key, nil }); err != nil {
		return MagicLinkClaims{}, fmt.Errorf("%w: %v", ErrMagicLinkInvalid, err)
	}
	if !claims.VerifyAudience(MagicLinkAudience, true) || claims.ExpiresAt == nil {
		return MagicLinkClaims{}, ErrMagicLinkInvalid
	}
	// Expiry is checked against the injected clock.
	if !claims.VerifyExpiresAt(m.clock(), true) {
		return MagicLinkClaims{}, ErrMagicLinkExpired
	}
	if claims.Subject != orderID {
		return MagicLinkClaims{}, ErrMagicLinkWrongOrder
	}
	return MagicLinkClaims{OrderID: claims.Subject, ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}
