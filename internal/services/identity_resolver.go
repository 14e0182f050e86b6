package services

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/auth"
)

// PrincipalKind distinguishes signed-in accounts from magic-link guests.
type PrincipalKind string

const (
	PrincipalAuthenticated PrincipalKind = "authenticated"
	PrincipalGuest         PrincipalKind = "guest"
)

// Principal is the resolved caller of a request.
type Principal struct {
	Kind   PrincipalKind
	UserID string
	Email  string
	Role   domain.Role
	// OrderID is the order a verified magic-link token grants access to.
	OrderID     string
	TokenExpiry time.Time
}

// IsBackOffice reports whether the principal is signed-in staff or admin.
func (p Principal) IsBackOffice() bool {
	return p.Kind == PrincipalAuthenticated && p.Role.IsBackOffice()
}

// ActorID identifies the principal in audit fields.
func (p Principal) ActorID() string {
	if p.UserID != "" {
		return p.UserID
	}
	if p.OrderID != "" {
		return "guest:" + p.OrderID
	}
	return ""
}

// AuthorRole is the role recorded on content the principal writes.
func (p Principal) AuthorRole() domain.Role {
	if p.Kind == PrincipalGuest {
		return domain.RoleGuest
	}
	if p.Role == "" {
		return domain.RoleUser
	}
	return p.Role
}

// MagicLink is an issued order-access link.
type MagicLink struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

type magicLinkSigner interface {
	Issue(orderID string) (auth.MagicLinkToken, error)
	Verify(raw, orderID string) (auth.MagicLinkClaims, error)
}

// IdentityResolverDeps wires the identity resolver.
type IdentityResolverDeps struct {
	MagicLinks    magicLinkSigner
	PublicBaseURL string
}

// IdentityResolver turns verified credentials into principals and gates order access.
type IdentityResolver struct {
	links   magicLinkSigner
	baseURL string
}

// NewIdentityResolver validates the dependencies.
func NewIdentityResolver(deps IdentityResolverDeps) (*IdentityResolver, error) {
	if deps.MagicLinks == nil {
		return nil, errors.New("identity resolver: magic link signer is required")
	}
	base := strings.TrimRight(strings.TrimSpace(deps.PublicBaseURL), "/")
	if base == "" {
		return nil, errors.New("identity resolver: public base url is required")
	}
	return &IdentityResolver{links: deps.MagicLinks, baseURL: base}, nil
}

// Resolve builds the principal from a Firebase identity and/or a magic-link token presented for orderID.
// A presented token that fails verification is rejected even when the caller is signed in.
func (r *IdentityResolver) Resolve(identity *auth.Identity, token, orderID string) (Principal, error) {
	token = strings.TrimSpace(token)
	var principal Principal
	if identity != nil {
		principal = principalFromIdentity(identity)
	}
	if token != "" {
		if strings.TrimSpace(orderID) == "" {
			return Principal{}, fmt.Errorf("%w: token presented without order", ErrUnauthorized)
		}
		claims, err := r.links.Verify(token, orderID)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if identity == nil {
			principal = Principal{Kind: PrincipalGuest, Role: domain.RoleGuest}
		}
		principal.OrderID = claims.OrderID
		principal.TokenExpiry = claims.ExpiresAt
	}
	if principal.Kind == "" {
		return Principal{}, ErrUnauthorized
	}
	return principal, nil
}

// AuthorizeOrder checks that the principal may access order.
func (r *IdentityResolver) AuthorizeOrder(p Principal, order domain.OrderRequest) error {
	return AuthorizeOrder(p, order)
}

// IssueMagicLink signs an order-access token and builds the customer link.
func (r *IdentityResolver) IssueMagicLink(orderID string) (MagicLink, error) {
	token, err := r.links.Issue(orderID)
	if err != nil {
		return MagicLink{}, err
	}
	return MagicLink{
		Token:     token.Token,
		URL:       r.baseURL + "/orders/" + url.PathEscape(orderID) + "?token=" + url.QueryEscape(token.Token),
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// OrderURL is the customer page of an order without credentials.
func (r *IdentityResolver) OrderURL(orderID string) string {
	return r.baseURL + "/orders/" + url.PathEscape(orderID)
}

// AuthorizeOrder lets staff and admins through, users only to their own orders and guests only with a token for the order.
func AuthorizeOrder(p Principal, order domain.OrderRequest) error {
	switch {
	case p.Kind == "":
		return ErrUnauthorized
	case p.IsBackOffice():
		return nil
	case p.OrderID != "" && p.OrderID == order.ID:
		return nil
	case p.Kind == PrincipalAuthenticated && p.UserID != "" && p.UserID == order.UserID:
		return nil
	default:
		return ErrForbidden
	}
}

func principalFromIdentity(identity *auth.Identity) Principal {
	role := domain.RoleUser
	switch identity.PrimaryRole() {
	case auth.RoleAdmin:
		role = domain.RoleAdmin
	case auth.RoleStaff:
		role = domain.RoleStaff
	}
	return Principal{
		Kind:   PrincipalAuthenticated,
		UserID: identity.UID,
		Email:  strings.TrimSpace(identity.Email),
		Role:   role,
	}
}
