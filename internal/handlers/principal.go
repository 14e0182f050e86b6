package handlers

import (
	"net/http"
	"strings"

	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/requestctx"
	"github.com/partsdesk/api/internal/services"
)

const (
	orderTokenQuery  = "token"
	orderTokenHeader = "X-Order-Token"
)

// PrincipalResolver turns the verified session identity and an optional magic-link token into the
// acting principal.
type PrincipalResolver interface {
	Resolve(identity *auth.Identity, token, orderID string) (services.Principal, error)
}

// orderToken reads the magic-link token from the query string or the dedicated header.
func orderToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get(orderTokenQuery)); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(orderTokenHeader))
}

func resolvePrincipal(r *http.Request, resolver PrincipalResolver, orderID string) (services.Principal, error) {
	identity, _ := auth.IdentityFromContext(r.Context())
	token := ""
	if orderID != "" {
		token = orderToken(r)
	}
	if resolver == nil {
		return services.Principal{}, services.ErrUnauthorized
	}
	principal, err := resolver.Resolve(identity, token, orderID)
	if err != nil {
		return services.Principal{}, err
	}
	requestctx.SetCaller(r.Context(), requestctx.Caller{
		UserID:  principal.UserID,
		Role:    strings.ToLower(string(principal.Role)),
		OrderID: principal.OrderID,
	})
	return principal, nil
}
