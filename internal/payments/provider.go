// Package payments hands checkouts off to payment providers and normalises their callbacks.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names as stored on domain.Payment.
const (
	ProviderStripe       = "stripe"
	ProviderBankTransfer = "bank_transfer"
)

var (
	// ErrUnsupportedProvider is returned when no provider is registered under a name.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidWebhook marks a callback whose signature or payload cannot be trusted.
	ErrInvalidWebhook = errors.New("payments: invalid webhook")
)

// LineItem is one priced line shown on the provider's payment page.
type LineItem struct {
	Name     string
	Quantity int64
	Amount   int64
}

// CheckoutSessionRequest describes a payment to collect.
type CheckoutSessionRequest struct {
	PaymentID      string
	OrderID        string
	Reference      string
	Amount         int64
	Currency       string
	CustomerEmail  string
	Locale         string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	Items          []LineItem
}

// CheckoutSession is where the customer is sent to pay.
type CheckoutSession struct {
	Provider    string
	SessionID   string
	IntentID    string
	RedirectURL string
	ExpiresAt   time.Time
	// Instructions carries offline payment details such as bank transfer coordinates.
	Instructions map[string]string
}

// Provider creates hosted payment sessions.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
}

// EventKind is the normalised outcome reported by a provider callback.
type EventKind string

const (
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventIgnored   EventKind = "ignored"
)

// WebhookEvent is a provider callback reduced to what the order workflow needs.
type WebhookEvent struct {
	Provider      string
	EventID       string
	Type          string
	Kind          EventKind
	PaymentID     string
	IntentID      string
	SessionID     string
	Amount        int64
	Currency      string
	FailureReason string
}

// Manager routes checkout requests to registered providers.
type Manager struct {
	providers map[string]Provider
}

// NewManager registers providers by name. Names are case-insensitive.
func NewManager(providers map[string]Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for name, p := range providers {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || p == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		m.providers[key] = p
	}
	return m, nil
}

// CreateCheckoutSession delegates to the named provider and stamps its name on the session.
func (m *Manager) CreateCheckoutSession(ctx context.Context, provider string, req CheckoutSessionRequest) (CheckoutSession, error) {
	key := strings.ToLower(strings.TrimSpace(provider))
	p, ok := m.providers[key]
	if !ok {
		return CheckoutSession{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	session, err := p.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// Has reports whether a provider is registered.
func (m *Manager) Has(provider string) bool {
	_, ok := m.providers[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}
