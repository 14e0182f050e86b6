package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/partsdesk/api/internal/domain"
)

// Payment method codes accepted at checkout.
const (
	PaymentMethodCard         = "card"
	PaymentMethodBankTransfer = "bank_transfer"
)

// ShopConfig holds storefront settings that change without a redeploy. It is read from YAML
// over DefaultShopConfig.
type ShopConfig struct {
	Brand         BrandConfig         `yaml:"brand"`
	Currency      string              `yaml:"currency"`
	Shipping      ShippingConfig      `yaml:"shipping"`
	Coupons       []CouponConfig      `yaml:"coupons"`
	Upsells       []UpsellConfig      `yaml:"upsells"`
	Payments      PaymentsConfig      `yaml:"payments"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Comments      CommentsConfig      `yaml:"comments"`
}

// BrandConfig identifies the storefront in emails and links.
type BrandConfig struct {
	Name          string `yaml:"name"`
	PublicBaseURL string `yaml:"publicBaseUrl"`
	SupportEmail  string `yaml:"supportEmail"`
	Locale        string `yaml:"locale"`
}

// ShippingConfig is the shipping rate table.
type ShippingConfig struct {
	Methods []ShippingMethodConfig `yaml:"methods"`
	// FreeShippingThreshold waives shipping when the discounted subtotal reaches it. Zero disables.
	FreeShippingThreshold Amount `yaml:"freeShippingThreshold"`
}

type ShippingMethodConfig struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
	Price Amount `yaml:"price"`
}

// CouponConfig is a coupon definition. Value is a whole percentage for PERCENT coupons and a
// decimal amount for FIXED coupons.
type CouponConfig struct {
	Code        string     `yaml:"code"`
	Type        string     `yaml:"type"`
	Value       string     `yaml:"value"`
	Active      bool       `yaml:"active"`
	ExpiresAt   *time.Time `yaml:"expiresAt"`
	MinSubtotal Amount     `yaml:"minSubtotal"`
}

// UpsellConfig is an optional extra offered next to the quoted parts.
type UpsellConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Price  Amount `yaml:"price"`
	Active bool   `yaml:"active"`
}

type PaymentsConfig struct {
	Methods      []PaymentMethodConfig `yaml:"methods"`
	BankTransfer BankTransferConfig    `yaml:"bankTransfer"`
}

// PaymentMethodConfig maps a checkout payment method onto a provider.
type PaymentMethodConfig struct {
	Code     string `yaml:"code"`
	Provider string `yaml:"provider"`
	Enabled  bool   `yaml:"enabled"`
}

// BankTransferConfig is shown to customers who pay by transfer.
type BankTransferConfig struct {
	AccountHolder string `yaml:"accountHolder"`
	IBAN          string `yaml:"iban"`
	BIC           string `yaml:"bic"`
}

type NotificationsConfig struct {
	AdminEmails []string `yaml:"adminEmails"`
	StaffEmails []string `yaml:"staffEmails"`
	// Disabled lists notification types whose emails are suppressed. Inbox rows are still written.
	Disabled []string `yaml:"disabled"`
}

type CommentsConfig struct {
	AllowGuestComments bool `yaml:"allowGuestComments"`
}

// Amount is a money value in minor units written as a decimal in YAML ("9.90").
type Amount int64

// UnmarshalYAML parses decimal scalars into minor units.
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	value, err := domain.ParseMinorUnits(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if value < 0 {
		return fmt.Errorf("line %d: amount must not be negative", node.Line)
	}
	*a = Amount(value)
	return nil
}

// DefaultShopConfig returns the compiled defaults.
func DefaultShopConfig() ShopConfig {
	return ShopConfig{
		Brand: BrandConfig{
			Name:          "PartsDesk",
			PublicBaseURL: "http://localhost:3000",
			SupportEmail:  "support@partsdesk.local",
			Locale:        "en-IE",
		},
		Currency: "EUR",
		Shipping: ShippingConfig{
			Methods: []ShippingMethodConfig{
				{Code: "standard", Label: "Standard delivery", Price: 990},
				{Code: "express", Label: "Express delivery", Price: 1990},
				{Code: "pickup", Label: "Pickup in store", Price: 0},
			},
			FreeShippingThreshold: 25000,
		},
		Payments: PaymentsConfig{
			Methods: []PaymentMethodConfig{
				{Code: PaymentMethodCard, Provider: "stripe", Enabled: true},
				{Code: PaymentMethodBankTransfer, Provider: "bank_transfer", Enabled: true},
			},
		},
	}
}

// LoadShopConfig reads the YAML file at path over the defaults. An empty path yields the defaults.
func LoadShopConfig(path string) (ShopConfig, error) {
	cfg := DefaultShopConfig()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return ShopConfig{}, fmt.Errorf("config: read shop config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return ShopConfig{}, fmt.Errorf("config: parse shop config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return ShopConfig{}, err
	}
	return cfg, nil
}

// Validate checks the shop settings for internal consistency.
func (c ShopConfig) Validate() error {
	var invalid []string
	if len(strings.TrimSpace(c.Currency)) != 3 {
		invalid = append(invalid, "Shop.Currency")
	}
	if _, err := language.Parse(c.Brand.Locale); err != nil {
		invalid = append(invalid, "Shop.Brand.Locale")
	}
	if strings.TrimSpace(c.Brand.PublicBaseURL) == "" {
		invalid = append(invalid, "Shop.Brand.PublicBaseURL")
	}
	if len(c.Shipping.Methods) == 0 {
		invalid = append(invalid, "Shop.Shipping.Methods")
	}
	seen := make(map[string]bool)
	for i, method := range c.Shipping.Methods {
		code := strings.TrimSpace(method.Code)
		if code == "" || seen[code] {
			invalid = append(invalid, fmt.Sprintf("Shop.Shipping.Methods[%d]", i))
		}
		seen[code] = true
	}
	for i, coupon := range c.Coupons {
		if _, err := coupon.Resolve(); err != nil {
			invalid = append(invalid, fmt.Sprintf("Shop.Coupons[%d]", i))
		}
	}
	for i, upsell := range c.Upsells {
		if strings.TrimSpace(upsell.ID) == "" || strings.TrimSpace(upsell.Name) == "" {
			invalid = append(invalid, fmt.Sprintf("Shop.Upsells[%d]", i))
		}
	}
	for i, method := range c.Payments.Methods {
		switch method.Code {
		case PaymentMethodCard, PaymentMethodBankTransfer:
		default:
			invalid = append(invalid, fmt.Sprintf("Shop.Payments.Methods[%d]", i))
		}
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// ShippingRate returns the price of the shipping method with the given code.
func (c ShopConfig) ShippingRate(code string) (int64, bool) {
	for _, method := range c.Shipping.Methods {
		if method.Code == code {
			return int64(method.Price), true
		}
	}
	return 0, false
}

// Upsell returns the active upsell with the given id.
func (c ShopConfig) Upsell(id string) (UpsellConfig, bool) {
	for _, upsell := range c.Upsells {
		if upsell.ID == id && upsell.Active {
			return upsell, true
		}
	}
	return UpsellConfig{}, false
}

// Coupon returns the coupon with the given code, matched case-insensitively.
func (c ShopConfig) Coupon(code string) (CouponConfig, bool) {
	code = strings.TrimSpace(code)
	for _, coupon := range c.Coupons {
		if strings.EqualFold(coupon.Code, code) {
			return coupon, true
		}
	}
	return CouponConfig{}, false
}

// PaymentMethod returns the enabled payment method with the given code.
func (c ShopConfig) PaymentMethod(code string) (PaymentMethodConfig, bool) {
	for _, method := range c.Payments.Methods {
		if method.Code == code && method.Enabled {
			return method, true
		}
	}
	return PaymentMethodConfig{}, false
}

// EmailDisabled reports whether emails for the notification type are switched off.
func (c ShopConfig) EmailDisabled(notificationType string) bool {
	for _, disabled := range c.Notifications.Disabled {
		if strings.EqualFold(disabled, notificationType) {
			return true
		}
	}
	return false
}

// Usable reports whether the coupon can be applied at the given time.
func (c CouponConfig) Usable(now time.Time) bool {
	if !c.Active {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

// Resolve converts the coupon definition into the pricing representation.
func (c CouponConfig) Resolve() (domain.Coupon, error) {
	code := strings.TrimSpace(c.Code)
	if code == "" {
		return domain.Coupon{}, fmt.Errorf("coupon code is required")
	}
	switch domain.CouponType(strings.ToUpper(strings.TrimSpace(c.Type))) {
	case domain.CouponPercent:
		percent, err := strconv.ParseInt(strings.TrimSpace(c.Value), 10, 64)
		if err != nil || percent < 0 || percent > 100 {
			return domain.Coupon{}, fmt.Errorf("coupon %s: percent value must be a whole number between 0 and 100", code)
		}
		return domain.Coupon{Code: code, Type: domain.CouponPercent, Value: percent}, nil
	case domain.CouponFixed:
		amount, err := domain.ParseMinorUnits(c.Value)
		if err != nil || amount < 0 {
			return domain.Coupon{}, fmt.Errorf("coupon %s: fixed value must be a non-negative amount", code)
		}
		return domain.Coupon{Code: code, Type: domain.CouponFixed, Value: amount}, nil
	default:
		return domain.Coupon{}, fmt.Errorf("coupon %s: unknown type %q", code, c.Type)
	}
}
