package mail

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MoneyFormatter renders minor-unit amounts for humans, e.g. 1250 in EUR as "€ 12.50" for en-IE.
// It is shared by the email templates and the JSON payloads so both show the same string.
type MoneyFormatter struct {
	printer *message.Printer
	unit    currency.Unit
}

// NewMoneyFormatter uses locale for separators and currencyCode (ISO 4217) as the default unit.
// An unparsable locale falls back to English.
func NewMoneyFormatter(locale, currencyCode string) (*MoneyFormatter, error) {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		tag = language.English
	}
	unit, err := currency.ParseISO(strings.TrimSpace(currencyCode))
	if err != nil {
		return nil, fmt.Errorf("mail: currency %q: %w", currencyCode, err)
	}
	return &MoneyFormatter{printer: message.NewPrinter(tag), unit: unit}, nil
}

// Format renders amount in currencyCode, or in the default currency when currencyCode is empty
// or unknown.
func (f *MoneyFormatter) Format(amount int64, currencyCode string) string {
	unit := f.unit
	if code := strings.TrimSpace(currencyCode); code != "" {
		if parsed, err := currency.ParseISO(code); err == nil {
			unit = parsed
		}
	}
	return f.printer.Sprint(currency.Symbol(unit.Amount(float64(amount) / 100)))
}
