package domain

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidAmount indicates a decimal amount could not be converted to minor units.
var ErrInvalidAmount = errors.New("amount: invalid decimal")

// MaxAmount bounds any single price or total in minor units (ten billion in major units).
const MaxAmount int64 = 1_000_000_000_000

// ParseMinorUnits converts a decimal string with at most two fraction digits into minor units.
// "10" and "10.00" both yield 1000. Only one leading '-' is accepted; amounts above MaxAmount are
// rejected.
func ParseMinorUnits(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if !isDigits(whole) || (hasFrac && (!isDigits(frac) || len(frac) > 2)) {
		return 0, ErrInvalidAmount
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units > MaxAmount/100 {
		return 0, ErrInvalidAmount
	}
	cents, _ := strconv.ParseInt(frac, 10, 64)
	amount := units*100 + cents
	if amount > MaxAmount {
		return 0, ErrInvalidAmount
	}
	if negative {
		amount = -amount
	}
	return amount, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatMinorUnits renders minor units as a plain decimal string with two fraction digits.
func FormatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	cents := amount % 100
	out := sign + strconv.FormatInt(amount/100, 10) + "."
	if cents < 10 {
		out += "0"
	}
	return out + strconv.FormatInt(cents, 10)
}
