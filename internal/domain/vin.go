package domain

import (
	"errors"
	"strings"

	"golang.org/x/text/width"
)

// VINLength is the fixed length of a vehicle identification number.
const VINLength = 17

var (
	// ErrVINLength indicates the VIN is not exactly 17 characters.
	ErrVINLength = errors.New("vin: must be 17 characters")
	// ErrVINCharset indicates the VIN contains characters outside A-Z/0-9 or uses I, O, Q.
	ErrVINCharset = errors.New("vin: contains invalid characters")
)

// NormalizeVIN folds full-width input, strips spaces and dashes, uppercases, and validates the result.
func NormalizeVIN(raw string) (string, error) {
	folded := width.Fold.String(raw)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch r {
		case ' ', '-', '\t':
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		b.WriteRune(r)
	}
	vin := b.String()
	if len(vin) != VINLength {
		return "", ErrVINLength
	}
	for _, r := range vin {
		switch {
		case r == 'I' || r == 'O' || r == 'Q':
			return "", ErrVINCharset
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return "", ErrVINCharset
		}
	}
	return vin, nil
}
