package services

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// plainText strips all markup from user supplied text and trims it.
func plainText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(plainTextPolicy.Sanitize(raw)))
}

// checkText sanitises value and records a field error when it is missing or longer than limit runes.
func checkText(problems *fieldErrors, field, raw string, required bool, limit int) string {
	value := plainText(raw)
	switch {
	case value == "" && required:
		problems.add(field, "required", "field is required")
	case utf8.RuneCountInString(value) > limit:
		problems.add(field, "too_long", "field is too long")
	}
	return value
}
