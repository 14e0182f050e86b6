// Package pagination parses list query parameters and encodes opaque cursor page tokens.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Cursor holds the sort keys of the last row of the previous page, most significant first.
type Cursor struct {
	Keys []string
}

// Options control how Parse behaves for one list endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// Filters maps a query parameter to its accepted values. Values are compared case-insensitively
	// and returned in their canonical spelling. A nil slice accepts any non-empty value.
	Filters map[string][]string
}

// Params are the parsed list parameters.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
	Filters   map[string][]string
}

// FromRequest parses the list parameters of r.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize, pageToken and the configured filters. Filter values may repeat or be
// comma separated: ?status=PENDING&status=VALUATED or ?status=PENDING,VALUATED.
func Parse(values url.Values, opts Options) (Params, error) {
	size, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: size}

	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = raw
		params.Cursor = cursor
	}

	for name, allowed := range opts.Filters {
		selected, err := parseFilter(name, values[name], allowed)
		if err != nil {
			return Params{}, err
		}
		if len(selected) == 0 {
			continue
		}
		if params.Filters == nil {
			params.Filters = make(map[string][]string)
		}
		params.Filters[name] = selected
	}
	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	def := opts.DefaultPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	def = min(def, maxSize)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(value, maxSize), nil
}

func parseFilter(name string, raw []string, allowed []string) ([]string, error) {
	var out []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			value := part
			if allowed != nil {
				idx := slices.IndexFunc(allowed, func(a string) bool { return strings.EqualFold(a, part) })
				if idx < 0 {
					return nil, fmt.Errorf("%w: %s=%q is not supported", ErrInvalidFilter, name, part)
				}
				value = allowed[idx]
			}
			if !slices.Contains(out, value) {
				out = append(out, value)
			}
		}
	}
	return out, nil
}
