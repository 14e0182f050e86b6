package pagination

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
)

var statusFilter = map[string][]string{"status": {"PENDING", "VALUATED", "PAID", "REMOVED"}}

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || params.Filters != nil {
		t.Fatalf("expected empty params, got %#v", params)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	cases := []struct {
		raw  string
		want int
		err  bool
	}{
		{"", 25, false},
		{"30", 30, false},
		{"400", 40, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		params, err := Parse(url.Values{"pageSize": {tc.raw}}, opts)
		if tc.err {
			if !errors.Is(err, ErrInvalidPageSize) {
				t.Fatalf("pageSize=%q: expected ErrInvalidPageSize, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil || params.PageSize != tc.want {
			t.Fatalf("pageSize=%q: got %d (%v), want %d", tc.raw, params.PageSize, err, tc.want)
		}
	}
}

func TestParseFilters(t *testing.T) {
	values := url.Values{"status": {"pending,VALUATED", "Pending"}}
	params, err := Parse(values, Options{Filters: statusFilter})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if want := []string{"PENDING", "VALUATED"}; !reflect.DeepEqual(params.Filters["status"], want) {
		t.Fatalf("expected %v, got %v", want, params.Filters["status"])
	}

	if _, err := Parse(url.Values{"status": {"SHIPPED"}}, Options{Filters: statusFilter}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(Cursor{Keys: []string{"2025-01-02T03:04:05Z", "ord_1"}})
	if err != nil || token == "" {
		t.Fatalf("EncodeToken: %q %v", token, err)
	}
	req := httptest.NewRequest("GET", "/orders?pageToken="+token, nil)
	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageToken != token || !reflect.DeepEqual(params.Cursor.Keys, []string{"2025-01-02T03:04:05Z", "ord_1"}) {
		t.Fatalf("unexpected params %#v", params)
	}
	if empty, _ := EncodeToken(Cursor{}); empty != "" {
		t.Fatalf("empty cursor should encode to empty token")
	}
}

func TestDecodeTokenRejects(t *testing.T) {
	b64 := base64.RawURLEncoding.EncodeToString
	cases := map[string]string{
		"not base64":    "%%%",
		"not json":      b64([]byte("ord_1")),
		"wrong version": b64([]byte(`{"v":2,"k":["a"]}`)),
		"no keys":       b64([]byte(`{"v":1,"k":[]}`)),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(url.Values{"pageToken": {token}}, Options{}); !errors.Is(err, ErrInvalidPageToken) {
				t.Fatalf("expected ErrInvalidPageToken, got %v", err)
			}
		})
	}
}
