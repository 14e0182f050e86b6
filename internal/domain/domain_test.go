package domain

import (
	"errors"
	"testing"
)

func TestNormalizeVIN(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "lowercase", input: "wvwzzz1jzxw000001", want: "WVWZZZ1JZXW000001"},
		{name: "spaces and dashes", input: "WVW ZZZ1JZ-XW000001", want: "WVWZZZ1JZXW000001"},
		{name: "full width", input: "ＷＶＷＺＺＺ１ＪＺＸＷ０００００１", want: "WVWZZZ1JZXW000001"},
		{name: "too short", input: "WVWZZZ1JZ", wantErr: ErrVINLength},
		{name: "contains O", input: "WVWZZZ1JZXW00000O", wantErr: ErrVINCharset},
		{name: "contains I", input: "IVWZZZ1JZXW000001", wantErr: ErrVINCharset},
		{name: "symbol", input: "WVWZZZ1JZXW00000#", wantErr: ErrVINCharset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeVIN(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseMinorUnits(t *testing.T) {
	cases := map[string]int64{
		"10":     1000,
		"10.00":  1000,
		"10.5":   1050,
		"0.07":   7,
		"-1.25":  -125,
		"199.99": 19999,
	}
	for input, want := range cases {
		got, err := ParseMinorUnits(input)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", input, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d, got %d", input, want, got)
		}
	}
	for _, input := range []string{"", "-", "1.234", "abc", "1.", ".5", "1.-5", "--5", "-+5", "+5", "1e3", "10000000001", "9223372036854775807"} {
		if _, err := ParseMinorUnits(input); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%q: expected ErrInvalidAmount, got %v", input, err)
		}
	}
}

func TestFormatMinorUnits(t *testing.T) {
	if got := FormatMinorUnits(2005); got != "20.05" {
		t.Fatalf("expected 20.05, got %s", got)
	}
	if got := FormatMinorUnits(-90); got != "-0.90" {
		t.Fatalf("expected -0.90, got %s", got)
	}
}

func TestSelectionDraftIncludedCount(t *testing.T) {
	draft := SelectionDraft{Items: map[string]ItemSelection{
		"a": {OfferID: "o1", Include: true},
		"b": {OfferID: "", Include: true},
		"c": {OfferID: "o3", Include: false},
	}}
	if got := draft.IncludedCount(); got != 1 {
		t.Fatalf("expected 1 included item, got %d", got)
	}
}
