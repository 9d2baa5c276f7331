package shared

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundCurrency(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.005", "10.01"},
		{"10.004", "10.00"},
		{"-10.005", "-10.01"},
		{"1234.56789", "1234.57"},
		{"0", "0.00"},
	}
	for _, tc := range cases {
		got := RoundCurrency(decimal.RequireFromString(tc.in))
		if got.StringFixed(2) != tc.want {
			t.Errorf("RoundCurrency(%s) = %s, want %s", tc.in, got.StringFixed(2), tc.want)
		}
	}
}

func TestRoundRate(t *testing.T) {
	got := RoundRate(decimal.RequireFromString("0.123456"))
	if got.String() != "0.1235" {
		t.Errorf("RoundRate = %s, want 0.1235", got)
	}
}

func TestWithinTolerance(t *testing.T) {
	cases := []struct {
		d    string
		tol  decimal.Decimal
		want bool
	}{
		{"0", CentTolerance, true},
		{"0.01", CentTolerance, true},
		{"-0.01", CentTolerance, true},
		{"0.011", CentTolerance, false},
		{"0.0001", EntryTolerance, true},
		{"0.0002", EntryTolerance, false},
	}
	for _, tc := range cases {
		got := WithinTolerance(decimal.RequireFromString(tc.d), tc.tol)
		if got != tc.want {
			t.Errorf("WithinTolerance(%s, %s) = %v, want %v", tc.d, tc.tol, got, tc.want)
		}
	}
}
