package shared

import "github.com/shopspring/decimal"

// Monetary amounts round half-up at two places; intermediate balance checks
// compare at four places to absorb rate arithmetic without hiding real drift.
var (
	// CentTolerance is the allocation/trial-balance tolerance (0.01).
	CentTolerance = decimal.New(1, -2)
	// EntryTolerance is the balanced-entry tolerance (1e-4).
	EntryTolerance = decimal.New(1, -4)
)

// RoundCurrency rounds a currency amount half-up to two decimal places.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundRate rounds an intermediate rate or check value to four places.
func RoundRate(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}

// WithinTolerance reports whether |d| <= tol.
func WithinTolerance(d, tol decimal.Decimal) bool {
	return d.Abs().Cmp(tol) <= 0
}
