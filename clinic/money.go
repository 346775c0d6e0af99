package clinic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY HELPERS - All monetary math is decimal, never float
// =============================================================================
//
// Amounts are stored and computed as decimal.Decimal end to end. Derived
// values (tax, discounts, totals) are rounded to cents at the point they
// are fixed onto an invoice; intermediate sums are kept exact.

var oneHundred = decimal.NewFromInt(100)

// MustMoney parses a decimal string, returning zero on bad input.
// Intended for constants, fixtures, and seeds.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundCents rounds to two decimal places, half away from zero.
func RoundCents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// PercentOf returns pct percent of base, unrounded.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(oneHundred)
}

// FloorZero clamps negative amounts to zero.
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
