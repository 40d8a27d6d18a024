// Package money holds the decimal helpers shared by the ledger and billing engines.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the currency precision used for stored amounts.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Hundred returns the decimal constant 100.
func Hundred() decimal.Decimal {
	return hundred
}

// Round rounds an amount to currency precision (half away from zero).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns base * pct / 100 without rounding.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// Sum adds the supplied amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Parse reads a decimal from its string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders an amount with two decimals and thousands separators, e.g. 12,345.60.
func Format(d decimal.Decimal) string {
	s := Round(d).StringFixed(Places)
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	intPart, frac := s[:len(s)-Places-1], s[len(s)-Places-1:]
	out := make([]byte, 0, len(s)+len(intPart)/3+1)
	for i := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, intPart[i])
	}
	out = append(out, frac...)
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
