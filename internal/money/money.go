// Package money provides decimal arithmetic with an explicit rounding
// context. Every ledger and commission computation goes through a Context
// instead of relying on process-wide decimal settings.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rounding selects how results are rounded to the context scale.
type Rounding int

const (
	RoundHalfUp Rounding = iota
	RoundBankers
)

// Context carries the precision policy for money computations.
type Context struct {
	Scale    int32 // fractional digits kept after every multiplication
	Rounding Rounding
}

// DefaultContext is two fractional digits with half-up rounding, matching
// the currency the gateway settles in.
func DefaultContext() Context {
	return Context{Scale: 2, Rounding: RoundHalfUp}
}

// Round normalizes an amount to the context scale.
func (c Context) Round(d decimal.Decimal) decimal.Decimal {
	if c.Rounding == RoundBankers {
		return d.RoundBank(c.Scale)
	}
	return d.Round(c.Scale)
}

// Mul computes amount × rate rounded to the context scale. Rates are plain
// fractions in [0,1]; the rounding happens once, on the product.
func (c Context) Mul(amount, rate decimal.Decimal) decimal.Decimal {
	return c.Round(amount.Mul(rate))
}

// Sum adds amounts without intermediate rounding.
func (c Context) Sum(ds ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}

// ParseRate validates a commission rate string into a decimal in [0,1].
func ParseRate(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if err := ValidateRate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateRate rejects rates outside [0,1].
func ValidateRate(d decimal.Decimal) error {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("rate %s out of range [0,1]", d)
	}
	return nil
}

// IsPositive reports whether d is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool { return d.Sign() > 0 }
