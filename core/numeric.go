package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultScale is two decimal places, the minor unit of most currencies.
const DefaultScale int32 = 2

// Numeric is the rounding context for every monetary computation. It is
// passed explicitly to services instead of configuring decimal globally.
type Numeric struct {
	Scale int32
}

func DefaultNumeric() Numeric {
	return Numeric{Scale: DefaultScale}
}

// OrDefault returns *n, or DefaultNumeric when n is nil. A zero Numeric is a
// valid whole-unit context, so only nil selects the default.
func (n *Numeric) OrDefault() Numeric {
	if n == nil {
		return DefaultNumeric()
	}
	return *n
}

// Normalize rounds half away from zero at the configured scale. Amounts are
// positive, so this is half-up.
func (n Numeric) Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(n.Scale)
}

// Format renders d with exactly Scale fractional digits.
func (n Numeric) Format(d decimal.Decimal) string {
	return d.StringFixed(n.Scale)
}

// Parse reads a decimal string and normalizes it.
func (n Numeric) Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &FieldError{Field: "amount", Reason: fmt.Sprintf("not a decimal: %q", s), Err: ErrInvalidAmount}
	}
	return n.Normalize(d), nil
}

// Positive normalizes d and fails with ErrInvalidAmount unless the result is
// strictly greater than zero.
func (n Numeric) Positive(d decimal.Decimal) (decimal.Decimal, error) {
	d = n.Normalize(d)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}
