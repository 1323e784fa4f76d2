// Package money holds the fixed-precision arithmetic used for line pricing.
//
// Intermediate values are kept unrounded; Round is applied once, at the point of
// display or persistence.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits of the currency.
const Places int32 = 2

var hundred = decimal.NewFromInt(100)

// ErrInvalidAmount indicates user input that is not a decimal number.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Multiply returns price × qty without rounding.
func Multiply(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}

// ClampNonNegative returns d, or zero when d is negative.
func ClampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// clamp bounds d to [0, upper].
func clamp(d, upper decimal.Decimal) decimal.Decimal {
	d = ClampNonNegative(d)
	upper = ClampNonNegative(upper)
	if d.GreaterThan(upper) {
		return upper
	}
	return d
}

// ApplyPercentDiscount returns the discount value of pct percent on subtotal,
// clamped to [0, subtotal].
func ApplyPercentDiscount(subtotal, pct decimal.Decimal) decimal.Decimal {
	return clamp(subtotal.Mul(pct).Div(hundred), subtotal)
}

// ApplyAmountDiscount returns min(amount, subtotal), never below zero.
func ApplyAmountDiscount(subtotal, amount decimal.Decimal) decimal.Decimal {
	return clamp(amount, subtotal)
}

// LineDiscount picks the active discount mode. A non-zero percentage wins over
// an amount; both may hold values in the form but only one contributes.
func LineDiscount(subtotal, pct, amount decimal.Decimal) decimal.Decimal {
	if !pct.IsZero() {
		return ApplyPercentDiscount(subtotal, pct)
	}
	if !amount.IsZero() {
		return ApplyAmountDiscount(subtotal, amount)
	}
	return decimal.Zero
}

// LineTotal returns subtotal minus the active discount, clamped to >= 0.
func LineTotal(subtotal, pct, amount decimal.Decimal) decimal.Decimal {
	return ClampNonNegative(subtotal.Sub(LineDiscount(subtotal, pct, amount)))
}

// Sum adds the values without intermediate rounding.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Round rounds to currency precision, half away from zero (half-up for the
// non-negative amounts the engine produces).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// EqualAtPrecision reports whether a and b agree once rounded to currency precision.
func EqualAtPrecision(a, b decimal.Decimal) bool {
	return Round(a).Equal(Round(b))
}

// ParseAmount parses form input. Blank input yields an invalid NullDecimal,
// which is the "not yet entered" state.
func ParseAmount(raw string) (decimal.NullDecimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return decimal.NewNullDecimal(d), nil
}
