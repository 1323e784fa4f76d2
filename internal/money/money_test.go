package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMultiplyKeepsFullPrecision(t *testing.T) {
	got := Multiply(d("0.1"), d("3"))
	assert.True(t, got.Equal(d("0.3")), got.String())

	got = Multiply(d("19.999"), d("3"))
	assert.True(t, got.Equal(d("59.997")), got.String())
}

func TestApplyPercentDiscount(t *testing.T) {
	assert.True(t, ApplyPercentDiscount(d("50"), d("10")).Equal(d("5")))
	assert.True(t, ApplyPercentDiscount(d("50"), d("150")).Equal(d("50")), "clamped to subtotal")
	assert.True(t, ApplyPercentDiscount(d("50"), d("-5")).IsZero(), "negative percentage ignored")
}

func TestApplyAmountDiscount(t *testing.T) {
	assert.True(t, ApplyAmountDiscount(d("100"), d("30")).Equal(d("30")))
	assert.True(t, ApplyAmountDiscount(d("100"), d("130")).Equal(d("100")))
	assert.True(t, ApplyAmountDiscount(d("100"), d("-1")).IsZero())
	assert.True(t, ApplyAmountDiscount(d("-4"), d("1")).IsZero())
}

func TestLineDiscountPercentagePrecedence(t *testing.T) {
	// both set: the percentage is the active mode
	got := LineDiscount(d("200"), d("10"), d("50"))
	assert.True(t, got.Equal(d("20")), got.String())

	got = LineDiscount(d("200"), decimal.Zero, d("50"))
	assert.True(t, got.Equal(d("50")), got.String())

	assert.True(t, LineDiscount(d("200"), decimal.Zero, decimal.Zero).IsZero())
}

func TestLineTotalAlwaysWithinSubtotal(t *testing.T) {
	subtotals := []string{"0", "0.01", "1", "33.33", "150", "99999.99"}
	percents := []string{"0", "0.5", "10", "33.3333", "99.99", "100"}
	amounts := []string{"0", "0.01", "5", "150", "1000000"}

	for _, s := range subtotals {
		sub := d(s)
		for _, p := range percents {
			total := LineTotal(sub, d(p), decimal.Zero)
			assert.False(t, total.IsNegative(), "sub=%s pct=%s", s, p)
			assert.True(t, total.LessThanOrEqual(sub), "sub=%s pct=%s total=%s", s, p, total)
		}
		for _, a := range amounts {
			total := LineTotal(sub, decimal.Zero, d(a))
			assert.False(t, total.IsNegative(), "sub=%s amt=%s", s, a)
			assert.True(t, total.LessThanOrEqual(sub), "sub=%s amt=%s total=%s", s, a, total)
		}
	}
}

func TestRoundHalfUp(t *testing.T) {
	assert.Equal(t, "0.13", Round(d("0.125")).StringFixed(Places))
	assert.Equal(t, "0.12", Round(d("0.1249")).StringFixed(Places))
	assert.Equal(t, "145.00", Round(d("145")).StringFixed(Places))
}

func TestSumDoesNotRoundIntermediates(t *testing.T) {
	thirds := []decimal.Decimal{d("0.333"), d("0.333"), d("0.334")}
	assert.True(t, Sum(thirds...).Equal(d("1")))
	assert.True(t, Sum().IsZero())
}

func TestEqualAtPrecision(t *testing.T) {
	assert.True(t, EqualAtPrecision(d("10.004"), d("10")))
	assert.False(t, EqualAtPrecision(d("10.01"), d("10")))
}

func TestParseAmount(t *testing.T) {
	got, err := ParseAmount("  ")
	require.NoError(t, err)
	assert.False(t, got.Valid)

	got, err = ParseAmount("1,250.5")
	require.NoError(t, err)
	require.True(t, got.Valid)
	assert.True(t, got.Decimal.Equal(d("1250.5")))

	_, err = ParseAmount("twelve")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1,234,567.89", Format(d("1234567.891")))
	assert.Equal(t, "0.00", Format(decimal.Zero))
	assert.Equal(t, "-12.50", Format(d("-12.5")))
	assert.Equal(t, "145.00", Format(d("145")))
}
