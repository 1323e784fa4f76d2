package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type amountForm struct {
	Price    decimal.Decimal     `validate:"gte=0"`
	Quantity decimal.NullDecimal `validate:"omitempty,gt=0"`
}

func TestDecimalFieldsAreValidated(t *testing.T) {
	v := New()

	require.NoError(t, v.Struct(amountForm{Price: decimal.NewFromInt(3)}))
	require.NoError(t, v.Struct(amountForm{Price: decimal.Zero, Quantity: decimal.NewNullDecimal(decimal.NewFromInt(2))}))

	err := v.Struct(amountForm{Price: decimal.NewFromInt(-1)})
	require.Error(t, err)
	fields := FieldErrors(err)
	assert.Equal(t, "gte", fields["amountForm.Price"])

	err = v.Struct(amountForm{Quantity: decimal.NewNullDecimal(decimal.Zero)})
	require.Error(t, err)
	assert.Equal(t, "gt", FieldErrors(err)["amountForm.Quantity"])
}
