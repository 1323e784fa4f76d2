package reconcile_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/reconcile"
)

var testSource = reconcile.Source{BusinessUnitID: "bu-1", LocationID: "loc-main", Strategy: allocation.StrategyFIFO}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func qty(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func batches(pairs ...string) []allocation.Batch {
	var out []allocation.Batch
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, allocation.Batch{
			BatchID:   "B-" + pairs[i] + "@" + pairs[i+1],
			Quantity:  dec(pairs[i]),
			UnitPrice: dec(pairs[i+1]),
		})
	}
	return out
}

func settle(t *testing.T, e *reconcile.Engine, d *reconcile.Dispatch, pairs ...string) bool {
	t.Helper()
	require.NotNil(t, d)
	alloc := allocation.NewBatchAllocation(batches(pairs...), true, decimal.Zero)
	alloc.Available = alloc.QuantityTaken()
	return e.Resolve(reconcile.Result{LineID: d.LineID, Epoch: d.Epoch, Allocation: alloc})
}

func TestEngineScenarioTotals(t *testing.T) {
	e := reconcile.NewEngine(testSource)

	_, dA, err := e.AddLine(reconcile.NewLine{ProductRef: "P-A", Quantity: qty("5"), DiscountPercent: dec("10")})
	require.NoError(t, err)
	_, dB, err := e.AddLine(reconcile.NewLine{ProductRef: "P-B", Quantity: qty("2")})
	require.NoError(t, err)
	_, dC, err := e.AddLine(reconcile.NewLine{Quantity: qty("0")})
	require.NoError(t, err)
	assert.Nil(t, dC)

	require.True(t, settle(t, e, dA, "5", "10"))
	require.True(t, settle(t, e, dB, "2", "50"))

	totals := e.Totals()
	assert.True(t, totals.Subtotal.Equal(dec("150")), totals.Subtotal.String())
	assert.True(t, totals.TotalDiscount.Equal(dec("5")), totals.TotalDiscount.String())
	assert.True(t, totals.GrandTotal.Equal(dec("145")), totals.GrandTotal.String())
	assert.Zero(t, totals.Pending)
	require.NoError(t, e.Validate())
}

func TestEngineDispatchCarriesSource(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	_, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("4")})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "P-1", d.Request.ProductID)
	assert.Equal(t, "loc-main", d.Request.LocationID)
	assert.Equal(t, "bu-1", d.Request.BusinessUnitID)
	assert.Equal(t, allocation.StrategyFIFO, d.Request.Strategy)
	assert.True(t, d.Request.Quantity.Equal(dec("4")))

	line, ok := e.Line(d.LineID)
	require.True(t, ok)
	assert.Equal(t, reconcile.StatePending, line.State)
	assert.Equal(t, d.Epoch, line.RequestEpoch)
}

func TestEngineRejectsStaleResponse(t *testing.T) {
	t.Run("older answer arrives last", func(t *testing.T) {
		e := reconcile.NewEngine(testSource)
		id, first, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
		require.NoError(t, err)
		second, err := e.SetQuantity(id, qty("3"))
		require.NoError(t, err)
		require.Greater(t, second.Epoch, first.Epoch)

		require.True(t, settle(t, e, second, "3", "10"))
		assert.False(t, settle(t, e, first, "2", "10"))

		line, _ := e.Line(id)
		assert.Equal(t, reconcile.StateSettled, line.State)
		assert.True(t, line.Allocation.LineSubtotal.Equal(dec("30")))
		assert.True(t, e.Totals().GrandTotal.Equal(dec("30")))
	})

	t.Run("older answer arrives first", func(t *testing.T) {
		e := reconcile.NewEngine(testSource)
		id, first, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
		require.NoError(t, err)
		second, err := e.SetQuantity(id, qty("3"))
		require.NoError(t, err)

		assert.False(t, settle(t, e, first, "2", "10"))
		line, _ := e.Line(id)
		assert.Equal(t, reconcile.StatePending, line.State)

		require.True(t, settle(t, e, second, "3", "10"))
		assert.True(t, e.Totals().GrandTotal.Equal(dec("30")))
	})

	t.Run("duplicate delivery", func(t *testing.T) {
		e := reconcile.NewEngine(testSource)
		_, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("1")})
		require.NoError(t, err)
		require.True(t, settle(t, e, d, "1", "10"))
		assert.False(t, settle(t, e, d, "1", "99"))
		assert.True(t, e.Totals().GrandTotal.Equal(dec("10")))
	})
}

func TestEngineDropsResponseForRemovedLine(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
	require.NoError(t, err)
	require.NoError(t, e.RemoveLine(id))

	assert.False(t, settle(t, e, d, "2", "10"))
	assert.Empty(t, e.Lines())
	assert.True(t, e.Totals().GrandTotal.IsZero())
	assert.ErrorIs(t, e.RemoveLine(id), reconcile.ErrLineNotFound)
}

func TestEngineIncompleteLines(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1"})
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = e.SetQuantity(id, qty("2"))
	require.NoError(t, err)
	require.True(t, settle(t, e, d, "2", "10"))

	cleared, err := e.SetQuantity(id, decimal.NullDecimal{})
	require.NoError(t, err)
	assert.Nil(t, cleared)

	line, _ := e.Line(id)
	assert.Equal(t, reconcile.StateIdle, line.State)
	assert.Nil(t, line.Allocation)
	assert.False(t, line.Priced())
	assert.True(t, e.Totals().GrandTotal.IsZero())
	assert.Greater(t, line.RequestEpoch, d.Epoch)

	_, err = e.SetQuantity(id, qty("-1"))
	assert.ErrorIs(t, err, reconcile.ErrInvalidQuantity)
}

func TestEngineMissingLocationSuppressesRequests(t *testing.T) {
	e := reconcile.NewEngine(reconcile.Source{Strategy: allocation.StrategyFIFO})
	_, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
	require.NoError(t, err)
	assert.Nil(t, d)

	dispatches := e.SetSource(testSource)
	require.Len(t, dispatches, 1)
	assert.Equal(t, "loc-main", dispatches[0].Request.LocationID)
}

func TestEngineFailureKeepsLastKnownTotal(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("3")})
	require.NoError(t, err)
	require.True(t, settle(t, e, d, "3", "10"))

	d, err = e.SetQuantity(id, qty("4"))
	require.NoError(t, err)
	require.True(t, e.Resolve(reconcile.Result{LineID: id, Epoch: d.Epoch, Err: allocation.ErrNetworkFailure}))

	line, _ := e.Line(id)
	assert.Equal(t, reconcile.StateFailed, line.State)
	assert.Nil(t, line.Allocation)
	assert.ErrorIs(t, line.Err, allocation.ErrNetworkFailure)
	assert.False(t, line.InsufficientStock())
	assert.True(t, line.Quantity.Decimal.Equal(dec("4")))
	assert.True(t, line.Totals().Stale)
	assert.True(t, e.Totals().GrandTotal.Equal(dec("30")))

	retry, err := e.Retry(id)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Greater(t, retry.Epoch, d.Epoch)
	require.True(t, settle(t, e, retry, "4", "10"))
	assert.True(t, e.Totals().GrandTotal.Equal(dec("40")))
}

func TestEngineInsufficientStockIsFlagged(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("10")})
	require.NoError(t, err)

	partial := allocation.NewBatchAllocation(batches("6", "10"), false, dec("6"))
	require.True(t, e.Resolve(reconcile.Result{LineID: id, Epoch: d.Epoch, Allocation: partial}))

	line, _ := e.Line(id)
	assert.Equal(t, reconcile.StateSettled, line.State)
	assert.True(t, line.InsufficientStock())
	totals := e.Totals()
	assert.Equal(t, 1, totals.Flagged)
	assert.True(t, totals.GrandTotal.Equal(dec("60")))
}

func TestEngineRejectsInconsistentAllocation(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
	require.NoError(t, err)

	require.True(t, settle(t, e, d, "3", "10"))
	line, _ := e.Line(id)
	assert.Equal(t, reconcile.StateFailed, line.State)
	assert.ErrorIs(t, line.Err, allocation.ErrServiceError)
	assert.True(t, e.Totals().GrandTotal.IsZero())
}

func TestEngineDiscounts(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("3")})
	require.NoError(t, err)
	require.True(t, settle(t, e, d, "3", "10"))

	require.NoError(t, e.SetDiscountAmount(id, dec("100")))
	assert.True(t, e.Totals().GrandTotal.IsZero())

	require.NoError(t, e.SetDiscountPercent(id, dec("20")))
	totals := e.Totals()
	assert.True(t, totals.GrandTotal.Equal(dec("24")), "percentage takes precedence over amount")
	assert.True(t, totals.TotalDiscount.Equal(dec("6")))

	require.NoError(t, e.SetDiscountPercent(id, dec("100")))
	assert.True(t, e.Totals().GrandTotal.IsZero())

	assert.ErrorIs(t, e.SetDiscountPercent(id, dec("120")), reconcile.ErrInvalidDiscount)
	assert.ErrorIs(t, e.SetDiscountPercent(id, dec("-1")), reconcile.ErrInvalidDiscount)
	assert.ErrorIs(t, e.SetDiscountAmount(id, dec("-5")), reconcile.ErrInvalidDiscount)
	assert.ErrorIs(t, e.SetDiscountAmount("missing", dec("5")), reconcile.ErrLineNotFound)

	line, _ := e.Line(id)
	assert.Equal(t, reconcile.StateSettled, line.State, "discount edits never re-allocate")
}

func TestEngineLineTotalStaysWithinSubtotal(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("7")})
	require.NoError(t, err)
	require.True(t, settle(t, e, d, "7", "13.37"))

	for _, pct := range []string{"0", "0.5", "12.345", "33.3333", "99.99", "100"} {
		require.NoError(t, e.SetDiscountPercent(id, dec(pct)))
		line, _ := e.Line(id)
		lt := line.Totals()
		assert.False(t, lt.Total.IsNegative(), pct)
		assert.True(t, lt.Total.LessThanOrEqual(lt.Subtotal), pct)
	}
	require.NoError(t, e.SetDiscountPercent(id, decimal.Zero))
	for _, amount := range []string{"0", "1", "93.59", "93.60", "1000"} {
		require.NoError(t, e.SetDiscountAmount(id, dec(amount)))
		line, _ := e.Line(id)
		lt := line.Totals()
		assert.False(t, lt.Total.IsNegative(), amount)
		assert.True(t, lt.Total.LessThanOrEqual(lt.Subtotal), amount)
	}
}

func TestEngineScan(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.Scan("P-9")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.Request.Quantity.Equal(dec("1")))

	again, d2, err := e.Scan("P-9")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	require.NotNil(t, d2)
	assert.True(t, d2.Request.Quantity.Equal(dec("2")))
	assert.Len(t, e.Lines(), 1)

	_, _, err = e.Scan("")
	assert.ErrorIs(t, err, reconcile.ErrEmptyProduct)
}

func TestEngineAddLinesIsAllOrNothing(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	_, _, err := e.AddLines([]reconcile.NewLine{
		{ProductRef: "P-1", Quantity: qty("1")},
		{ProductRef: "P-2", Quantity: qty("-2")},
	})
	require.ErrorIs(t, err, reconcile.ErrInvalidQuantity)
	assert.Empty(t, e.Lines())

	ids, dispatches, err := e.AddLines([]reconcile.NewLine{
		{ProductRef: "P-1", Quantity: qty("1")},
		{ProductRef: "P-2"},
		{ProductRef: "P-3", Quantity: qty("2")},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Len(t, dispatches, 2)
	assert.Equal(t, 2, e.Pending())
}

func TestEngineUnchangedEditsAreNoops(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
	require.NoError(t, err)
	require.True(t, settle(t, e, d, "2", "10"))

	again, err := e.SetQuantity(id, qty("2.0"))
	require.NoError(t, err)
	assert.Nil(t, again)
	again, err = e.SetProduct(id, "P-1")
	require.NoError(t, err)
	assert.Nil(t, again)

	line, _ := e.Line(id)
	assert.Equal(t, reconcile.StateSettled, line.State)
	assert.Equal(t, d.Epoch, line.RequestEpoch)
}

func TestEngineRejectedPatchLeavesLineUntouched(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
	require.NoError(t, err)
	require.True(t, settle(t, e, d, "2", "50"))
	before, _ := e.Line(id)

	product := "P-2"
	pct := dec("50")
	negative := qty("-1")
	_, err = e.ApplyPatch(id, reconcile.Patch{ProductRef: &product, Quantity: &negative, DiscountPercent: &pct})
	require.ErrorIs(t, err, reconcile.ErrInvalidQuantity)

	over := dec("101")
	_, err = e.ApplyPatch(id, reconcile.Patch{ProductRef: &product, DiscountPercent: &over})
	require.ErrorIs(t, err, reconcile.ErrInvalidDiscount)

	after, _ := e.Line(id)
	assert.Equal(t, "P-1", after.ProductRef)
	assert.True(t, after.DiscountPercent.IsZero())
	assert.Equal(t, before.RequestEpoch, after.RequestEpoch)
	assert.Equal(t, reconcile.StateSettled, after.State)
	assert.True(t, e.Totals().GrandTotal.Equal(dec("100")))
}

func TestEnginePatchDispatchesOnce(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	id, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-1", Quantity: qty("2")})
	require.NoError(t, err)
	require.True(t, settle(t, e, d, "2", "50"))

	product := "P-2"
	three := qty("3")
	pct := dec("10")
	patched, err := e.ApplyPatch(id, reconcile.Patch{ProductRef: &product, Quantity: &three, DiscountPercent: &pct})
	require.NoError(t, err)
	require.NotNil(t, patched)
	assert.Equal(t, d.Epoch+1, patched.Epoch)
	assert.Equal(t, "P-2", patched.Request.ProductID)
	assert.True(t, patched.Request.Quantity.Equal(dec("3")))

	require.True(t, settle(t, e, patched, "3", "10"))
	assert.True(t, e.Totals().GrandTotal.Equal(dec("27")))

	onlyDiscount := dec("5")
	none, err := e.ApplyPatch(id, reconcile.Patch{DiscountAmount: &onlyDiscount})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAggregateIsIdempotent(t *testing.T) {
	e := reconcile.NewEngine(testSource)
	for i, p := range []string{"9.99", "0.335", "1234.5678"} {
		_, d, err := e.AddLine(reconcile.NewLine{ProductRef: "P-" + p, Quantity: qty("3"), DiscountPercent: dec("33.333")})
		require.NoError(t, err, i)
		require.True(t, settle(t, e, d, "3", p))
	}
	lines := e.Lines()
	first := reconcile.Aggregate(lines)
	second := reconcile.Aggregate(lines)
	assert.Equal(t, first.Subtotal.String(), second.Subtotal.String())
	assert.Equal(t, first.GrandTotal.String(), second.GrandTotal.String())
	assert.Equal(t, first.TotalDiscount.String(), second.TotalDiscount.String())

	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Totals().Total)
	}
	assert.True(t, first.GrandTotal.Equal(sum))
	assert.True(t, first.TotalDiscount.Equal(first.Subtotal.Sub(first.GrandTotal)))
}

func TestTotalsRounded(t *testing.T) {
	totals := reconcile.Totals{
		Subtotal:      dec("10.005"),
		GrandTotal:    dec("8.994"),
		TotalDiscount: dec("1.011"),
	}
	rounded := totals.Rounded()
	assert.Equal(t, "10.01", rounded.Subtotal.StringFixed(2))
	assert.Equal(t, "8.99", rounded.GrandTotal.StringFixed(2))
	assert.Equal(t, "1.02", rounded.TotalDiscount.StringFixed(2))
}
