// Package reconcile keeps a list of sales or transfer lines consistent with
// asynchronous batch allocations and user-entered discounts.
package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/money"
)

// Origin tells where a line's price and total come from.
type Origin int

const (
	// OriginVolatile lines are priced by the allocator.
	OriginVolatile Origin = iota
	// OriginCarried lines reuse the figures of a stored record.
	OriginCarried
)

func (o Origin) String() string {
	if o == OriginCarried {
		return "carried"
	}
	return "volatile"
}

// LineState is the allocation state of a line.
type LineState int

const (
	StateIdle LineState = iota
	StatePending
	StateSettled
	StateFailed
)

func (s LineState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	}
	return "idle"
}

// CarriedBatchID labels the batch synthesized for a carried line stored
// without batches. It is never persisted.
const CarriedBatchID = "carried"

// LineEntry is one row of a form. Values returned by the engine are copies;
// mutate lines through the Engine or Session only.
type LineEntry struct {
	ID              string
	ProductRef      string
	Quantity        decimal.NullDecimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	Origin          Origin
	State           LineState
	Allocation      *allocation.BatchAllocation
	RequestEpoch    uint64
	// Err holds the failure of the last accepted response while State is Failed.
	Err error

	// known is the last accepted subtotal. It survives Pending and Failed so
	// the aggregate keeps rendering the last known figures.
	known decimal.NullDecimal
	// carried holds the stored figures of a record line until an allocation
	// settles the line again.
	carried *carriedFigures
}

type carriedFigures struct {
	unitPrice decimal.Decimal
	total     decimal.Decimal
	// batches is the stored allocation, nil when the record kept none.
	batches []allocation.Batch
	// verbatim is cleared by the first discount edit; from then on the total
	// follows the discount formula over the carried subtotal.
	verbatim bool
}

// LineTotals is the contribution of one line to the aggregate.
type LineTotals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
	// Stale marks figures that do not reflect the current product and
	// quantity yet.
	Stale bool
}

// Totals returns the unrounded subtotal, discount and total of the line.
// Lines that were never priced contribute zero.
func (l LineEntry) Totals() LineTotals {
	stale := l.State == StatePending || l.State == StateFailed
	if !l.known.Valid {
		return LineTotals{Subtotal: decimal.Zero, Discount: decimal.Zero, Total: decimal.Zero, Stale: stale}
	}
	subtotal := l.known.Decimal
	total := money.LineTotal(subtotal, l.DiscountPercent, l.DiscountAmount)
	if l.carried != nil && l.carried.verbatim {
		total = l.carried.total
	}
	return LineTotals{
		Subtotal: subtotal,
		Discount: subtotal.Sub(total),
		Total:    total,
		Stale:    stale,
	}
}

// Priced reports whether the line has any subtotal to show.
func (l LineEntry) Priced() bool {
	return l.known.Valid
}

// InsufficientStock reports whether the accepted allocation could not cover
// the requested quantity.
func (l LineEntry) InsufficientStock() bool {
	return l.State == StateSettled && l.Allocation != nil && !l.Allocation.EnoughStock
}

// Blank reports whether the row carries no user input worth validating.
func (l LineEntry) Blank() bool {
	return l.ProductRef == "" && (!l.Quantity.Valid || l.Quantity.Decimal.IsZero())
}

// Complete reports whether the line has enough input to be allocated.
func (l LineEntry) Complete() bool {
	return l.ProductRef != "" && l.Quantity.Valid && l.Quantity.Decimal.IsPositive()
}

// UnitPrice returns the price per unit behind the line's figures, unrounded.
// Carried lines return their stored unit price.
func (l LineEntry) UnitPrice() decimal.Decimal {
	if l.carried != nil {
		return l.carried.unitPrice
	}
	if !l.known.Valid {
		return decimal.Zero
	}
	qty := l.Allocation.QuantityTaken()
	if !qty.IsPositive() && l.Quantity.Valid {
		qty = l.Quantity.Decimal
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return l.known.Decimal.Div(qty)
}

func (l *LineEntry) clearPricing() {
	l.Allocation = nil
	l.known = decimal.NullDecimal{}
	l.carried = nil
	l.Err = nil
}

func (l *LineEntry) demote() {
	l.Origin = OriginVolatile
}

func (l *LineEntry) clone() LineEntry {
	c := *l
	if l.carried != nil {
		figures := *l.carried
		c.carried = &figures
	}
	return c
}
