package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/money"
	"github.com/odyssey-erp/stockline/internal/records"
)

// CarriedLine is a stored line reopened for editing.
type CarriedLine struct {
	ID              string
	ProductRef      string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	Total           decimal.Decimal
	// Batches is the stored allocation of the line, if any.
	Batches []allocation.Batch
}

// LoadRecord returns an engine holding the lines of a stored record as
// carried lines. No allocation is requested for them.
func LoadRecord(src Source, rec records.Record) *Engine {
	e := NewEngine(src)
	carried := make([]CarriedLine, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		carried = append(carried, CarriedLine{
			ID:              l.ID,
			ProductRef:      l.ProductID,
			Quantity:        l.Quantity,
			UnitPrice:       l.UnitPrice,
			DiscountPercent: l.DiscountPercent,
			DiscountAmount:  l.DiscountAmount,
			Total:           l.TotalPrice,
			Batches:         l.Batches,
		})
	}
	e.Carry(carried...)
	return e
}

// Carry appends carried lines. Their allocation is the stored batches, or a
// single synthesized batch at the stored unit price when none were stored.
// The stored total is kept as is until the discount changes.
func (e *Engine) Carry(lines ...CarriedLine) []string {
	ids := make([]string, 0, len(lines))
	for _, in := range lines {
		id := in.ID
		if id == "" || e.index[id] != nil {
			id = e.newID()
		}
		stored := append([]allocation.Batch(nil), in.Batches...)
		batches := stored
		if len(batches) == 0 {
			batches = []allocation.Batch{{BatchID: CarriedBatchID, Quantity: in.Quantity, UnitPrice: in.UnitPrice}}
		}
		alloc := allocation.NewBatchAllocation(batches, true, in.Quantity)
		e.append(&LineEntry{
			ID:              id,
			ProductRef:      in.ProductRef,
			Quantity:        decimal.NewNullDecimal(in.Quantity),
			DiscountPercent: in.DiscountPercent,
			DiscountAmount:  in.DiscountAmount,
			Origin:          OriginCarried,
			State:           StateSettled,
			Allocation:      alloc,
			known:           decimal.NewNullDecimal(alloc.LineSubtotal),
			carried: &carriedFigures{
				unitPrice: in.UnitPrice,
				total:     money.ClampNonNegative(in.Total),
				batches:   stored,
				verbatim:  true,
			},
		})
		ids = append(ids, id)
	}
	return ids
}

// Carried returns the carried form of a line, used to persist drafts. The
// second result is false for lines without carried figures.
func (l LineEntry) Carried() (CarriedLine, bool) {
	if l.Origin != OriginCarried || l.carried == nil || !l.Quantity.Valid {
		return CarriedLine{}, false
	}
	total := l.carried.total
	if !l.carried.verbatim {
		total = l.Totals().Total
	}
	return CarriedLine{
		ID:              l.ID,
		ProductRef:      l.ProductRef,
		Quantity:        l.Quantity.Decimal,
		UnitPrice:       l.carried.unitPrice,
		DiscountPercent: l.DiscountPercent,
		DiscountAmount:  l.DiscountAmount,
		Total:           total,
		Batches:         append([]allocation.Batch(nil), l.carried.batches...),
	}, true
}
