package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/money"
)

// Totals summarises a line list.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	// Pending counts lines whose figures await an allocation response.
	Pending int `json:"pending"`
	// Flagged counts lines settled with insufficient stock.
	Flagged int `json:"flagged"`
}

// Aggregate sums the contribution of every line without rounding. The total
// discount is derived from the two sums rather than added up on its own.
func Aggregate(lines []LineEntry) Totals {
	subtotal := decimal.Zero
	grand := decimal.Zero
	var out Totals
	for _, l := range lines {
		lt := l.Totals()
		subtotal = subtotal.Add(lt.Subtotal)
		grand = grand.Add(lt.Total)
		if l.State == StatePending {
			out.Pending++
		}
		if l.InsufficientStock() {
			out.Flagged++
		}
	}
	out.Subtotal = subtotal
	out.GrandTotal = grand
	out.TotalDiscount = subtotal.Sub(grand)
	return out
}

// Rounded rounds the sums to currency precision for display or storage.
func (t Totals) Rounded() Totals {
	t.Subtotal = money.Round(t.Subtotal)
	t.GrandTotal = money.Round(t.GrandTotal)
	t.TotalDiscount = t.Subtotal.Sub(t.GrandTotal)
	return t
}
