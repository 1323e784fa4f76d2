package forms

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/money"
	"github.com/odyssey-erp/stockline/internal/reconcile"
)

type openRequest struct {
	Kind           string `json:"kind" validate:"required_without=DraftID,omitempty,oneof=sales_entry sales_edit transfer_edit"`
	SourceID       string `json:"source_id" validate:"max=64"`
	DraftID        string `json:"draft_id" validate:"omitempty,uuid"`
	BusinessUnitID string `json:"business_unit_id" validate:"max=64"`
	LocationID     string `json:"location_id" validate:"max=64"`
	Strategy       string `json:"strategy" validate:"omitempty,oneof=FIFO LIFO"`
}

type lineInput struct {
	ID              string              `json:"id,omitempty" validate:"omitempty,max=64"`
	ProductRef      string              `json:"product_ref" validate:"max=64"`
	Quantity        decimal.NullDecimal `json:"quantity" validate:"omitempty,gte=0"`
	DiscountPercent decimal.Decimal     `json:"discount_percent" validate:"gte=0,lte=100"`
	DiscountAmount  decimal.Decimal     `json:"discount_amount" validate:"gte=0"`
}

func (in lineInput) toNewLine() reconcile.NewLine {
	return reconcile.NewLine{
		ID:              in.ID,
		ProductRef:      in.ProductRef,
		Quantity:        in.Quantity,
		DiscountPercent: in.DiscountPercent,
		DiscountAmount:  in.DiscountAmount,
	}
}

// addLinesRequest accepts a single line or a bulk list.
type addLinesRequest struct {
	Line  *lineInput  `json:"line"`
	Lines []lineInput `json:"lines" validate:"max=500,dive"`
}

func (r addLinesRequest) inputs() []lineInput {
	out := make([]lineInput, 0, len(r.Lines)+1)
	if r.Line != nil {
		out = append(out, *r.Line)
	}
	return append(out, r.Lines...)
}

type scanRequest struct {
	ProductRef string `json:"product_ref" validate:"required,max=64"`
}

// optionalQuantity tells an absent quantity apart from an explicit null,
// which clears the field.
type optionalQuantity struct {
	Set   bool
	Value decimal.NullDecimal
}

func (o *optionalQuantity) UnmarshalJSON(b []byte) error {
	o.Set = true
	return o.Value.UnmarshalJSON(b)
}

type patchLineRequest struct {
	ProductRef      *string          `json:"product_ref" validate:"omitempty,max=64"`
	Quantity        optionalQuantity `json:"quantity"`
	DiscountPercent *decimal.Decimal `json:"discount_percent" validate:"omitempty,gte=0,lte=100"`
	DiscountAmount  *decimal.Decimal `json:"discount_amount" validate:"omitempty,gte=0"`
}

func (r patchLineRequest) patch() reconcile.Patch {
	p := reconcile.Patch{
		ProductRef:      r.ProductRef,
		DiscountPercent: r.DiscountPercent,
		DiscountAmount:  r.DiscountAmount,
	}
	if r.Quantity.Set {
		qty := r.Quantity.Value
		p.Quantity = &qty
	}
	return p
}

type sourceRequest struct {
	BusinessUnitID string `json:"business_unit_id"`
	LocationID     string `json:"location_id" validate:"required"`
	Strategy       string `json:"strategy" validate:"omitempty,oneof=FIFO LIFO"`
}

type lineResponse struct {
	ID                string              `json:"id"`
	ProductRef        string              `json:"product_ref"`
	Quantity          decimal.NullDecimal `json:"quantity"`
	DiscountPercent   decimal.Decimal     `json:"discount_percent"`
	DiscountAmount    decimal.Decimal     `json:"discount_amount"`
	Origin            string              `json:"origin"`
	State             string              `json:"state"`
	Epoch             uint64              `json:"epoch"`
	UnitPrice         string              `json:"unit_price"`
	Subtotal          string              `json:"subtotal"`
	Discount          string              `json:"discount"`
	Total             string              `json:"total"`
	TotalDisplay      string              `json:"total_display"`
	Stale             bool                `json:"stale"`
	InsufficientStock bool                `json:"insufficient_stock"`
	Available         *decimal.Decimal    `json:"available,omitempty"`
	Batches           []allocation.Batch  `json:"batches,omitempty"`
	Error             string              `json:"error,omitempty"`
	Retryable         bool                `json:"retryable,omitempty"`
}

type totalsResponse struct {
	Subtotal          string `json:"subtotal"`
	TotalDiscount     string `json:"total_discount"`
	GrandTotal        string `json:"grand_total"`
	GrandTotalDisplay string `json:"grand_total_display"`
	Pending           int    `json:"pending"`
	Flagged           int    `json:"flagged"`
}

type sessionResponse struct {
	ID                    string         `json:"id"`
	Kind                  Kind           `json:"kind"`
	SourceID              string         `json:"source_id,omitempty"`
	BusinessUnitID        string         `json:"business_unit_id"`
	LocationID            string         `json:"location_id"`
	DestinationLocationID string         `json:"destination_location_id,omitempty"`
	Strategy              string         `json:"strategy"`
	Lines                 []lineResponse `json:"lines"`
	Totals                totalsResponse `json:"totals"`
}

type addLinesResponse struct {
	LineIDs []string        `json:"line_ids"`
	Session sessionResponse `json:"session"`
}

func newSessionResponse(form *Form, snap reconcile.Snapshot) sessionResponse {
	resp := sessionResponse{
		ID:                    form.ID,
		Kind:                  form.Kind,
		SourceID:              form.SourceID,
		BusinessUnitID:        snap.Source.BusinessUnitID,
		LocationID:            snap.Source.LocationID,
		DestinationLocationID: form.DestinationLocationID,
		Strategy:              string(snap.Source.Strategy),
		Lines:                 make([]lineResponse, 0, len(snap.Lines)),
	}
	for _, l := range snap.Lines {
		resp.Lines = append(resp.Lines, newLineResponse(l))
	}
	totals := snap.Totals.Rounded()
	resp.Totals = totalsResponse{
		Subtotal:          totals.Subtotal.StringFixed(money.Places),
		TotalDiscount:     totals.TotalDiscount.StringFixed(money.Places),
		GrandTotal:        totals.GrandTotal.StringFixed(money.Places),
		GrandTotalDisplay: money.Format(totals.GrandTotal),
		Pending:           totals.Pending,
		Flagged:           totals.Flagged,
	}
	return resp
}

func newLineResponse(l reconcile.LineEntry) lineResponse {
	lt := l.Totals()
	total := money.Round(lt.Total)
	resp := lineResponse{
		ID:                l.ID,
		ProductRef:        l.ProductRef,
		Quantity:          l.Quantity,
		DiscountPercent:   l.DiscountPercent,
		DiscountAmount:    l.DiscountAmount,
		Origin:            l.Origin.String(),
		State:             l.State.String(),
		Epoch:             l.RequestEpoch,
		UnitPrice:         money.Round(l.UnitPrice()).StringFixed(money.Places),
		Subtotal:          money.Round(lt.Subtotal).StringFixed(money.Places),
		Discount:          money.Round(lt.Subtotal).Sub(total).StringFixed(money.Places),
		Total:             total.StringFixed(money.Places),
		TotalDisplay:      money.Format(total),
		Stale:             lt.Stale,
		InsufficientStock: l.InsufficientStock(),
	}
	if l.Allocation != nil {
		resp.Batches = l.Allocation.Batches
		if !l.Allocation.EnoughStock {
			available := l.Allocation.Available
			resp.Available = &available
		}
	}
	if l.Err != nil {
		resp.Error = l.Err.Error()
		resp.Retryable = allocation.Retryable(l.Err)
	}
	return resp
}
