package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/money"
	"github.com/odyssey-erp/stockline/internal/records"
)

// ErrSubmitValidation is matched by every SubmitValidationError.
var ErrSubmitValidation = errors.New("reconcile: submit validation failed")

// Reasons reported in a LineIssue.
const (
	ReasonNoLines            = "no lines"
	ReasonMissingProduct     = "missing product"
	ReasonNonPositiveQty     = "quantity must be positive"
	ReasonNonPositiveTotal   = "total must be positive"
	ReasonPricingPending     = "pricing pending"
	ReasonPricingUnavailable = "pricing unavailable"
)

// LineIssue is one reason a line blocks submission.
type LineIssue struct {
	LineID string `json:"line_id,omitempty"`
	Reason string `json:"reason"`
}

// SubmitValidationError lists every issue found across the lines.
type SubmitValidationError struct {
	Issues []LineIssue
}

func (e *SubmitValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.LineID == "" {
			parts = append(parts, issue.Reason)
			continue
		}
		parts = append(parts, fmt.Sprintf("line %s: %s", issue.LineID, issue.Reason))
	}
	return "reconcile: cannot submit: " + strings.Join(parts, "; ")
}

// Is reports whether target is ErrSubmitValidation.
func (e *SubmitValidationError) Is(target error) bool {
	return target == ErrSubmitValidation
}

// Header carries the document fields that do not come from the lines.
type Header struct {
	Kind                  records.Kind
	SourceID              string
	DestinationLocationID string
	IdempotencyKey        string
}

// Validate checks every non-blank line. Lines still waiting on the allocator
// or without any price block submission along with missing input.
func (e *Engine) Validate() error {
	var issues []LineIssue
	counted := 0
	for _, l := range e.lines {
		if l.Blank() {
			continue
		}
		counted++
		issues = append(issues, lineIssues(l)...)
	}
	if counted == 0 {
		issues = append(issues, LineIssue{Reason: ReasonNoLines})
	}
	if len(issues) > 0 {
		return &SubmitValidationError{Issues: issues}
	}
	return nil
}

func lineIssues(l *LineEntry) []LineIssue {
	var issues []LineIssue
	add := func(reason string) {
		issues = append(issues, LineIssue{LineID: l.ID, Reason: reason})
	}
	if l.ProductRef == "" {
		add(ReasonMissingProduct)
	}
	if !l.Quantity.Valid || !l.Quantity.Decimal.IsPositive() {
		add(ReasonNonPositiveQty)
	}
	if len(issues) > 0 {
		return issues
	}
	switch {
	case l.State == StatePending:
		add(ReasonPricingPending)
	case l.State != StateSettled || !l.known.Valid:
		add(ReasonPricingUnavailable)
	case !l.Totals().Total.IsPositive():
		add(ReasonNonPositiveTotal)
	}
	return issues
}

// BuildRecord validates the lines and returns the record to persist. Per-line
// prices are rounded individually; header totals are rounded once from the
// unrounded sums.
func (e *Engine) BuildRecord(h Header) (records.Record, error) {
	if !h.Kind.Valid() {
		return records.Record{}, records.ErrInvalidKind
	}
	if err := e.Validate(); err != nil {
		return records.Record{}, err
	}
	key := h.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	rec := records.Record{
		SourceID:              h.SourceID,
		Kind:                  h.Kind,
		IdempotencyKey:        key,
		BusinessUnitID:        e.source.BusinessUnitID,
		LocationID:            e.source.LocationID,
		DestinationLocationID: h.DestinationLocationID,
	}
	var priced []LineEntry
	for _, l := range e.lines {
		if l.Blank() {
			continue
		}
		entry := l.clone()
		priced = append(priced, entry)
		lt := entry.Totals()
		line := records.Line{
			ID:              entry.ID,
			ProductID:       entry.ProductRef,
			Quantity:        entry.Quantity.Decimal,
			UnitPrice:       money.Round(entry.UnitPrice()),
			DiscountPercent: entry.DiscountPercent,
			DiscountAmount:  entry.DiscountAmount,
			TotalPrice:      money.Round(lt.Total),
			LineOrder:       len(rec.Lines) + 1,
		}
		switch {
		case entry.carried != nil:
			line.Batches = append([]allocation.Batch(nil), entry.carried.batches...)
		case entry.Allocation != nil:
			line.Batches = append([]allocation.Batch(nil), entry.Allocation.Batches...)
		}
		rec.Lines = append(rec.Lines, line)
	}
	totals := Aggregate(priced).Rounded()
	rec.Subtotal = totals.Subtotal
	rec.TotalDiscount = totals.TotalDiscount
	rec.GrandTotal = totals.GrandTotal
	return rec, nil
}
