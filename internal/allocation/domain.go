// Package allocation is the boundary to the external batch allocator. It turns a
// (product, quantity, location) request into per-batch prices and a subtotal.
package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/money"
)

// Strategy selects the order in which inventory batches are consumed.
type Strategy string

const (
	// StrategyFIFO consumes the oldest batches first.
	StrategyFIFO Strategy = "FIFO"
	// StrategyLIFO consumes the newest batches first.
	StrategyLIFO Strategy = "LIFO"
)

// ParseStrategy maps configuration input to a Strategy, defaulting to FIFO.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case "", StrategyFIFO:
		return StrategyFIFO, nil
	case StrategyLIFO:
		return StrategyLIFO, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownStrategy, raw)
}

var (
	// ErrInsufficientContext means the request lacks product, quantity or location.
	// It is raised locally and never reaches the network.
	ErrInsufficientContext = errors.New("allocation: insufficient context")
	// ErrNetworkFailure covers transport problems and timeouts.
	ErrNetworkFailure = errors.New("allocation: network failure")
	// ErrServiceError covers allocator-side failures and malformed responses.
	ErrServiceError = errors.New("allocation: service error")
	// ErrUnknownStrategy means the strategy name is neither FIFO nor LIFO.
	ErrUnknownStrategy = errors.New("allocation: unknown strategy")
)

// Request asks the allocator to price Quantity units of ProductID at LocationID.
type Request struct {
	ProductID      string
	Quantity       decimal.Decimal
	BusinessUnitID string
	LocationID     string
	Strategy       Strategy
}

// CheckContext returns ErrInsufficientContext when the request cannot be sent.
func (r Request) CheckContext() error {
	switch {
	case r.ProductID == "":
		return fmt.Errorf("%w: product required", ErrInsufficientContext)
	case !r.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInsufficientContext)
	case r.LocationID == "":
		return fmt.Errorf("%w: source location required", ErrInsufficientContext)
	}
	return nil
}

// Batch is the share of one inventory batch taken by an allocation.
type Batch struct {
	BatchID   string          `json:"batch_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns Quantity × UnitPrice, unrounded.
func (b Batch) Subtotal() decimal.Decimal {
	return money.Multiply(b.UnitPrice, b.Quantity)
}

// BatchAllocation is one accepted allocator answer. It is replaced wholesale,
// never mutated after construction.
type BatchAllocation struct {
	Batches      []Batch         `json:"batches"`
	LineSubtotal decimal.Decimal `json:"line_subtotal"`
	EnoughStock  bool            `json:"enough_stock"`
	Available    decimal.Decimal `json:"available"`
}

// NewBatchAllocation builds an allocation whose LineSubtotal is computed from
// the batches.
func NewBatchAllocation(batches []Batch, enoughStock bool, available decimal.Decimal) *BatchAllocation {
	copied := make([]Batch, len(batches))
	copy(copied, batches)
	return &BatchAllocation{
		Batches:      copied,
		LineSubtotal: SubtotalOf(copied),
		EnoughStock:  enoughStock,
		Available:    available,
	}
}

// SubtotalOf sums quantity × unit price across batches without rounding.
func SubtotalOf(batches []Batch) decimal.Decimal {
	total := decimal.Zero
	for _, b := range batches {
		total = total.Add(b.Subtotal())
	}
	return total
}

// QuantityTaken sums the quantity across batches.
func (a *BatchAllocation) QuantityTaken() decimal.Decimal {
	total := decimal.Zero
	if a == nil {
		return total
	}
	for _, b := range a.Batches {
		total = total.Add(b.Quantity)
	}
	return total
}

// Check verifies the allocation invariants against the requested quantity.
func (a *BatchAllocation) Check(requested decimal.Decimal) error {
	if a == nil {
		return errors.New("allocation: empty result")
	}
	for _, b := range a.Batches {
		if b.UnitPrice.IsNegative() {
			return fmt.Errorf("allocation: batch %s has negative unit price", b.BatchID)
		}
		if b.Quantity.IsNegative() {
			return fmt.Errorf("allocation: batch %s has negative quantity", b.BatchID)
		}
	}
	if a.EnoughStock && len(a.Batches) == 0 {
		return errors.New("allocation: enough stock reported without batches")
	}
	if taken := a.QuantityTaken(); taken.GreaterThan(requested) {
		return fmt.Errorf("allocation: batches take %s, more than requested %s", taken, requested)
	}
	if !a.LineSubtotal.Equal(SubtotalOf(a.Batches)) {
		return fmt.Errorf("allocation: subtotal %s does not match batches", a.LineSubtotal)
	}
	return nil
}

// Allocator is the contract the reconciliation engine consumes.
type Allocator interface {
	RequestAllocation(ctx context.Context, req Request) (*BatchAllocation, error)
}

// Func adapts a function to Allocator.
type Func func(ctx context.Context, req Request) (*BatchAllocation, error)

// RequestAllocation calls f.
func (f Func) RequestAllocation(ctx context.Context, req Request) (*BatchAllocation, error) {
	return f(ctx, req)
}

// Retryable reports whether re-issuing the same request may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrServiceError)
}
