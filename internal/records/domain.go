// Package records persists the documents emitted by the line reconciliation
// forms: sales invoices and stock transfers.
package records

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
)

// Kind identifies the document type.
type Kind string

const (
	// KindSalesInvoice is a sale priced from allocated batches.
	KindSalesInvoice Kind = "sales_invoice"
	// KindStockTransfer moves stock between two locations.
	KindStockTransfer Kind = "stock_transfer"
)

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("records: not found")
	// ErrDuplicate indicates the idempotency key was already used.
	ErrDuplicate = errors.New("records: duplicate submission")
	// ErrLineConflict indicates two lines of one record share an id.
	ErrLineConflict = errors.New("records: line id already used")
	// ErrInvalidKind indicates an unsupported record kind.
	ErrInvalidKind = errors.New("records: invalid kind")
)

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return k == KindSalesInvoice || k == KindStockTransfer
}

// Record is the document written on submit. SourceID names the stored record
// an edit replaces; it is empty for new documents.
type Record struct {
	ID                    string          `json:"id"`
	SourceID              string          `json:"source_id,omitempty"`
	Kind                  Kind            `json:"kind"`
	IdempotencyKey        string          `json:"idempotency_key"`
	BusinessUnitID        string          `json:"business_unit_id"`
	LocationID            string          `json:"location_id"`
	DestinationLocationID string          `json:"destination_location_id,omitempty"`
	Lines                 []Line          `json:"lines"`
	Subtotal              decimal.Decimal `json:"subtotal"`
	TotalDiscount         decimal.Decimal `json:"total_discount"`
	GrandTotal            decimal.Decimal `json:"grand_total"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Line is one priced row of a record. UnitPrice and TotalPrice are rounded
// to currency precision.
type Line struct {
	ID              string             `json:"id"`
	ProductID       string             `json:"product_id"`
	Quantity        decimal.Decimal    `json:"quantity"`
	UnitPrice       decimal.Decimal    `json:"unit_price"`
	DiscountPercent decimal.Decimal    `json:"discount_percent"`
	DiscountAmount  decimal.Decimal    `json:"discount_amount"`
	TotalPrice      decimal.Decimal    `json:"total_price"`
	Batches         []allocation.Batch `json:"batches,omitempty"`
	LineOrder       int                `json:"line_order"`
}
