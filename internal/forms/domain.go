// Package forms adapts the line reconciliation engine to its calling
// contexts: sales entry, sales edit and stock-transfer edit.
package forms

import (
	"errors"
	"sync"
	"time"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/reconcile"
	"github.com/odyssey-erp/stockline/internal/records"
)

// Kind identifies a calling context.
type Kind string

const (
	KindSalesEntry   Kind = "sales_entry"
	KindSalesEdit    Kind = "sales_edit"
	KindTransferEdit Kind = "transfer_edit"
)

var (
	// ErrSessionNotFound indicates an unknown or closed form session.
	ErrSessionNotFound = errors.New("forms: session not found")
	// ErrInvalidKind indicates an unsupported form kind.
	ErrInvalidKind = errors.New("forms: invalid form kind")
	// ErrMissingSource indicates an edit form opened without the stored record id.
	ErrMissingSource = errors.New("forms: source record required")
	// ErrMissingLocation indicates a sales entry opened without a location.
	ErrMissingLocation = errors.New("forms: location required")
	// ErrDraftsDisabled indicates a resume request while no draft store is configured.
	ErrDraftsDisabled = errors.New("forms: drafts disabled")
)

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSalesEntry, KindSalesEdit, KindTransferEdit:
		return true
	}
	return false
}

// RecordKind is the document written when the form is submitted.
func (k Kind) RecordKind() records.Kind {
	if k == KindTransferEdit {
		return records.KindStockTransfer
	}
	return records.KindSalesInvoice
}

// OpenRequest describes the form to open. Edit kinds load SourceID; a
// non-empty DraftID resumes a saved draft and ignores the other fields.
type OpenRequest struct {
	Kind           Kind
	SourceID       string
	DraftID        string
	BusinessUnitID string
	LocationID     string
	Strategy       allocation.Strategy
}

// Form is a live session bound to its calling context.
type Form struct {
	ID                    string
	Kind                  Kind
	SourceID              string
	DestinationLocationID string
	IdempotencyKey        string
	OpenedAt              time.Time

	session *reconcile.Session

	mu       sync.Mutex
	lastUsed time.Time
}

// Session returns the reconciliation session of the form.
func (f *Form) Session() *reconcile.Session {
	return f.session
}

func (f *Form) touch(now time.Time) {
	f.mu.Lock()
	f.lastUsed = now
	f.mu.Unlock()
}

func (f *Form) idleSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUsed
}
