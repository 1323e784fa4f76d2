package reconcile

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
)

var (
	// ErrLineNotFound indicates the line id is unknown to the engine.
	ErrLineNotFound = errors.New("reconcile: line not found")
	// ErrInvalidQuantity indicates a negative quantity.
	ErrInvalidQuantity = errors.New("reconcile: quantity must not be negative")
	// ErrInvalidDiscount indicates a discount outside its allowed range.
	ErrInvalidDiscount = errors.New("reconcile: invalid discount")
	// ErrEmptyProduct indicates a scan without a product reference.
	ErrEmptyProduct = errors.New("reconcile: product reference required")
	// ErrNotRetryable indicates a retry on a line that cannot be re-allocated.
	ErrNotRetryable = errors.New("reconcile: line cannot be retried")
)

var hundred = decimal.NewFromInt(100)

// Source is the allocation context shared by every line of a form.
type Source struct {
	BusinessUnitID string
	LocationID     string
	Strategy       allocation.Strategy
}

// NewLine is the user input for a new row. ID is optional; a fresh id is
// assigned when it is empty or already taken.
type NewLine struct {
	ID              string
	ProductRef      string
	Quantity        decimal.NullDecimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
}

// Patch is a partial edit of one line. Nil fields stay unchanged; a Quantity
// that is set but not Valid clears the quantity.
type Patch struct {
	ProductRef      *string
	Quantity        *decimal.NullDecimal
	DiscountPercent *decimal.Decimal
	DiscountAmount  *decimal.Decimal
}

// Dispatch is an allocation request the caller must issue on behalf of a line.
type Dispatch struct {
	LineID  string
	Epoch   uint64
	Request allocation.Request
}

// Result is the outcome of a dispatched request.
type Result struct {
	LineID     string
	Epoch      uint64
	Allocation *allocation.BatchAllocation
	Err        error
}

// Engine is the line state machine. It performs no I/O and is not safe for
// concurrent use; Session serializes access to it.
type Engine struct {
	source Source
	lines  []*LineEntry
	index  map[string]*LineEntry
	epoch  uint64
	newID  func() string
}

// NewEngine returns an empty engine allocating against src.
func NewEngine(src Source) *Engine {
	return &Engine{
		source: src,
		index:  make(map[string]*LineEntry),
		newID:  uuid.NewString,
	}
}

// Source returns the current allocation context.
func (e *Engine) Source() Source {
	return e.source
}

// AddLine appends a volatile line and returns its id with the dispatch it needs.
func (e *Engine) AddLine(in NewLine) (string, *Dispatch, error) {
	if err := checkInput(in); err != nil {
		return "", nil, err
	}
	id := in.ID
	if id == "" || e.index[id] != nil {
		id = e.newID()
	}
	line := &LineEntry{
		ID:              id,
		ProductRef:      in.ProductRef,
		Quantity:        in.Quantity,
		DiscountPercent: in.DiscountPercent,
		DiscountAmount:  in.DiscountAmount,
		Origin:          OriginVolatile,
	}
	e.append(line)
	return line.ID, e.dispatch(line), nil
}

// AddLines appends several lines at once. Nothing is added when any input is
// invalid.
func (e *Engine) AddLines(in []NewLine) ([]string, []Dispatch, error) {
	for i, l := range in {
		if err := checkInput(l); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	ids := make([]string, 0, len(in))
	var dispatches []Dispatch
	for _, l := range in {
		id, d, err := e.AddLine(l)
		if err != nil {
			return ids, dispatches, err
		}
		ids = append(ids, id)
		if d != nil {
			dispatches = append(dispatches, *d)
		}
	}
	return ids, dispatches, nil
}

// Scan records one unit of productRef: the first line holding that product
// gets its quantity incremented, otherwise a new line with quantity 1 is added.
func (e *Engine) Scan(productRef string) (string, *Dispatch, error) {
	if productRef == "" {
		return "", nil, ErrEmptyProduct
	}
	for _, l := range e.lines {
		if l.ProductRef != productRef {
			continue
		}
		qty := decimal.Zero
		if l.Quantity.Valid {
			qty = l.Quantity.Decimal
		}
		d, err := e.SetQuantity(l.ID, decimal.NewNullDecimal(qty.Add(decimal.NewFromInt(1))))
		return l.ID, d, err
	}
	return e.AddLine(NewLine{ProductRef: productRef, Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1))})
}

// SetProduct changes the product of a line. Unchanged values are a no-op.
func (e *Engine) SetProduct(id, productRef string) (*Dispatch, error) {
	line, ok := e.index[id]
	if !ok {
		return nil, ErrLineNotFound
	}
	if line.ProductRef == productRef {
		return nil, nil
	}
	line.ProductRef = productRef
	line.demote()
	return e.dispatch(line), nil
}

// SetQuantity changes the quantity of a line. An invalid (empty) quantity
// means the user has not entered one yet.
func (e *Engine) SetQuantity(id string, qty decimal.NullDecimal) (*Dispatch, error) {
	line, ok := e.index[id]
	if !ok {
		return nil, ErrLineNotFound
	}
	if qty.Valid && qty.Decimal.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	if sameQuantity(line.Quantity, qty) {
		return nil, nil
	}
	line.Quantity = qty
	line.demote()
	return e.dispatch(line), nil
}

// SetDiscountPercent updates the percentage discount. It never dispatches.
func (e *Engine) SetDiscountPercent(id string, pct decimal.Decimal) error {
	line, ok := e.index[id]
	if !ok {
		return ErrLineNotFound
	}
	if err := checkPercent(pct); err != nil {
		return err
	}
	if line.DiscountPercent.Equal(pct) {
		return nil
	}
	line.DiscountPercent = pct
	line.touchDiscount()
	return nil
}

// SetDiscountAmount updates the absolute discount. It never dispatches.
func (e *Engine) SetDiscountAmount(id string, amount decimal.Decimal) error {
	line, ok := e.index[id]
	if !ok {
		return ErrLineNotFound
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if line.DiscountAmount.Equal(amount) {
		return nil
	}
	line.DiscountAmount = amount
	line.touchDiscount()
	return nil
}

// ApplyPatch checks every field of p before touching the line, so a rejected
// patch leaves it as it was. Discounts are applied before the product and
// quantity, and a change to either of those issues a single dispatch.
func (e *Engine) ApplyPatch(id string, p Patch) (*Dispatch, error) {
	line, ok := e.index[id]
	if !ok {
		return nil, ErrLineNotFound
	}
	if p.Quantity != nil && p.Quantity.Valid && p.Quantity.Decimal.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	if p.DiscountPercent != nil {
		if err := checkPercent(*p.DiscountPercent); err != nil {
			return nil, err
		}
	}
	if p.DiscountAmount != nil {
		if err := checkAmount(*p.DiscountAmount); err != nil {
			return nil, err
		}
	}

	if p.DiscountPercent != nil && !line.DiscountPercent.Equal(*p.DiscountPercent) {
		line.DiscountPercent = *p.DiscountPercent
		line.touchDiscount()
	}
	if p.DiscountAmount != nil && !line.DiscountAmount.Equal(*p.DiscountAmount) {
		line.DiscountAmount = *p.DiscountAmount
		line.touchDiscount()
	}
	reprice := false
	if p.ProductRef != nil && line.ProductRef != *p.ProductRef {
		line.ProductRef = *p.ProductRef
		reprice = true
	}
	if p.Quantity != nil && !sameQuantity(line.Quantity, *p.Quantity) {
		line.Quantity = *p.Quantity
		reprice = true
	}
	if !reprice {
		return nil, nil
	}
	line.demote()
	return e.dispatch(line), nil
}

// RemoveLine drops a line. Responses still in flight for it are discarded on
// arrival.
func (e *Engine) RemoveLine(id string) error {
	if _, ok := e.index[id]; !ok {
		return ErrLineNotFound
	}
	delete(e.index, id)
	for i, l := range e.lines {
		if l.ID == id {
			e.lines = append(e.lines[:i], e.lines[i+1:]...)
			break
		}
	}
	return nil
}

// Retry re-issues the allocation of a volatile line with its current input.
func (e *Engine) Retry(id string) (*Dispatch, error) {
	line, ok := e.index[id]
	if !ok {
		return nil, ErrLineNotFound
	}
	if line.Origin == OriginCarried {
		return nil, ErrNotRetryable
	}
	return e.dispatch(line), nil
}

// SetSource changes the allocation context and re-prices every volatile line.
// Carried lines keep their stored figures.
func (e *Engine) SetSource(src Source) []Dispatch {
	e.source = src
	return e.Redispatch()
}

// Redispatch issues a fresh request for every volatile line.
func (e *Engine) Redispatch() []Dispatch {
	var out []Dispatch
	for _, l := range e.lines {
		if l.Origin == OriginCarried {
			continue
		}
		if d := e.dispatch(l); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// Resolve applies a response. It reports false when the response was
// discarded because the line is gone or a newer request superseded it.
func (e *Engine) Resolve(res Result) bool {
	line, ok := e.index[res.LineID]
	if !ok || line.RequestEpoch != res.Epoch || line.State != StatePending {
		return false
	}
	if res.Err != nil {
		e.fail(line, res.Err)
		return true
	}
	requested := decimal.Zero
	if line.Quantity.Valid {
		requested = line.Quantity.Decimal
	}
	if err := res.Allocation.Check(requested); err != nil {
		e.fail(line, fmt.Errorf("%w: %w", allocation.ErrServiceError, err))
		return true
	}
	line.State = StateSettled
	line.Allocation = res.Allocation
	line.known = decimal.NewNullDecimal(allocation.SubtotalOf(res.Allocation.Batches))
	line.carried = nil
	line.Err = nil
	return true
}

// Lines returns copies of the lines in display order.
func (e *Engine) Lines() []LineEntry {
	out := make([]LineEntry, 0, len(e.lines))
	for _, l := range e.lines {
		out = append(out, l.clone())
	}
	return out
}

// Line returns a copy of one line.
func (e *Engine) Line(id string) (LineEntry, bool) {
	line, ok := e.index[id]
	if !ok {
		return LineEntry{}, false
	}
	return line.clone(), true
}

// Pending counts lines waiting for an allocation response.
func (e *Engine) Pending() int {
	n := 0
	for _, l := range e.lines {
		if l.State == StatePending {
			n++
		}
	}
	return n
}

// Totals aggregates the current lines.
func (e *Engine) Totals() Totals {
	return Aggregate(e.Lines())
}

func (e *Engine) append(line *LineEntry) {
	e.lines = append(e.lines, line)
	e.index[line.ID] = line
}

// dispatch advances the line epoch and returns the request to issue, or nil
// when the line lacks product, quantity or location. Incomplete lines drop
// their pricing and contribute nothing.
func (e *Engine) dispatch(line *LineEntry) *Dispatch {
	e.epoch++
	line.RequestEpoch = e.epoch
	req := allocation.Request{
		ProductID:      line.ProductRef,
		BusinessUnitID: e.source.BusinessUnitID,
		LocationID:     e.source.LocationID,
		Strategy:       e.source.Strategy,
	}
	if line.Quantity.Valid {
		req.Quantity = line.Quantity.Decimal
	}
	if err := req.CheckContext(); err != nil {
		line.State = StateIdle
		line.clearPricing()
		return nil
	}
	line.State = StatePending
	line.Err = nil
	return &Dispatch{LineID: line.ID, Epoch: line.RequestEpoch, Request: req}
}

func (e *Engine) fail(line *LineEntry, err error) {
	line.State = StateFailed
	line.Allocation = nil
	line.Err = err
}

func (l *LineEntry) touchDiscount() {
	if l.carried != nil {
		l.carried.verbatim = false
	}
}

func checkInput(in NewLine) error {
	if in.Quantity.Valid && in.Quantity.Decimal.IsNegative() {
		return ErrInvalidQuantity
	}
	if err := checkPercent(in.DiscountPercent); err != nil {
		return err
	}
	return checkAmount(in.DiscountAmount)
}

func checkPercent(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: percent must be between 0 and 100", ErrInvalidDiscount)
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidDiscount)
	}
	return nil
}

func sameQuantity(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
