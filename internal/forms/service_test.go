package forms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/drafts"
	"github.com/odyssey-erp/stockline/internal/observability"
	"github.com/odyssey-erp/stockline/internal/reconcile"
	"github.com/odyssey-erp/stockline/internal/records"
	"github.com/odyssey-erp/stockline/jobs"
)

// memoryRecords mimics the repository: unique idempotency keys and in-place
// replacement of edited records.
type memoryRecords struct {
	mu   sync.Mutex
	byID map[string]records.Record
}

func newMemoryRecords(seed ...records.Record) *memoryRecords {
	m := &memoryRecords{byID: make(map[string]records.Record)}
	for _, rec := range seed {
		m.byID[rec.ID] = rec
	}
	return m
}

func (m *memoryRecords) Save(_ context.Context, rec records.Record) (records.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.byID {
		if existing.IdempotencyKey == rec.IdempotencyKey && id != rec.SourceID {
			return records.Record{}, records.ErrDuplicate
		}
	}
	if rec.SourceID != "" {
		if _, ok := m.byID[rec.SourceID]; !ok {
			return records.Record{}, records.ErrNotFound
		}
		rec.ID = rec.SourceID
	} else {
		rec.ID = uuid.NewString()
	}
	m.byID[rec.ID] = rec
	return rec, nil
}

func (m *memoryRecords) Get(_ context.Context, kind records.Kind, id string) (records.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok || rec.Kind != kind {
		return records.Record{}, records.ErrNotFound
	}
	return rec, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	payloads []jobs.RecordSubmittedPayload
}

func (p *fakePublisher) EnqueueRecordSubmitted(_ context.Context, payload jobs.RecordSubmittedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return p.err
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func qty(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

// priceList allocates every request from one batch at a fixed unit price.
func priceList(prices map[string]string) allocation.Func {
	return func(_ context.Context, req allocation.Request) (*allocation.BatchAllocation, error) {
		price, ok := prices[req.ProductID]
		if !ok {
			return nil, allocation.ErrServiceError
		}
		batch := allocation.Batch{BatchID: "B-" + req.ProductID, Quantity: req.Quantity, UnitPrice: dec(price)}
		return allocation.NewBatchAllocation([]allocation.Batch{batch}, true, req.Quantity), nil
	}
}

// blocked never answers before the request context ends.
func blocked(ctx context.Context, _ allocation.Request) (*allocation.BatchAllocation, error) {
	<-ctx.Done()
	return nil, allocation.ErrNetworkFailure
}

type fixture struct {
	svc       *Service
	records   *memoryRecords
	drafts    *drafts.Store
	publisher *fakePublisher
	redis     *miniredis.Miniredis
}

func newFixture(t *testing.T, alloc allocation.Allocator, seed ...records.Record) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		records:   newMemoryRecords(seed...),
		drafts:    drafts.NewStore(client, time.Hour),
		publisher: &fakePublisher{},
		redis:     mr,
	}
	f.svc = f.service(alloc)
	return f
}

func (f *fixture) service(alloc allocation.Allocator) *Service {
	return NewService(ServiceConfig{
		Allocator: alloc,
		Records:   f.records,
		Drafts:    f.drafts,
		Publisher: f.publisher,
		Metrics:   observability.NewMetrics(),
	})
}

func awaitForm(t *testing.T, form *Form) reconcile.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, form.Session().Await(ctx))
	snap, err := form.Session().Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func storedInvoice() records.Record {
	return records.Record{
		ID:             "inv-1",
		Kind:           records.KindSalesInvoice,
		IdempotencyKey: "stored-key",
		BusinessUnitID: "bu-1",
		LocationID:     "loc-main",
		Lines: []records.Line{
			{ID: "line-1", ProductID: "P-1", Quantity: dec("3"), UnitPrice: dec("20"), TotalPrice: dec("60"), LineOrder: 1,
				Batches: storedBatches()},
		},
		Subtotal:   dec("60"),
		GrandTotal: dec("60"),
	}
}

func storedBatches() []allocation.Batch {
	return []allocation.Batch{
		{BatchID: "LOT-A", Quantity: dec("2"), UnitPrice: dec("20")},
		{BatchID: "LOT-B", Quantity: dec("1"), UnitPrice: dec("20")},
	}
}

func TestSalesEntrySubmit(t *testing.T) {
	f := newFixture(t, priceList(map[string]string{"P-1": "10.80", "P-2": "50"}))
	t.Cleanup(f.svc.Close)
	ctx := context.Background()

	form, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry, BusinessUnitID: "bu-1", LocationID: "loc-main"})
	require.NoError(t, err)
	_, err = form.Session().AddLines(ctx, []reconcile.NewLine{
		{ProductRef: "P-1", Quantity: qty("5"), DiscountPercent: dec("10")},
		{ProductRef: "P-2", Quantity: qty("2"), DiscountAmount: dec("7.50")},
	})
	require.NoError(t, err)

	rec, err := f.svc.Submit(ctx, form.ID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, records.KindSalesInvoice, rec.Kind)
	assert.Equal(t, form.IdempotencyKey, rec.IdempotencyKey)
	assert.True(t, rec.Subtotal.Equal(dec("154")), rec.Subtotal.String())
	assert.True(t, rec.GrandTotal.Equal(dec("141.10")), rec.GrandTotal.String())
	require.Len(t, rec.Lines, 2)
	assert.True(t, rec.Lines[0].TotalPrice.Equal(dec("48.60")))

	require.Len(t, f.publisher.payloads, 1)
	payload := f.publisher.payloads[0]
	assert.Equal(t, rec.ID, payload.RecordID)
	assert.Equal(t, form.ID, payload.SessionID)
	assert.Equal(t, 2, payload.LineCount)

	_, err = f.svc.Get(form.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "submitted forms close")
	assert.True(t, f.redis.Exists(drafts.Key(form.ID)), "the worker removes the draft")
}

func TestResubmitFromDraftIsDuplicate(t *testing.T) {
	f := newFixture(t, priceList(map[string]string{"P-1": "10"}))
	t.Cleanup(f.svc.Close)
	ctx := context.Background()

	form, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry, LocationID: "loc-main"})
	require.NoError(t, err)
	_, err = form.Session().AddLine(ctx, reconcile.NewLine{ProductRef: "P-1", Quantity: qty("1")})
	require.NoError(t, err)
	f.svc.Autosave(ctx, form)
	_, err = f.svc.Submit(ctx, form.ID, true)
	require.NoError(t, err)

	resumed, err := f.svc.Open(ctx, OpenRequest{DraftID: form.ID})
	require.NoError(t, err)
	assert.Equal(t, form.IdempotencyKey, resumed.IdempotencyKey)
	_, err = f.svc.Submit(ctx, resumed.ID, true)
	assert.ErrorIs(t, err, records.ErrDuplicate)
}

func TestOpenValidatesRequest(t *testing.T) {
	f := newFixture(t, priceList(nil))
	ctx := context.Background()

	_, err := f.svc.Open(ctx, OpenRequest{Kind: "quote"})
	assert.ErrorIs(t, err, ErrInvalidKind)
	_, err = f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry})
	assert.ErrorIs(t, err, ErrMissingLocation)
	_, err = f.svc.Open(ctx, OpenRequest{Kind: KindSalesEdit})
	assert.ErrorIs(t, err, ErrMissingSource)
	_, err = f.svc.Open(ctx, OpenRequest{Kind: KindTransferEdit, SourceID: "inv-1"})
	assert.ErrorIs(t, err, records.ErrNotFound)
	_, err = f.svc.Open(ctx, OpenRequest{DraftID: uuid.NewString()})
	assert.ErrorIs(t, err, drafts.ErrNotFound)
}

func TestSalesEditCarriesStoredLines(t *testing.T) {
	f := newFixture(t, priceList(map[string]string{"P-1": "20", "P-2": "5"}), storedInvoice())
	t.Cleanup(f.svc.Close)
	ctx := context.Background()

	form, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEdit, SourceID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", form.SourceID)

	_, err = form.Session().AddLine(ctx, reconcile.NewLine{ProductRef: "P-2", Quantity: qty("4")})
	require.NoError(t, err)
	snap := awaitForm(t, form)
	require.Len(t, snap.Lines, 2)
	assert.Equal(t, reconcile.OriginCarried, snap.Lines[0].Origin)
	assert.True(t, snap.Totals.GrandTotal.Equal(dec("80")))

	rec, err := f.svc.Submit(ctx, form.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", rec.ID)
	require.Len(t, rec.Lines, 2)
	assert.True(t, rec.Lines[0].UnitPrice.Equal(dec("20")))
	assert.Equal(t, storedBatches(), rec.Lines[0].Batches, "untouched lines keep their stored batches")
	assert.True(t, rec.GrandTotal.Equal(dec("80")))
}

func TestSubmitReportsPendingLines(t *testing.T) {
	f := newFixture(t, allocation.Func(blocked))
	t.Cleanup(f.svc.Close)
	ctx := context.Background()

	form, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry, LocationID: "loc-main"})
	require.NoError(t, err)
	id, err := form.Session().AddLine(ctx, reconcile.NewLine{ProductRef: "P-1", Quantity: qty("1")})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, form.ID, false)
	var invalid *reconcile.SubmitValidationError
	require.ErrorAs(t, err, &invalid)
	require.Len(t, invalid.Issues, 1)
	assert.Equal(t, reconcile.LineIssue{LineID: id, Reason: reconcile.ReasonPricingPending}, invalid.Issues[0])

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = f.svc.Submit(waitCtx, form.ID, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.svc.Get(form.ID)
	assert.NoError(t, err, "rejected forms stay open")
}

func TestResumeRestoresDraftInNewProcess(t *testing.T) {
	f := newFixture(t, priceList(map[string]string{"P-1": "20", "P-2": "5"}), storedInvoice())
	ctx := context.Background()

	form, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEdit, SourceID: "inv-1"})
	require.NoError(t, err)
	_, err = form.Session().AddLine(ctx, reconcile.NewLine{ID: "new-1", ProductRef: "P-2", Quantity: qty("2")})
	require.NoError(t, err)
	_, err = form.Session().AddLine(ctx, reconcile.NewLine{ID: "blank-1"})
	require.NoError(t, err)
	f.svc.Autosave(ctx, form)
	f.svc.Close()

	restarted := f.service(priceList(map[string]string{"P-1": "99", "P-2": "6"}))
	t.Cleanup(restarted.Close)
	resumed, err := restarted.Open(ctx, OpenRequest{DraftID: form.ID})
	require.NoError(t, err)
	assert.Equal(t, form.ID, resumed.ID)
	assert.Equal(t, KindSalesEdit, resumed.Kind)
	assert.Equal(t, "inv-1", resumed.SourceID)

	snap := awaitForm(t, resumed)
	require.Len(t, snap.Lines, 3)
	assert.Equal(t, "line-1", snap.Lines[0].ID)
	assert.Equal(t, reconcile.OriginCarried, snap.Lines[0].Origin)
	assert.True(t, snap.Lines[0].Totals().Total.Equal(dec("60")), "carried figures survive")
	carried, ok := snap.Lines[0].Carried()
	require.True(t, ok)
	assert.Equal(t, storedBatches(), carried.Batches)
	assert.Equal(t, "new-1", snap.Lines[1].ID)
	assert.True(t, snap.Lines[1].Totals().Total.Equal(dec("12")), "volatile lines are priced again")
	assert.Equal(t, reconcile.StateIdle, snap.Lines[2].State)

	again, err := restarted.Open(ctx, OpenRequest{DraftID: form.ID})
	require.NoError(t, err)
	assert.Same(t, resumed, again)
}

func TestResumeWithoutDraftStore(t *testing.T) {
	svc := NewService(ServiceConfig{Allocator: priceList(nil), Records: newMemoryRecords()})
	_, err := svc.Open(context.Background(), OpenRequest{DraftID: uuid.NewString()})
	assert.ErrorIs(t, err, ErrDraftsDisabled)
}

func TestPublishFailureDropsDraft(t *testing.T) {
	f := newFixture(t, priceList(map[string]string{"P-1": "10"}))
	f.publisher.err = errors.New("redis down")
	t.Cleanup(f.svc.Close)
	ctx := context.Background()

	form, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry, LocationID: "loc-main"})
	require.NoError(t, err)
	_, err = form.Session().AddLine(ctx, reconcile.NewLine{ProductRef: "P-1", Quantity: qty("1")})
	require.NoError(t, err)
	f.svc.Autosave(ctx, form)
	require.True(t, f.redis.Exists(drafts.Key(form.ID)))

	_, err = f.svc.Submit(ctx, form.ID, true)
	require.NoError(t, err)
	assert.False(t, f.redis.Exists(drafts.Key(form.ID)))
}

func TestDiscardRemovesDraft(t *testing.T) {
	f := newFixture(t, priceList(nil))
	ctx := context.Background()

	form, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry, LocationID: "loc-main"})
	require.NoError(t, err)
	require.True(t, f.redis.Exists(drafts.Key(form.ID)))

	require.NoError(t, f.svc.Discard(ctx, form.ID))
	assert.False(t, f.redis.Exists(drafts.Key(form.ID)))
	assert.ErrorIs(t, f.svc.Discard(ctx, form.ID), ErrSessionNotFound)
	_, err = form.Session().Snapshot(ctx)
	assert.ErrorIs(t, err, reconcile.ErrSessionClosed)
}

func TestReapClosesIdleForms(t *testing.T) {
	f := newFixture(t, priceList(nil))
	t.Cleanup(f.svc.Close)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	idle, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry, LocationID: "loc-main"})
	require.NoError(t, err)
	now = now.Add(20 * time.Minute)
	busy, err := f.svc.Open(ctx, OpenRequest{Kind: KindSalesEntry, LocationID: "loc-main"})
	require.NoError(t, err)
	now = now.Add(15 * time.Minute)

	assert.Equal(t, 1, f.svc.Reap(30*time.Minute))
	_, err = f.svc.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.svc.Get(busy.ID)
	assert.NoError(t, err)
	assert.True(t, f.redis.Exists(drafts.Key(idle.ID)), "reaped drafts can be resumed")
}
