package forms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/drafts"
	"github.com/odyssey-erp/stockline/internal/observability"
	"github.com/odyssey-erp/stockline/internal/reconcile"
	"github.com/odyssey-erp/stockline/internal/records"
	"github.com/odyssey-erp/stockline/jobs"
)

// RecordStore persists submitted records and loads records for editing.
type RecordStore interface {
	Save(ctx context.Context, rec records.Record) (records.Record, error)
	Get(ctx context.Context, kind records.Kind, id string) (records.Record, error)
}

// DraftStore autosaves form input.
type DraftStore interface {
	Save(ctx context.Context, d drafts.Draft) error
	Load(ctx context.Context, sessionID string) (drafts.Draft, error)
	Delete(ctx context.Context, sessionID string) error
}

// Publisher announces stored records to background workers.
type Publisher interface {
	EnqueueRecordSubmitted(ctx context.Context, payload jobs.RecordSubmittedPayload) error
}

// ServiceConfig wires a Service. Drafts, Publisher and Metrics are optional.
type ServiceConfig struct {
	Allocator allocation.Allocator
	Records   RecordStore
	Drafts    DraftStore
	Publisher Publisher
	Strategy  allocation.Strategy
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Service keeps the registry of open forms.
type Service struct {
	allocator allocation.Allocator
	records   RecordStore
	drafts    DraftStore
	publisher Publisher
	strategy  allocation.Strategy
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	forms map[string]*Form
}

// NewService constructs the service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = allocation.StrategyFIFO
	}
	return &Service{
		allocator: cfg.Allocator,
		records:   cfg.Records,
		drafts:    cfg.Drafts,
		publisher: cfg.Publisher,
		strategy:  strategy,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       time.Now,
		forms:     make(map[string]*Form),
	}
}

// Open starts a form session.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Form, error) {
	if req.DraftID != "" {
		return s.resume(ctx, req.DraftID)
	}
	if !req.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.strategy
	}
	form := &Form{
		ID:             uuid.NewString(),
		Kind:           req.Kind,
		IdempotencyKey: uuid.NewString(),
		OpenedAt:       s.now().UTC(),
	}

	var engine *reconcile.Engine
	switch req.Kind {
	case KindSalesEntry:
		if req.LocationID == "" {
			return nil, ErrMissingLocation
		}
		engine = reconcile.NewEngine(reconcile.Source{
			BusinessUnitID: req.BusinessUnitID,
			LocationID:     req.LocationID,
			Strategy:       strategy,
		})
	default:
		if req.SourceID == "" {
			return nil, ErrMissingSource
		}
		rec, err := s.records.Get(ctx, req.Kind.RecordKind(), req.SourceID)
		if err != nil {
			return nil, fmt.Errorf("forms: load %s %s: %w", req.Kind.RecordKind(), req.SourceID, err)
		}
		form.SourceID = rec.ID
		form.DestinationLocationID = rec.DestinationLocationID
		// Transfers allocate against their source location.
		engine = reconcile.LoadRecord(reconcile.Source{
			BusinessUnitID: rec.BusinessUnitID,
			LocationID:     rec.LocationID,
			Strategy:       strategy,
		}, rec)
	}

	s.start(form, engine)
	s.Autosave(ctx, form)
	s.logger.Info("form opened",
		slog.String("session_id", form.ID),
		slog.String("kind", string(form.Kind)),
		slog.String("source_id", form.SourceID))
	return form, nil
}

// resume reopens a saved draft under its original session id. Carried lines
// keep their stored figures; volatile lines are priced again.
func (s *Service) resume(ctx context.Context, draftID string) (*Form, error) {
	if form, err := s.Get(draftID); err == nil {
		return form, nil
	}
	if s.drafts == nil {
		return nil, ErrDraftsDisabled
	}
	d, err := s.drafts.Load(ctx, draftID)
	if err != nil {
		return nil, err
	}
	kind := Kind(d.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, d.Kind)
	}
	strategy, err := allocation.ParseStrategy(d.Strategy)
	if err != nil {
		return nil, err
	}
	engine := reconcile.NewEngine(reconcile.Source{
		BusinessUnitID: d.BusinessUnitID,
		LocationID:     d.LocationID,
		Strategy:       strategy,
	})
	for _, l := range d.Lines {
		if l.Carried && l.Quantity.Valid {
			engine.Carry(reconcile.CarriedLine{
				ID:              l.ID,
				ProductRef:      l.ProductRef,
				Quantity:        l.Quantity.Decimal,
				UnitPrice:       l.UnitPrice,
				DiscountPercent: l.DiscountPercent,
				DiscountAmount:  l.DiscountAmount,
				Total:           l.Total,
				Batches:         l.Batches,
			})
			continue
		}
		if _, _, err := engine.AddLine(reconcile.NewLine{
			ID:              l.ID,
			ProductRef:      l.ProductRef,
			Quantity:        l.Quantity,
			DiscountPercent: l.DiscountPercent,
			DiscountAmount:  l.DiscountAmount,
		}); err != nil {
			return nil, fmt.Errorf("forms: draft line %s: %w", l.ID, err)
		}
	}
	key := d.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	form := &Form{
		ID:                    d.SessionID,
		Kind:                  kind,
		SourceID:              d.SourceID,
		DestinationLocationID: d.DestinationLocationID,
		IdempotencyKey:        key,
		OpenedAt:              s.now().UTC(),
	}
	s.start(form, engine)
	if err := form.session.Refresh(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("form resumed from draft",
		slog.String("session_id", form.ID),
		slog.Int("lines", len(d.Lines)))
	return form, nil
}

func (s *Service) start(form *Form, engine *reconcile.Engine) {
	form.session = reconcile.NewSession(reconcile.SessionConfig{
		ID:        form.ID,
		Engine:    engine,
		Allocator: s.allocator,
		Logger:    s.logger.With(slog.String("form_kind", string(form.Kind))),
		Discarded: s.metrics.DiscardedResponses(),
	})
	form.touch(s.now())
	s.mu.Lock()
	s.forms[form.ID] = form
	count := len(s.forms)
	s.mu.Unlock()
	s.trackSessions(count)
}

// Get returns an open form.
func (s *Service) Get(id string) (*Form, error) {
	s.mu.RLock()
	form, ok := s.forms[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	form.touch(s.now())
	return form, nil
}

// Autosave stores the form input as a draft. Failures are logged only.
func (s *Service) Autosave(ctx context.Context, form *Form) {
	if s.drafts == nil {
		return
	}
	snap, err := form.session.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("draft snapshot failed", slog.String("session_id", form.ID), slog.Any("error", err))
		return
	}
	if err := s.drafts.Save(ctx, draftOf(form, snap)); err != nil {
		s.logger.Warn("draft save failed", slog.String("session_id", form.ID), slog.Any("error", err))
	}
}

func draftOf(form *Form, snap reconcile.Snapshot) drafts.Draft {
	d := drafts.Draft{
		SessionID:             form.ID,
		Kind:                  string(form.Kind),
		SourceID:              form.SourceID,
		IdempotencyKey:        form.IdempotencyKey,
		BusinessUnitID:        snap.Source.BusinessUnitID,
		LocationID:            snap.Source.LocationID,
		DestinationLocationID: form.DestinationLocationID,
		Strategy:              string(snap.Source.Strategy),
		Lines:                 make([]drafts.Line, 0, len(snap.Lines)),
	}
	for _, l := range snap.Lines {
		line := drafts.Line{
			ID:              l.ID,
			ProductRef:      l.ProductRef,
			Quantity:        l.Quantity,
			DiscountPercent: l.DiscountPercent,
			DiscountAmount:  l.DiscountAmount,
		}
		if c, ok := l.Carried(); ok {
			line.Carried = true
			line.UnitPrice = c.UnitPrice
			line.Total = c.Total
			line.Batches = c.Batches
		}
		d.Lines = append(d.Lines, line)
	}
	return d
}

// Submit stores the form as a record and closes the session. With wait set,
// in-flight allocations are awaited first; otherwise pending lines are
// reported as validation issues.
func (s *Service) Submit(ctx context.Context, id string, wait bool) (records.Record, error) {
	form, err := s.Get(id)
	if err != nil {
		return records.Record{}, err
	}
	kind := string(form.Kind.RecordKind())
	if wait {
		if err := form.session.Await(ctx); err != nil {
			return records.Record{}, err
		}
	}
	rec, err := form.session.BuildRecord(ctx, reconcile.Header{
		Kind:                  form.Kind.RecordKind(),
		SourceID:              form.SourceID,
		DestinationLocationID: form.DestinationLocationID,
		IdempotencyKey:        form.IdempotencyKey,
	})
	if err != nil {
		s.metrics.ObserveSubmission(kind, "rejected")
		return records.Record{}, err
	}
	saved, err := s.records.Save(ctx, rec)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, records.ErrDuplicate) {
			outcome = "duplicate"
		}
		s.metrics.ObserveSubmission(kind, outcome)
		return records.Record{}, err
	}
	s.metrics.ObserveSubmission(kind, "saved")
	s.close(form)
	s.publish(ctx, form, saved)
	s.logger.Info("form submitted",
		slog.String("session_id", form.ID),
		slog.String("record_id", saved.ID),
		slog.String("grand_total", saved.GrandTotal.StringFixed(2)))
	return saved, nil
}

func (s *Service) publish(ctx context.Context, form *Form, rec records.Record) {
	if s.publisher != nil {
		err := s.publisher.EnqueueRecordSubmitted(ctx, jobs.RecordSubmittedPayload{
			RecordID:       rec.ID,
			Kind:           string(rec.Kind),
			SessionID:      form.ID,
			IdempotencyKey: rec.IdempotencyKey,
			LineCount:      len(rec.Lines),
			GrandTotal:     rec.GrandTotal,
			SubmittedAt:    s.now().UTC(),
		})
		if err == nil {
			return
		}
		s.logger.Warn("enqueue submission failed", slog.String("record_id", rec.ID), slog.Any("error", err))
	}
	s.dropDraft(ctx, form.ID)
}

// Discard closes a form without saving and deletes its draft.
func (s *Service) Discard(ctx context.Context, id string) error {
	form, err := s.Get(id)
	if err != nil {
		return err
	}
	s.close(form)
	s.dropDraft(ctx, form.ID)
	return nil
}

// Reap closes forms unused for longer than maxIdle. Their drafts are kept so
// they can be resumed.
func (s *Service) Reap(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	var idle []*Form
	s.mu.RLock()
	for _, form := range s.forms {
		if form.idleSince().Before(cutoff) {
			idle = append(idle, form)
		}
	}
	s.mu.RUnlock()
	for _, form := range idle {
		s.close(form)
		s.logger.Info("idle form closed", slog.String("session_id", form.ID))
	}
	return len(idle)
}

// Close shuts every open form down.
func (s *Service) Close() {
	s.mu.RLock()
	open := make([]*Form, 0, len(s.forms))
	for _, form := range s.forms {
		open = append(open, form)
	}
	s.mu.RUnlock()
	for _, form := range open {
		s.close(form)
	}
}

func (s *Service) close(form *Form) {
	s.mu.Lock()
	delete(s.forms, form.ID)
	count := len(s.forms)
	s.mu.Unlock()
	form.session.Close()
	s.trackSessions(count)
}

func (s *Service) dropDraft(ctx context.Context, id string) {
	if s.drafts == nil {
		return
	}
	if err := s.drafts.Delete(ctx, id); err != nil {
		s.logger.Warn("draft delete failed", slog.String("session_id", id), slog.Any("error", err))
	}
}

func (s *Service) trackSessions(count int) {
	if gauge := s.metrics.FormSessions(); gauge != nil {
		gauge.Set(float64(count))
	}
}
