package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/records"
)

// ErrSessionClosed is returned by every call made after Close.
var ErrSessionClosed = errors.New("reconcile: session closed")

// SessionConfig wires a Session.
type SessionConfig struct {
	ID        string
	Engine    *Engine
	Allocator allocation.Allocator
	Logger    *slog.Logger
	// Discarded counts responses dropped by the epoch guard. Optional.
	Discarded prometheus.Counter
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	ID     string
	Source Source
	Lines  []LineEntry
	Totals Totals
}

type command func(e *Engine) []Dispatch

type flight struct {
	epoch  uint64
	cancel context.CancelFunc
}

// Session owns one engine. A single goroutine applies user commands and
// allocation responses in arrival order; allocation calls run concurrently.
type Session struct {
	id        string
	engine    *Engine
	allocator allocation.Allocator
	logger    *slog.Logger
	discarded prometheus.Counter

	ctx     context.Context
	cancel  context.CancelFunc
	cmds    chan command
	results chan Result
	done    chan struct{}
	once    sync.Once

	// owned by the loop goroutine
	inflight map[string]flight
	waiters  []chan struct{}
}

// NewSession starts the session loop. Call Close to stop it.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := cfg.Engine
	if engine == nil {
		engine = NewEngine(Source{Strategy: allocation.StrategyFIFO})
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		engine:    engine,
		allocator: cfg.Allocator,
		logger:    logger.With(slog.String("session_id", id)),
		discarded: cfg.Discarded,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan command),
		results:   make(chan Result),
		done:      make(chan struct{}),
		inflight:  make(map[string]flight),
	}
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Close stops the loop and cancels in-flight requests. It is safe to call
// more than once.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			for id, f := range s.inflight {
				f.cancel()
				delete(s.inflight, id)
			}
			for _, w := range s.waiters {
				close(w)
			}
			s.waiters = nil
			return
		case cmd := <-s.cmds:
			s.launch(cmd(s.engine))
			s.sweep()
		case res := <-s.results:
			s.apply(res)
		}
		s.notifyIdle()
	}
}

func (s *Session) apply(res Result) {
	if f, ok := s.inflight[res.LineID]; ok && f.epoch == res.Epoch {
		f.cancel()
		delete(s.inflight, res.LineID)
	}
	if !s.engine.Resolve(res) {
		s.logger.Debug("allocation response discarded",
			slog.String("line_id", res.LineID),
			slog.Uint64("epoch", res.Epoch))
		if s.discarded != nil {
			s.discarded.Inc()
		}
		return
	}
	if res.Err != nil {
		s.logger.Warn("allocation failed",
			slog.String("line_id", res.LineID),
			slog.Any("error", res.Err))
		return
	}
	if line, ok := s.engine.Line(res.LineID); ok && line.State == StateFailed {
		s.logger.Warn("allocation rejected",
			slog.String("line_id", res.LineID),
			slog.Any("error", line.Err))
	}
}

func (s *Session) launch(dispatches []Dispatch) {
	for _, d := range dispatches {
		if prev, ok := s.inflight[d.LineID]; ok {
			prev.cancel()
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.inflight[d.LineID] = flight{epoch: d.Epoch, cancel: cancel}
		go s.call(ctx, d)
	}
}

func (s *Session) call(ctx context.Context, d Dispatch) {
	res := Result{LineID: d.LineID, Epoch: d.Epoch}
	if s.allocator == nil {
		res.Err = allocation.ErrServiceError
	} else {
		res.Allocation, res.Err = s.allocator.RequestAllocation(ctx, d.Request)
	}
	select {
	case s.results <- res:
	case <-s.ctx.Done():
	}
}

// sweep cancels requests whose line was removed or superseded without a new
// dispatch, such as a line that became incomplete.
func (s *Session) sweep() {
	for id, f := range s.inflight {
		line, ok := s.engine.Line(id)
		if !ok || line.RequestEpoch != f.epoch {
			f.cancel()
			delete(s.inflight, id)
		}
	}
}

func (s *Session) notifyIdle() {
	if len(s.waiters) == 0 || s.engine.Pending() > 0 {
		return
	}
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

// exec runs fn on the loop goroutine and waits for it to finish.
func (s *Session) exec(ctx context.Context, fn command) error {
	finished := make(chan struct{})
	wrapped := func(e *Engine) []Dispatch {
		defer close(finished)
		return fn(e)
	}
	select {
	case s.cmds <- wrapped:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// AddLine appends a line and starts its allocation when the line is complete.
func (s *Session) AddLine(ctx context.Context, in NewLine) (string, error) {
	var id string
	var err error
	if execErr := s.exec(ctx, func(e *Engine) []Dispatch {
		var d *Dispatch
		id, d, err = e.AddLine(in)
		return single(d)
	}); execErr != nil {
		return "", execErr
	}
	return id, err
}

// AddLines appends several lines in one step.
func (s *Session) AddLines(ctx context.Context, in []NewLine) ([]string, error) {
	var ids []string
	var err error
	if execErr := s.exec(ctx, func(e *Engine) []Dispatch {
		var ds []Dispatch
		ids, ds, err = e.AddLines(in)
		return ds
	}); execErr != nil {
		return nil, execErr
	}
	return ids, err
}

// Scan adds one unit of productRef.
func (s *Session) Scan(ctx context.Context, productRef string) (string, error) {
	var id string
	var err error
	if execErr := s.exec(ctx, func(e *Engine) []Dispatch {
		var d *Dispatch
		id, d, err = e.Scan(productRef)
		return single(d)
	}); execErr != nil {
		return "", execErr
	}
	return id, err
}

// SetQuantity changes the quantity of a line.
func (s *Session) SetQuantity(ctx context.Context, lineID string, qty decimal.NullDecimal) error {
	return s.mutate(ctx, func(e *Engine) (*Dispatch, error) {
		return e.SetQuantity(lineID, qty)
	})
}

// ApplyPatch edits several fields of a line in one step. Nothing changes when
// any field is rejected.
func (s *Session) ApplyPatch(ctx context.Context, lineID string, p Patch) error {
	return s.mutate(ctx, func(e *Engine) (*Dispatch, error) {
		return e.ApplyPatch(lineID, p)
	})
}

// RemoveLine drops a line and cancels its pending request.
func (s *Session) RemoveLine(ctx context.Context, lineID string) error {
	return s.mutate(ctx, func(e *Engine) (*Dispatch, error) {
		return nil, e.RemoveLine(lineID)
	})
}

// Retry re-issues the allocation of a line.
func (s *Session) Retry(ctx context.Context, lineID string) error {
	return s.mutate(ctx, func(e *Engine) (*Dispatch, error) {
		return e.Retry(lineID)
	})
}

// SetSource changes the allocation context and re-prices volatile lines.
func (s *Session) SetSource(ctx context.Context, src Source) error {
	return s.exec(ctx, func(e *Engine) []Dispatch {
		return e.SetSource(src)
	})
}

// Refresh re-prices every volatile line against current inventory.
func (s *Session) Refresh(ctx context.Context) error {
	return s.exec(ctx, func(e *Engine) []Dispatch {
		return e.Redispatch()
	})
}

// Snapshot returns a copy of the lines and their totals.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.exec(ctx, func(e *Engine) []Dispatch {
		snap = Snapshot{ID: s.id, Source: e.Source(), Lines: e.Lines()}
		snap.Totals = Aggregate(snap.Lines)
		return nil
	})
	return snap, err
}

// BuildRecord validates the current lines and returns the record to persist.
func (s *Session) BuildRecord(ctx context.Context, h Header) (records.Record, error) {
	var rec records.Record
	var err error
	if execErr := s.exec(ctx, func(e *Engine) []Dispatch {
		rec, err = e.BuildRecord(h)
		return nil
	}); execErr != nil {
		return records.Record{}, execErr
	}
	if err != nil && errors.Is(err, ErrSubmitValidation) {
		s.logger.Info("submit rejected", slog.Any("error", err))
	}
	return rec, err
}

// Await blocks until no line is waiting on the allocator.
func (s *Session) Await(ctx context.Context) error {
	var wait chan struct{}
	err := s.exec(ctx, func(e *Engine) []Dispatch {
		if e.Pending() > 0 {
			wait = make(chan struct{})
			s.waiters = append(s.waiters, wait)
		}
		return nil
	})
	if err != nil || wait == nil {
		return err
	}
	select {
	case <-wait:
		if s.ctx.Err() != nil {
			return ErrSessionClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) mutate(ctx context.Context, fn func(e *Engine) (*Dispatch, error)) error {
	var err error
	if execErr := s.exec(ctx, func(e *Engine) []Dispatch {
		var d *Dispatch
		d, err = fn(e)
		return single(d)
	}); execErr != nil {
		return execErr
	}
	return err
}

func single(d *Dispatch) []Dispatch {
	if d == nil {
		return nil
	}
	return []Dispatch{*d}
}
