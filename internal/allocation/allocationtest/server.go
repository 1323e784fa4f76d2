// Package allocationtest provides an in-memory allocation service for tests.
// It answers the allocator wire contract over a real HTTP listener and
// allocates from configured lots oldest-first or newest-first.
package allocationtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
)

// Lot is stock of one batch at one location, listed in receipt order.
type Lot struct {
	BatchID   string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

type stockKey struct {
	location string
	product  string
}

type request struct {
	ProductID      string              `json:"product_id"`
	Quantity       decimal.Decimal     `json:"quantity"`
	BusinessUnitID string              `json:"business_unit_id"`
	LocationID     string              `json:"location_id"`
	Strategy       allocation.Strategy `json:"strategy"`
}

type batch struct {
	BatchID   string          `json:"batch_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type response struct {
	Batches     []batch         `json:"batches"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
	EnoughStock bool            `json:"enough_stock"`
	Available   decimal.Decimal `json:"available"`
}

// Server is a running fake allocator.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	stock    map[stockKey][]Lot
	requests []allocation.Request
	status   int
	delay    time.Duration
}

// NewServer starts a fake allocator; call Close when done.
func NewServer() *Server {
	s := &Server{stock: make(map[stockKey][]Lot)}
	r := chi.NewRouter()
	r.Post("/allocations", s.allocate)
	s.Server = httptest.NewServer(r)
	return s
}

// Stock replaces the lots of product at location.
func (s *Server) Stock(locationID, productID string, lots ...Lot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[stockKey{location: locationID, product: productID}] = append([]Lot(nil), lots...)
}

// FailWith makes every following request answer with status; 0 restores normal answers.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Delay holds every answer for d.
func (s *Server) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Requests returns the requests received so far.
func (s *Server) Requests() []allocation.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]allocation.Request(nil), s.requests...)
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, allocation.Request{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		BusinessUnitID: req.BusinessUnitID,
		LocationID:     req.LocationID,
		Strategy:       req.Strategy,
	})
	status, delay := s.status, s.delay
	lots := append([]Lot(nil), s.stock[stockKey{location: req.LocationID, product: req.ProductID}]...)
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fill(lots, req.Quantity, req.Strategy))
}

// fill takes qty from lots in strategy order. Lots are in receipt order.
func fill(lots []Lot, qty decimal.Decimal, strategy allocation.Strategy) response {
	ordered := append([]Lot(nil), lots...)
	if strategy == allocation.StrategyLIFO {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	out := response{Batches: []batch{}, GrandTotal: decimal.Zero, Available: decimal.Zero}
	remaining := qty
	for _, lot := range ordered {
		out.Available = out.Available.Add(lot.Quantity)
		if !remaining.IsPositive() || !lot.Quantity.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, lot.Quantity)
		subtotal := take.Mul(lot.UnitPrice)
		out.Batches = append(out.Batches, batch{
			BatchID:   lot.BatchID,
			Quantity:  take,
			UnitPrice: lot.UnitPrice,
			Subtotal:  subtotal,
		})
		out.GrandTotal = out.GrandTotal.Add(subtotal)
		remaining = remaining.Sub(take)
	}
	out.EnoughStock = !remaining.IsPositive()
	return out
}
