package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/money"
	"github.com/odyssey-erp/stockline/internal/platform/validation"
)

// DefaultTimeout bounds a single allocator round-trip.
const DefaultTimeout = 5 * time.Second

// ClientConfig groups the allocator client settings.
type ClientConfig struct {
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Client calls the allocation service over HTTP. It does not deduplicate:
// requests are idempotent and sequencing is the caller's concern.
type Client struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
	validate *validator.Validate
	outcomes *prometheus.CounterVec
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		timeout:  timeout,
		client:   client,
		logger:   logger,
		validate: validation.New(),
	}
	if cfg.Registerer != nil {
		c.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockline_allocation_requests_total",
			Help: "Allocation requests by outcome.",
		}, []string{"outcome"})
		if err := cfg.Registerer.Register(c.outcomes); err != nil {
			logger.Warn("register allocation metrics", slog.Any("error", err))
			c.outcomes = nil
		}
	}
	return c
}

type wireRequest struct {
	ProductID      string          `json:"product_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	BusinessUnitID string          `json:"business_unit_id"`
	LocationID     string          `json:"location_id"`
	Strategy       Strategy        `json:"strategy,omitempty"`
}

type wireBatch struct {
	BatchID   string          `json:"batch_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gte=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Subtotal  decimal.Decimal `json:"subtotal" validate:"gte=0"`
}

type wireResponse struct {
	Batches     []wireBatch     `json:"batches" validate:"dive"`
	GrandTotal  decimal.Decimal `json:"grand_total" validate:"gte=0"`
	EnoughStock bool            `json:"enough_stock"`
	Available   decimal.Decimal `json:"available" validate:"gte=0"`
}

// RequestAllocation asks the allocator to price req.
func (c *Client) RequestAllocation(ctx context.Context, req Request) (*BatchAllocation, error) {
	if err := req.CheckContext(); err != nil {
		return nil, err
	}
	if c == nil || c.endpoint == "" {
		return nil, fmt.Errorf("%w: allocator endpoint not configured", ErrServiceError)
	}
	alloc, err := c.do(ctx, req)
	c.observe(alloc, err)
	return alloc, err
}

func (c *Client) do(ctx context.Context, req Request) (*BatchAllocation, error) {
	body, err := json.Marshal(wireRequest{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		BusinessUnitID: req.BusinessUnitID,
		LocationID:     req.LocationID,
		Strategy:       req.Strategy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrServiceError, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/allocations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrServiceError, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: allocator response %d: %s", ErrServiceError, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetworkFailure, ctx.Err())
		}
		return nil, fmt.Errorf("%w: decode response: %w", ErrServiceError, err)
	}
	return c.accept(req, payload)
}

// accept validates the payload before it may enter the engine.
func (c *Client) accept(req Request, payload wireResponse) (*BatchAllocation, error) {
	if err := c.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %w", ErrServiceError, err)
	}
	batches := make([]Batch, 0, len(payload.Batches))
	for _, b := range payload.Batches {
		batch := Batch{BatchID: b.BatchID, Quantity: b.Quantity, UnitPrice: b.UnitPrice}
		if !money.EqualAtPrecision(batch.Subtotal(), b.Subtotal) {
			return nil, fmt.Errorf("%w: batch %s subtotal %s, expected %s", ErrServiceError, b.BatchID, b.Subtotal, batch.Subtotal())
		}
		batches = append(batches, batch)
	}
	alloc := NewBatchAllocation(batches, payload.EnoughStock, payload.Available)
	if err := alloc.Check(req.Quantity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceError, err)
	}
	if !money.EqualAtPrecision(alloc.LineSubtotal, payload.GrandTotal) {
		return nil, fmt.Errorf("%w: grand total %s does not match batches %s", ErrServiceError, payload.GrandTotal, alloc.LineSubtotal)
	}
	return alloc, nil
}

func (c *Client) observe(alloc *BatchAllocation, err error) {
	outcome := "ok"
	switch {
	case err == nil && !alloc.EnoughStock:
		outcome = "insufficient_stock"
	case err == nil:
	case errors.Is(err, ErrNetworkFailure):
		outcome = "network_failure"
	default:
		outcome = "service_error"
	}
	if err != nil {
		c.logger.Warn("allocation request failed", slog.String("outcome", outcome), slog.Any("error", err))
	}
	if c.outcomes != nil {
		c.outcomes.WithLabelValues(outcome).Inc()
	}
}
