// Package drafts autosaves open form sessions to Redis so an interrupted
// session can be resumed.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockline/internal/allocation"
)

const keyPrefix = "stockline:draft:"

var (
	// ErrNotFound indicates no draft is stored for the session.
	ErrNotFound = errors.New("drafts: not found")
	// ErrMissingSession indicates a draft without session id.
	ErrMissingSession = errors.New("drafts: session id required")
)

// Draft is the persisted input of a form session. Allocations are not
// stored; volatile lines are priced again on resume.
type Draft struct {
	SessionID             string    `json:"session_id"`
	Kind                  string    `json:"kind"`
	SourceID              string    `json:"source_id,omitempty"`
	IdempotencyKey        string    `json:"idempotency_key"`
	BusinessUnitID        string    `json:"business_unit_id"`
	LocationID            string    `json:"location_id"`
	DestinationLocationID string    `json:"destination_location_id,omitempty"`
	Strategy              string    `json:"strategy"`
	Lines                 []Line    `json:"lines"`
	SavedAt               time.Time `json:"saved_at"`
}

// Line is one saved row. UnitPrice, Total and Batches are set for carried
// lines only.
type Line struct {
	ID              string              `json:"id"`
	ProductRef      string              `json:"product_ref"`
	Quantity        decimal.NullDecimal `json:"quantity"`
	DiscountPercent decimal.Decimal     `json:"discount_percent"`
	DiscountAmount  decimal.Decimal     `json:"discount_amount"`
	Carried         bool                `json:"carried"`
	UnitPrice       decimal.Decimal     `json:"unit_price"`
	Total           decimal.Decimal     `json:"total"`
	Batches         []allocation.Batch  `json:"batches,omitempty"`
}

// Store keeps drafts in Redis with a fixed TTL refreshed on every save.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewStore instantiates the store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// Key returns the Redis key of a session draft.
func Key(sessionID string) string {
	return keyPrefix + sessionID
}

// Save overwrites the draft of d.SessionID.
func (s *Store) Save(ctx context.Context, d Draft) error {
	if d.SessionID == "" {
		return ErrMissingSession
	}
	d.SavedAt = s.now().UTC()
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("drafts: encode: %w", err)
	}
	if err := s.client.Set(ctx, Key(d.SessionID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("drafts: save: %w", err)
	}
	return nil
}

// Load returns the draft of a session.
func (s *Store) Load(ctx context.Context, sessionID string) (Draft, error) {
	if sessionID == "" {
		return Draft{}, ErrMissingSession
	}
	raw, err := s.client.Get(ctx, Key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("drafts: load: %w", err)
	}
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return Draft{}, fmt.Errorf("drafts: decode: %w", err)
	}
	return d, nil
}

// Delete removes a draft. Missing drafts are not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	if err := s.client.Del(ctx, Key(sessionID)).Err(); err != nil {
		return fmt.Errorf("drafts: delete: %w", err)
	}
	return nil
}
