package records

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/platform/db"
)

//go:embed schema.sql
var schema string

const (
	idempotencyConstraint = "stock_records_idempotency_key_key"
	linesPrimaryKey       = "stock_record_lines_pkey"
)

// DB is the subset of *pgxpool.Pool used by the repository.
type DB interface {
	db.TxStarter
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for records.
type Repository struct {
	db  DB
	now func() time.Time
}

// NewRepository constructs a repository.
func NewRepository(conn DB) *Repository {
	return &Repository{db: conn, now: time.Now}
}

// EnsureSchema creates the record tables when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("records: ensure schema: %w", err)
	}
	return nil
}

// Save writes rec in one transaction. A record with SourceID replaces the
// header and lines of that stored record; otherwise a new record is created.
func (r *Repository) Save(ctx context.Context, rec Record) (Record, error) {
	if !rec.Kind.Valid() {
		return Record{}, ErrInvalidKind
	}
	if rec.IdempotencyKey == "" {
		return Record{}, errors.New("records: idempotency key required")
	}
	now := r.now().UTC()
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if rec.SourceID == "" {
			rec.ID = uuid.NewString()
			rec.CreatedAt = now
			const insert = `INSERT INTO stock_records
				(id, kind, idempotency_key, business_unit_id, location_id, destination_location_id,
				 subtotal, total_discount, grand_total, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
			if _, err := tx.Exec(ctx, insert, rec.ID, string(rec.Kind), rec.IdempotencyKey, rec.BusinessUnitID,
				rec.LocationID, rec.DestinationLocationID, rec.Subtotal, rec.TotalDiscount, rec.GrandTotal, now); err != nil {
				return mapError(err)
			}
		} else {
			rec.ID = rec.SourceID
			const update = `UPDATE stock_records
				SET idempotency_key = $3, business_unit_id = $4, location_id = $5, destination_location_id = $6,
				    subtotal = $7, total_discount = $8, grand_total = $9, updated_at = $10
				WHERE id = $1 AND kind = $2
				RETURNING created_at`
			err := tx.QueryRow(ctx, update, rec.ID, string(rec.Kind), rec.IdempotencyKey, rec.BusinessUnitID,
				rec.LocationID, rec.DestinationLocationID, rec.Subtotal, rec.TotalDiscount, rec.GrandTotal, now).
				Scan(&rec.CreatedAt)
			if err != nil {
				return mapError(err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM stock_record_lines WHERE record_id = $1`, rec.ID); err != nil {
				return fmt.Errorf("records: delete lines: %w", err)
			}
		}
		for i := range rec.Lines {
			line := &rec.Lines[i]
			if line.ID == "" {
				line.ID = uuid.NewString()
			}
			line.LineOrder = i + 1
			if err := insertLine(ctx, tx, rec.ID, *line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = now
	return rec, nil
}

func insertLine(ctx context.Context, tx pgx.Tx, recordID string, line Line) error {
	batches := line.Batches
	if batches == nil {
		batches = []allocation.Batch{}
	}
	payload, err := json.Marshal(batches)
	if err != nil {
		return fmt.Errorf("records: encode batches: %w", err)
	}
	const insert = `INSERT INTO stock_record_lines
		(id, record_id, line_order, product_id, quantity, unit_price, discount_percent,
		 discount_amount, total_price, batches)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := tx.Exec(ctx, insert, line.ID, recordID, line.LineOrder, line.ProductID, line.Quantity,
		line.UnitPrice, line.DiscountPercent, line.DiscountAmount, line.TotalPrice, payload); err != nil {
		return mapError(err)
	}
	return nil
}

// Get loads a record of the given kind together with its lines.
func (r *Repository) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	const header = `SELECT id, kind, idempotency_key, business_unit_id, location_id, destination_location_id,
		subtotal, total_discount, grand_total, created_at, updated_at
		FROM stock_records WHERE id = $1 AND kind = $2`
	var rec Record
	var k string
	err := r.db.QueryRow(ctx, header, id, string(kind)).Scan(&rec.ID, &k, &rec.IdempotencyKey,
		&rec.BusinessUnitID, &rec.LocationID, &rec.DestinationLocationID, &rec.Subtotal,
		&rec.TotalDiscount, &rec.GrandTotal, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, mapError(err)
	}
	rec.Kind = Kind(k)

	const lines = `SELECT id, line_order, product_id, quantity, unit_price, discount_percent,
		discount_amount, total_price, batches
		FROM stock_record_lines WHERE record_id = $1 ORDER BY line_order`
	rows, err := r.db.Query(ctx, lines, rec.ID)
	if err != nil {
		return Record{}, fmt.Errorf("records: query lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		var payload []byte
		if err := rows.Scan(&line.ID, &line.LineOrder, &line.ProductID, &line.Quantity, &line.UnitPrice,
			&line.DiscountPercent, &line.DiscountAmount, &line.TotalPrice, &payload); err != nil {
			return Record{}, fmt.Errorf("records: scan line: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &line.Batches); err != nil {
				return Record{}, fmt.Errorf("records: decode batches: %w", err)
			}
		}
		rec.Lines = append(rec.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("records: iterate lines: %w", err)
	}
	return rec, nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case idempotencyConstraint:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case linesPrimaryKey:
			return fmt.Errorf("%w: %s", ErrLineConflict, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("records: %w", err)
}
