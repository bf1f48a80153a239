package storage

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/tigerfans/server/internal/dbgate"
	apperrors "github.com/tigerfans/server/internal/errors"
)

// uniqueViolation is the PostgreSQL error code for unique constraints.
const uniqueViolation = "23505"

// PostgresStore persists orders in PostgreSQL through the shared pool.
type PostgresStore struct {
	db   *sql.DB
	gate *dbgate.Gate
}

// NewPostgresStore creates an order store on a shared pool.
func NewPostgresStore(db *sql.DB, gate *dbgate.Gate) *PostgresStore {
	return &PostgresStore{db: db, gate: gate}
}

// Setup creates the orders table. Idempotent.
func (p *PostgresStore) Setup(ctx context.Context) error {
	return p.gate.Do(ctx, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS orders (
				id             TEXT PRIMARY KEY,
				ticket_ref     TEXT NOT NULL UNIQUE,
				goodie_ref     TEXT NOT NULL,
				try_goodie     BOOLEAN NOT NULL,
				cls            TEXT NOT NULL,
				qty            BIGINT NOT NULL,
				amount         BIGINT NOT NULL,
				currency       TEXT NOT NULL DEFAULT 'eur',
				customer_email TEXT NOT NULL,
				status         TEXT NOT NULL DEFAULT 'PENDING',
				created_at     DOUBLE PRECISION NOT NULL,
				paid_at        DOUBLE PRECISION,
				ticket_code    TEXT UNIQUE,
				got_goodie     BOOLEAN NOT NULL DEFAULT FALSE
			)`,
		)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "create orders schema", err)
		}
		return nil
	})
}

// InsertOrder persists a new order, mapping unique violations to
// ErrDuplicate.
func (p *PostgresStore) InsertOrder(ctx context.Context, o Order) error {
	return p.gate.Do(ctx, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO orders (
				id, ticket_ref, goodie_ref, try_goodie, cls, qty, amount,
				currency, customer_email, status, created_at, paid_at,
				ticket_code, got_goodie
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			o.ID, o.TicketRef, o.GoodieRef, o.TryGoodie, o.Class, o.Qty,
			o.Amount, o.Currency, o.CustomerEmail, o.Status, o.CreatedAt,
			nullFloat(o.PaidAt), nullString(o.TicketCode), o.GotGoodie,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
				return ErrDuplicate
			}
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "insert order", err)
		}
		return nil
	})
}

// GetOrder fetches an order by id.
func (p *PostgresStore) GetOrder(ctx context.Context, id string) (Order, error) {
	var o Order
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		row := p.db.QueryRowContext(ctx, `
			SELECT id, ticket_ref, goodie_ref, try_goodie, cls, qty, amount,
			       currency, customer_email, status, created_at,
			       COALESCE(paid_at, 0), COALESCE(ticket_code, ''), got_goodie
			FROM orders WHERE id = $1`, id,
		)
		err := scanOrder(row, &o)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get order", err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

// ListRecent returns the newest orders.
func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []Order
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, `
			SELECT id, ticket_ref, goodie_ref, try_goodie, cls, qty, amount,
			       currency, customer_email, status, created_at,
			       COALESCE(paid_at, 0), COALESCE(ticket_code, ''), got_goodie
			FROM orders ORDER BY created_at DESC LIMIT $1`, limit,
		)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "list orders", err)
		}
		defer rows.Close()

		for rows.Next() {
			var o Order
			if err := scanOrder(rows, &o); err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "scan order", err)
			}
			out = append(out, o)
		}
		if err := rows.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "iterate orders", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(r rowScanner, o *Order) error {
	return r.Scan(&o.ID, &o.TicketRef, &o.GoodieRef, &o.TryGoodie, &o.Class,
		&o.Qty, &o.Amount, &o.Currency, &o.CustomerEmail, &o.Status,
		&o.CreatedAt, &o.PaidAt, &o.TicketCode, &o.GotGoodie)
}

func nullFloat(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
