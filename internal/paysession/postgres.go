package paysession

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/tigerfans/server/internal/dbgate"
	apperrors "github.com/tigerfans/server/internal/errors"
)

// PostgresStore keeps sessions in SQL, for deployments that want a single
// stateful dependency. The pending index and the two gate tables mirror the
// Redis layout; TTL becomes an expires_at column checked on read.
type PostgresStore struct {
	db   *sql.DB
	gate *dbgate.Gate
	ttl  time.Duration
}

// NewPostgresStore creates a session store on a shared pool.
func NewPostgresStore(db *sql.DB, gate *dbgate.Gate, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, gate: gate, ttl: ttl}
}

// Setup creates the session tables. Idempotent.
func (p *PostgresStore) Setup(ctx context.Context) error {
	return p.gate.Do(ctx, func(ctx context.Context) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS payment_sessions_hot (
				psid           TEXT PRIMARY KEY,
				order_id       TEXT NOT NULL,
				cls            TEXT NOT NULL,
				qty            BIGINT NOT NULL,
				amount         BIGINT NOT NULL,
				currency       TEXT NOT NULL,
				customer_email TEXT NOT NULL,
				try_goodie     BOOLEAN NOT NULL,
				ticket_ref     TEXT,
				goodie_ref     TEXT,
				created_at     DOUBLE PRECISION NOT NULL,
				expires_at     DOUBLE PRECISION NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS payment_sessions_pending (
				psid       TEXT PRIMARY KEY,
				created_at DOUBLE PRECISION NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS fulfillment_gates (
				psid       TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS idempotency_keys (
				key        TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ps_hot_created_at
				ON payment_sessions_hot (created_at DESC)`,
		}
		for _, stmt := range stmts {
			if _, err := p.db.ExecContext(ctx, stmt); err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "create session schema", err)
			}
		}
		return nil
	})
}

// Save upserts the session and its pending index entry in one transaction.
func (p *PostgresStore) Save(ctx context.Context, psid string, s Session) error {
	expiresAt := s.CreatedAt + p.ttl.Seconds() + 60

	return p.gate.Do(ctx, func(ctx context.Context) error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO payment_sessions_hot (
					psid, order_id, cls, qty, amount, currency, customer_email,
					try_goodie, ticket_ref, goodie_ref, created_at, expires_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
				ON CONFLICT (psid) DO UPDATE SET
					order_id=EXCLUDED.order_id, cls=EXCLUDED.cls,
					qty=EXCLUDED.qty, amount=EXCLUDED.amount,
					currency=EXCLUDED.currency,
					customer_email=EXCLUDED.customer_email,
					try_goodie=EXCLUDED.try_goodie,
					ticket_ref=EXCLUDED.ticket_ref,
					goodie_ref=EXCLUDED.goodie_ref,
					created_at=EXCLUDED.created_at,
					expires_at=EXCLUDED.expires_at`,
				psid, s.OrderID, s.Class, s.Qty, s.Amount, s.Currency,
				s.CustomerEmail, s.TryGoodie, s.TicketRef, s.GoodieRef,
				s.CreatedAt, expiresAt,
			)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "save payment session", err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO payment_sessions_pending (psid, created_at)
				VALUES ($1, $2)
				ON CONFLICT (psid) DO UPDATE SET created_at=EXCLUDED.created_at`,
				psid, s.CreatedAt,
			)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "index pending session", err)
			}
			return nil
		})
	})
}

// Get fetches a live session. Expired sessions are treated as missing, to
// match the Redis backend where the hash TTL has lapsed.
func (p *PostgresStore) Get(ctx context.Context, psid string) (Session, bool, error) {
	var (
		s     Session
		found bool
	)
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		row := p.db.QueryRowContext(ctx, `
			SELECT order_id, cls, qty, amount, currency, customer_email,
			       try_goodie, COALESCE(ticket_ref, ''), COALESCE(goodie_ref, ''),
			       created_at
			FROM payment_sessions_hot
			WHERE psid = $1 AND expires_at > $2`,
			psid, nowSeconds(),
		)
		err := row.Scan(&s.OrderID, &s.Class, &s.Qty, &s.Amount, &s.Currency,
			&s.CustomerEmail, &s.TryGoodie, &s.TicketRef, &s.GoodieRef,
			&s.CreatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get payment session", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	return s, found, nil
}

// RemovePending drops the pending index entry.
func (p *PostgresStore) RemovePending(ctx context.Context, psid string) error {
	return p.gate.Do(ctx, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM payment_sessions_pending WHERE psid = $1`, psid)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "remove pending session", err)
		}
		return nil
	})
}

// FulfillAndMarkEvent claims the gate row and, when newly claimed, the
// idempotency key, both inside a single transaction.
func (p *PostgresStore) FulfillAndMarkEvent(ctx context.Context, psid, eventID string) (FulfillResult, error) {
	var out FulfillResult
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			var claimed string
			err := tx.QueryRowContext(ctx, `
				INSERT INTO fulfillment_gates (psid) VALUES ($1)
				ON CONFLICT (psid) DO NOTHING
				RETURNING psid`, psid,
			).Scan(&claimed)
			if err == sql.ErrNoRows {
				out.AlreadyFulfilled = true
				return nil
			}
			if err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "fulfill gate", err)
			}

			if eventID == "" {
				return nil
			}

			var key string
			err = tx.QueryRowContext(ctx, `
				INSERT INTO idempotency_keys (key) VALUES ($1)
				ON CONFLICT (key) DO NOTHING
				RETURNING key`, eventID,
			).Scan(&key)
			seen := err == sql.ErrNoRows
			if err != nil && err != sql.ErrNoRows {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "mark event seen", err)
			}
			out.EventSeen = &seen
			return nil
		})
	})
	if err != nil {
		return FulfillResult{}, err
	}
	return out, nil
}

// RecentPending lists newest pending sessions, cleaning up index entries
// whose hot row is gone.
func (p *PostgresStore) RecentPending(ctx context.Context, limit int) (int64, []PendingItem, error) {
	if limit <= 0 {
		limit = 200
	}

	var (
		total int64
		items []PendingItem
	)
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM payment_sessions_pending`,
			).Scan(&total); err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "count pending", err)
			}

			rows, err := tx.QueryContext(ctx, `
				SELECT p.psid, h.created_at, h.order_id, h.cls, h.qty,
				       h.amount, h.currency, h.customer_email, h.try_goodie
				FROM payment_sessions_pending AS p
				LEFT JOIN payment_sessions_hot AS h ON h.psid = p.psid
				ORDER BY p.created_at DESC
				LIMIT $1`, limit,
			)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "list pending", err)
			}
			defer rows.Close()

			now := nowSeconds()
			var dangling []string
			for rows.Next() {
				var (
					psid      string
					createdAt sql.NullFloat64
					orderID   sql.NullString
					class     sql.NullString
					qty       sql.NullInt64
					amount    sql.NullInt64
					currency  sql.NullString
					email     sql.NullString
					tryGoodie sql.NullBool
				)
				if err := rows.Scan(&psid, &createdAt, &orderID, &class, &qty,
					&amount, &currency, &email, &tryGoodie); err != nil {
					return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "scan pending", err)
				}
				if !createdAt.Valid {
					dangling = append(dangling, psid)
					continue
				}
				items = append(items, pendingItem(psid, Session{
					OrderID:       orderID.String,
					Class:         class.String,
					Qty:           maxInt64(qty.Int64, 1),
					CustomerEmail: email.String,
					Amount:        amount.Int64,
					Currency:      currency.String,
					TryGoodie:     tryGoodie.Bool,
					CreatedAt:     createdAt.Float64,
				}, now))
			}
			if err := rows.Err(); err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "iterate pending", err)
			}

			if len(dangling) > 0 {
				if _, err := tx.ExecContext(ctx, `
					DELETE FROM payment_sessions_pending
					WHERE psid = ANY($1)`, pq.Array(dangling),
				); err != nil {
					return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "cleanup dangling pending", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, nil, err
	}
	return total, items, nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "begin tx", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "commit tx", err)
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
