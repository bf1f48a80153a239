package accounting

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tigerfans/server/internal/dbgate"
	apperrors "github.com/tigerfans/server/internal/errors"
)

// Hold statuses.
const (
	holdPending = "pending"
	holdPosted  = "posted"
	holdVoided  = "voided"
)

// Postgres is the Ledger implemented on plain SQL, mirroring the cluster
// backend's semantics: pending holds with an expiry, conditional post and
// void. Expiry is enforced by predicate ("AND expires_at > now"), never by
// a background sweeper, so an expired hold stops counting the moment it
// expires. All statements run through the database gate.
type Postgres struct {
	db   *sql.DB
	gate *dbgate.Gate
	caps Capacities
}

// NewPostgres creates the SQL accounting backend on a shared pool.
func NewPostgres(db *sql.DB, gate *dbgate.Gate, caps Capacities) *Postgres {
	return &Postgres{db: db, gate: gate, caps: caps}
}

// Setup creates the schema and seeds capacity rows. Idempotent.
func (p *Postgres) Setup(ctx context.Context) error {
	return p.gate.Do(ctx, func(ctx context.Context) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS resources (
				name     TEXT PRIMARY KEY,
				capacity BIGINT NOT NULL CHECK (capacity >= 0)
			)`,
			`CREATE TABLE IF NOT EXISTS holds (
				id         TEXT PRIMARY KEY,
				resource   TEXT NOT NULL REFERENCES resources(name) ON DELETE RESTRICT,
				qty        BIGINT NOT NULL CHECK (qty > 0),
				status     TEXT NOT NULL CHECK (status IN ('pending','posted','voided')),
				expires_at DOUBLE PRECISION,
				created_at DOUBLE PRECISION NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS holds_resource_status_idx
				ON holds(resource, status)`,
			`CREATE INDEX IF NOT EXISTS holds_pending_notexpired_idx
				ON holds(resource, status, expires_at)
				WHERE status = 'pending'`,
		}
		for _, stmt := range stmts {
			if _, err := p.db.ExecContext(ctx, stmt); err != nil {
				return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "create accounting schema", err)
			}
		}

		_, err := p.db.ExecContext(ctx, `
			INSERT INTO resources (name, capacity) VALUES
				($1, $2), ($3, $4), ($5, $6)
			ON CONFLICT (name) DO NOTHING`,
			ResClassA, p.caps.ClassA,
			ResClassB, p.caps.ClassB,
			ResGoodie, p.caps.Goodie,
		)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "seed resources", err)
		}
		return nil
	})
}

// lockedAvailable computes remaining capacity for a resource while holding
// its catalog row lock. Callers inserting holds must go through this so
// concurrent reservations of the same resource serialize; plain SUM plus
// INSERT under read-committed would oversell.
func lockedAvailable(ctx context.Context, tx *sql.Tx, resource string, now float64) (int64, error) {
	var capacity int64
	err := tx.QueryRowContext(ctx,
		`SELECT capacity FROM resources WHERE name = $1 FOR UPDATE`, resource,
	).Scan(&capacity)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "lock resource "+resource, err)
	}

	sold, held, err := resourceUsage(ctx, tx, resource, now)
	if err != nil {
		return 0, err
	}
	return capacity - sold - held, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// resourceUsage returns (sold, held) for a resource. Expired pendings are
// excluded by predicate.
func resourceUsage(ctx context.Context, q queryer, resource string, now float64) (int64, int64, error) {
	var sold int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM holds
		WHERE resource = $1 AND status = 'posted'`, resource,
	).Scan(&sold)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "sum posted "+resource, err)
	}

	var held int64
	err = q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM holds
		WHERE resource = $1 AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > $2)`, resource, now,
	).Scan(&held)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "sum pending "+resource, err)
	}
	return sold, held, nil
}

// insertHold inserts a hold row if capacity remains. Returns ZeroID when
// the resource is exhausted.
func insertHold(ctx context.Context, tx *sql.Tx, resource string, qty int64, status string, expiresAt *float64, now float64) (string, error) {
	available, err := lockedAvailable(ctx, tx, resource, now)
	if err != nil {
		return ZeroID, err
	}
	if available < qty {
		return ZeroID, nil
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO holds (id, resource, qty, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, resource, qty, status, expiresAt, now,
	)
	if err != nil {
		return ZeroID, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "insert hold", err)
	}
	return id, nil
}

// HoldPair reserves qty tickets and one goodie as pending holds in a single
// transaction.
func (p *Postgres) HoldPair(ctx context.Context, class string, qty int64, ttl time.Duration) (PairHold, error) {
	resource, err := resourceForClass(class)
	if err != nil {
		return PairHold{}, err
	}

	now := nowSeconds()
	var expiresAt *float64
	if ttl > 0 {
		e := now + ttl.Seconds()
		expiresAt = &e
	}

	var hold PairHold
	err = p.gate.Do(ctx, func(ctx context.Context) error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			ticketID, err := insertHold(ctx, tx, resource, qty, holdPending, expiresAt, now)
			if err != nil {
				return err
			}
			goodieID, err := insertHold(ctx, tx, ResGoodie, 1, holdPending, expiresAt, now)
			if err != nil {
				return err
			}
			hold = PairHold{
				TicketID:  ticketID,
				GoodieID:  goodieID,
				HasTicket: ticketID != ZeroID,
				HasGoodie: goodieID != ZeroID,
			}
			return nil
		})
	})
	if err != nil {
		return PairHold{}, err
	}
	return hold, nil
}

// BookPair posts qty tickets and one goodie directly, no pending step.
func (p *Postgres) BookPair(ctx context.Context, class string, qty int64) (PairHold, error) {
	resource, err := resourceForClass(class)
	if err != nil {
		return PairHold{}, err
	}

	now := nowSeconds()
	var hold PairHold
	err = p.gate.Do(ctx, func(ctx context.Context) error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			ticketID, err := insertHold(ctx, tx, resource, qty, holdPosted, nil, now)
			if err != nil {
				return err
			}
			goodieID, err := insertHold(ctx, tx, ResGoodie, 1, holdPosted, nil, now)
			if err != nil {
				return err
			}
			hold = PairHold{
				TicketID:  ticketID,
				GoodieID:  goodieID,
				HasTicket: ticketID != ZeroID,
				HasGoodie: goodieID != ZeroID,
			}
			return nil
		})
	})
	if err != nil {
		return PairHold{}, err
	}
	return hold, nil
}

// postHold flips one pending hold to posted, if still pending and unexpired.
func postHold(ctx context.Context, tx *sql.Tx, id string, now float64) (bool, error) {
	var posted string
	err := tx.QueryRowContext(ctx, `
		UPDATE holds
		SET status = 'posted', expires_at = NULL
		WHERE id = $1
		  AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING id`, id, now,
	).Scan(&posted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "post hold", err)
	}
	return true, nil
}

// CommitPair posts the pending holds. A hold that expired or was already
// resolved simply commits as false.
func (p *Postgres) CommitPair(ctx context.Context, ticketID, goodieID, class string, qty int64, tryGoodie bool) (bool, bool, error) {
	if _, err := resourceForClass(class); err != nil {
		return false, false, err
	}

	now := nowSeconds()
	var gotTicket, gotGoodie bool
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			if ticketID != ZeroID {
				gotTicket, err = postHold(ctx, tx, ticketID, now)
				if err != nil {
					return err
				}
			}
			if tryGoodie && goodieID != ZeroID {
				gotGoodie, err = postHold(ctx, tx, goodieID, now)
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return false, false, err
	}
	return gotTicket, gotGoodie, nil
}

// voidHolds flips pending holds to voided, best-effort.
func (p *Postgres) voidHolds(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := nowSeconds()
	return p.gate.Do(ctx, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			UPDATE holds
			SET status = 'voided'
			WHERE id = ANY($1)
			  AND status = 'pending'
			  AND (expires_at IS NULL OR expires_at > $2)`,
			pq.Array(ids), now,
		)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "void holds", err)
		}
		return nil
	})
}

// VoidPair cancels both pending holds.
func (p *Postgres) VoidPair(ctx context.Context, ticketID, goodieID, class string, qty int64) error {
	if _, err := resourceForClass(class); err != nil {
		return err
	}
	var ids []string
	if ticketID != ZeroID {
		ids = append(ids, ticketID)
	}
	if goodieID != ZeroID {
		ids = append(ids, goodieID)
	}
	return p.voidHolds(ctx, ids)
}

// VoidGoodie cancels only the goodie hold.
func (p *Postgres) VoidGoodie(ctx context.Context, goodieID string) error {
	if goodieID == ZeroID {
		return nil
	}
	return p.voidHolds(ctx, []string{goodieID})
}

// Inventory reports capacity snapshots per ticket class.
func (p *Postgres) Inventory(ctx context.Context) (map[string]Inventory, error) {
	now := nowSeconds()
	out := make(map[string]Inventory, 2)

	err := p.gate.Do(ctx, func(ctx context.Context) error {
		for _, entry := range []struct {
			class    string
			resource string
			capacity int64
		}{
			{ClassA, ResClassA, p.caps.ClassA},
			{ClassB, ResClassB, p.caps.ClassB},
		} {
			sold, held, err := resourceUsage(ctx, p.db, entry.resource, now)
			if err != nil {
				return err
			}
			available := entry.capacity - sold - held
			out[entry.class] = Inventory{
				Capacity:    entry.capacity,
				Sold:        sold,
				ActiveHolds: held,
				Available:   available,
				SoldOut:     available <= 0,
				Timestamp:   time.Now().UTC(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountGoodies reports posted goodie sales.
func (p *Postgres) CountGoodies(ctx context.Context) (int64, error) {
	var posted int64
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		return p.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(qty), 0) FROM holds
			WHERE resource = $1 AND status = 'posted'`, ResGoodie,
		).Scan(&posted)
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "count goodies", err)
	}
	return posted, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
