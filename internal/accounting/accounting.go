// Package accounting tracks ticket and goodie capacity with two-phase
// reservations: a hold claims capacity for a limited time, and is later
// either posted (sale final) or voided (capacity returned). Expired holds
// release their capacity without any cleanup pass.
package accounting

import (
	"context"
	"time"

	apperrors "github.com/tigerfans/server/internal/errors"
)

// Ticket classes offered for sale.
const (
	ClassA = "A"
	ClassB = "B"
)

// Resource names used by the SQL backend's capacity catalog.
const (
	ResClassA = "class_a"
	ResClassB = "class_b"
	ResGoodie = "goodie"
)

// ZeroID marks an absent transfer or hold reference.
const ZeroID = "0"

// Capacities holds the total sellable units per resource.
type Capacities struct {
	ClassA int64
	ClassB int64
	Goodie int64
}

// PairHold is the result of reserving a ticket together with its goodie.
// IDs are decimal strings naming the underlying ledger transfers; ZeroID
// when the corresponding reservation was not granted.
type PairHold struct {
	TicketID  string
	GoodieID  string
	HasTicket bool
	HasGoodie bool
}

// Inventory is a point-in-time capacity snapshot for one ticket class.
type Inventory struct {
	Capacity    int64     `json:"capacity"`
	Sold        int64     `json:"sold"`
	ActiveHolds int64     `json:"active_holds"`
	Available   int64     `json:"available"`
	SoldOut     bool      `json:"sold_out"`
	Timestamp   time.Time `json:"timestamp"`
}

// Ledger is the capacity accounting backend. Implementations must never
// allow posted plus live pending reservations to exceed capacity.
type Ledger interface {
	// Setup creates accounts or schema and seeds capacities. Idempotent.
	Setup(ctx context.Context) error

	// HoldPair places pending reservations for qty tickets of the given
	// class and one goodie, both expiring after ttl. Partial grants are
	// possible: ticket without goodie and vice versa.
	HoldPair(ctx context.Context, class string, qty int64, ttl time.Duration) (PairHold, error)

	// BookPair posts qty tickets and one goodie directly, with no pending
	// step. Used when payment already succeeded but the hold is gone.
	BookPair(ctx context.Context, class string, qty int64) (PairHold, error)

	// CommitPair posts the pending ticket reservation, and the goodie
	// reservation when tryGoodie is set. A reservation that expired or was
	// already resolved commits as false.
	CommitPair(ctx context.Context, ticketID, goodieID, class string, qty int64, tryGoodie bool) (gotTicket, gotGoodie bool, err error)

	// VoidPair cancels both pending reservations, best-effort.
	VoidPair(ctx context.Context, ticketID, goodieID, class string, qty int64) error

	// VoidGoodie cancels only the goodie reservation, best-effort. Used
	// when a ticket hold fails but the goodie hold succeeded.
	VoidGoodie(ctx context.Context, goodieID string) error

	// Inventory reports capacity snapshots keyed by ticket class.
	Inventory(ctx context.Context) (map[string]Inventory, error)

	// CountGoodies reports the number of goodies sold so far.
	CountGoodies(ctx context.Context) (int64, error)
}

// resourceForClass maps a ticket class to its SQL resource name.
func resourceForClass(class string) (string, error) {
	switch class {
	case ClassA:
		return ResClassA, nil
	case ClassB:
		return ResClassB, nil
	default:
		return "", apperrors.New(apperrors.ErrCodeInvalidClass, "unknown ticket class "+class)
	}
}

// capacityForClass returns the configured capacity for a ticket class.
func (c Capacities) capacityForClass(class string) int64 {
	if class == ClassB {
		return c.ClassB
	}
	return c.ClassA
}
