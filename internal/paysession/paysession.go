// Package paysession stores short-lived payment session state between
// checkout and webhook, together with the fulfillment gate and webhook
// idempotency keys that make webhook processing exactly-once.
package paysession

import "context"

// Session is the hot reservation metadata saved at checkout. TicketRef and
// GoodieRef name the ledger reservations (transfer or hold IDs) to commit
// or void when the payment resolves.
type Session struct {
	OrderID       string
	Class         string
	Qty           int64
	CustomerEmail string
	Amount        int64
	Currency      string
	TryGoodie     bool
	TicketRef     string
	GoodieRef     string
	CreatedAt     float64 // epoch seconds
}

// FulfillResult reports the outcome of FulfillAndMarkEvent.
//
// EventSeen is nil when the event ID was empty or the gate short-circuited
// before the idempotency key was checked.
type FulfillResult struct {
	AlreadyFulfilled bool
	EventSeen        *bool
}

// PendingItem is one row of the admin pending-sessions view.
type PendingItem struct {
	PSID      string  `json:"psid"`
	CreatedAt float64 `json:"created_at"`
	AgeMS     int64   `json:"age_ms"`
	OrderID   string  `json:"order_id"`
	Class     string  `json:"cls"`
	Qty       int64   `json:"qty"`
	Email     string  `json:"email"`
	Amount    int64   `json:"amount"`
	Currency  string  `json:"currency"`
	TryGoodie bool    `json:"try_goodie"`
	Status    string  `json:"status"`
}

// Store is the payment session backend.
type Store interface {
	// Save persists the session under psid and indexes it as pending.
	// Overwrites any previous session with the same psid.
	Save(ctx context.Context, psid string, s Session) error

	// Get fetches a session. found is false when the session never existed
	// or already expired.
	Get(ctx context.Context, psid string) (s Session, found bool, err error)

	// RemovePending drops the session from the pending index and deletes
	// its stored state.
	RemovePending(ctx context.Context, psid string) error

	// FulfillAndMarkEvent atomically claims the per-session fulfillment
	// gate and, when newly claimed and eventID is non-empty, records the
	// event's idempotency key.
	FulfillAndMarkEvent(ctx context.Context, psid, eventID string) (FulfillResult, error)

	// RecentPending lists the newest pending sessions plus the total
	// pending count.
	RecentPending(ctx context.Context, limit int) (total int64, items []PendingItem, err error)
}
