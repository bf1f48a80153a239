// Package storage persists finalized orders. Orders are written exactly
// once, when the payment webhook resolves; a unique constraint on the
// ticket reservation catches concurrent duplicate webhook deliveries.
package storage

import (
	"context"
	"errors"
)

// Order statuses.
const (
	StatusPending         = "PENDING"
	StatusPaid            = "PAID"
	StatusPaidUnfulfilled = "PAID_UNFULFILLED"
	StatusFailed          = "FAILED"
	StatusCanceled        = "CANCELED"
	StatusRefunded        = "REFUNDED"
)

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = errors.New("order not found")

// ErrDuplicate is returned when an insert collides with an existing order
// id, ticket reference, or ticket code. Webhook handling treats this as an
// idempotent replay.
var ErrDuplicate = errors.New("duplicate order")

// Order is a durable record of a resolved sale.
type Order struct {
	ID            string  `json:"id" bson:"_id"`
	TicketRef     string  `json:"-" bson:"ticket_ref"`
	GoodieRef     string  `json:"-" bson:"goodie_ref"`
	TryGoodie     bool    `json:"-" bson:"try_goodie"`
	Class         string  `json:"cls" bson:"cls"`
	Qty           int64   `json:"qty" bson:"qty"`
	Amount        int64   `json:"amount" bson:"amount"`
	Currency      string  `json:"currency" bson:"currency"`
	CustomerEmail string  `json:"customer_email" bson:"customer_email"`
	Status        string  `json:"status" bson:"status"`
	CreatedAt     float64 `json:"created_at" bson:"created_at"`
	PaidAt        float64 `json:"paid_at,omitempty" bson:"paid_at,omitempty"`
	TicketCode    string  `json:"ticket_code,omitempty" bson:"ticket_code,omitempty"`
	GotGoodie     bool    `json:"got_goodie" bson:"got_goodie"`
}

// Store is the durable order backend.
type Store interface {
	// InsertOrder persists a new order. Returns ErrDuplicate when the id,
	// ticket reference, or ticket code already exists.
	InsertOrder(ctx context.Context, o Order) error

	// GetOrder fetches an order by id. Returns ErrNotFound when missing.
	GetOrder(ctx context.Context, id string) (Order, error)

	// ListRecent returns the newest orders, most recent first.
	ListRecent(ctx context.Context, limit int) ([]Order, error)
}
