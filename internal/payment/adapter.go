// Package payment abstracts the payment provider behind a small adapter:
// create a session at checkout, verify and decode webhook events when the
// payment resolves. MockPay is the built-in provider for demos and load
// tests; Stripe is the real one.
package payment

import (
	"context"
	"net/http"
)

// Event kinds, normalized across providers.
const (
	KindSucceeded = "succeeded"
	KindFailed    = "failed"
	KindCanceled  = "canceled"
)

// SessionRequest carries the order data a provider may need to create a
// payment session.
type SessionRequest struct {
	OrderID       string
	Class         string
	Amount        int64 // cents
	Currency      string
	CustomerEmail string
}

// SessionInfo identifies a created payment session and where to send the
// customer.
type SessionInfo struct {
	PaymentSessionID string
	RedirectURL      string
}

// Event is a verified, provider-neutral webhook event.
type Event struct {
	Kind           string // succeeded | failed | canceled, or "" if unhandled
	PSID           string
	OrderID        string
	IdempotencyKey string
}

// Adapter is the payment provider interface.
type Adapter interface {
	// NewSession creates a payment session for the order.
	NewSession(ctx context.Context, req SessionRequest) (SessionInfo, error)

	// VerifyWebhook authenticates a webhook delivery and decodes it into
	// a normalized Event. Returns an error for bad signatures or bodies.
	VerifyWebhook(payload []byte, header http.Header) (Event, error)
}
