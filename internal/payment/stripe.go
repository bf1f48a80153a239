package payment

import (
	"context"
	"encoding/json"
	"net/http"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	apperrors "github.com/tigerfans/server/internal/errors"
)

// Stripe implements the adapter on Stripe Checkout. The checkout session id
// doubles as our payment session id, and the Stripe event id is the
// idempotency key.
type Stripe struct {
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripe configures the Stripe provider. secretKey is the API key.
func NewStripe(secretKey, webhookSecret, successURL, cancelURL string) *Stripe {
	stripe.Key = secretKey
	return &Stripe{
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// NewSession creates a Stripe Checkout session for the order.
func (s *Stripe) NewSession(ctx context.Context, req SessionRequest) (SessionInfo, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		CustomerEmail:     stripe.String(req.CustomerEmail),
		ClientReferenceID: stripe.String(req.OrderID),
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Ticket class " + req.Class),
					},
				},
			},
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return SessionInfo{}, apperrors.Wrap(apperrors.ErrCodeProviderError, "create checkout session", err)
	}
	return SessionInfo{
		PaymentSessionID: sess.ID,
		RedirectURL:      sess.URL,
	}, nil
}

// VerifyWebhook validates the Stripe signature and maps the event.
// Event types outside the checkout lifecycle map to an empty Kind, which
// the webhook handler acknowledges without acting.
func (s *Stripe) VerifyWebhook(payload []byte, header http.Header) (Event, error) {
	evt, err := webhook.ConstructEvent(payload, header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		return Event{}, apperrors.Wrap(apperrors.ErrCodeInvalidSignature, "invalid signature", err)
	}

	var kind string
	switch evt.Type {
	case "checkout.session.completed":
		kind = KindSucceeded
	case "checkout.session.expired":
		kind = KindCanceled
	case "checkout.session.async_payment_failed":
		kind = KindFailed
	default:
		return Event{IdempotencyKey: evt.ID}, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return Event{}, apperrors.Wrap(apperrors.ErrCodeInvalidBody, "decode checkout session", err)
	}

	return Event{
		Kind:           kind,
		PSID:           sess.ID,
		OrderID:        sess.ClientReferenceID,
		IdempotencyKey: evt.ID,
	}, nil
}
