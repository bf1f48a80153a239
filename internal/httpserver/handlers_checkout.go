package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/tigerfans/server/internal/errors"
	"github.com/tigerfans/server/internal/logger"
	"github.com/tigerfans/server/internal/payment"
	"github.com/tigerfans/server/internal/paysession"
	"github.com/tigerfans/server/pkg/responders"
)

type checkoutRequest struct {
	Class         string `json:"cls"`
	CustomerEmail string `json:"customer_email"`
}

type checkoutResponse struct {
	OrderID     string `json:"order_id"`
	RedirectURL string `json:"redirect_url"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// createCheckout reserves capacity and opens a payment session.
//
// The reservation is the only synchronous ledger work on this path: the
// durable order row is written later by the webhook, so checkout stays on
// the hot path's fast side.
func (h *handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logger.FromContext(r.Context())

	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidBody, "invalid JSON body")
		return
	}

	email := strings.TrimSpace(req.CustomerEmail)
	if !emailPattern.MatchString(email) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidEmail,
			"customer_email is required and must be a valid email address")
		return
	}

	price, ok := h.priceFor(req.Class)
	if !ok {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidClass, "invalid ticket class")
		return
	}

	// Single-ticket policy.
	const qty = 1

	hold, err := h.ledger.HoldPair(r.Context(), req.Class, qty, h.cfg.Sessions.ReservationTTL.Duration)
	if err != nil {
		log.Error().Err(err).Str("cls", req.Class).Msg("checkout.hold_failed")
		h.metrics.ObserveCheckout(req.Class, "error", time.Since(start))
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "reservation failed")
		return
	}

	if !hold.HasTicket {
		if hold.HasGoodie {
			// Release the goodie now instead of letting it time out.
			if err := h.ledger.VoidGoodie(r.Context(), hold.GoodieID); err != nil {
				log.Warn().Err(err).Msg("checkout.goodie_void_failed")
			}
		}
		h.metrics.ObserveCheckout(req.Class, "sold_out", time.Since(start))
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSoldOut, "sold out")
		return
	}

	amount := price * qty
	orderID := strings.ReplaceAll(uuid.NewString(), "-", "")
	currency := h.cfg.Tickets.Currency

	session, err := h.provider.NewSession(r.Context(), payment.SessionRequest{
		OrderID:       orderID,
		Class:         req.Class,
		Amount:        amount,
		Currency:      currency,
		CustomerEmail: email,
	})
	if err != nil {
		log.Error().Err(err).Msg("checkout.session_failed")
		h.metrics.ObserveCheckout(req.Class, "error", time.Since(start))
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "payment session failed")
		return
	}

	err = h.sessions.Save(r.Context(), session.PaymentSessionID, paysession.Session{
		OrderID:       orderID,
		Class:         req.Class,
		Qty:           qty,
		CustomerEmail: email,
		Amount:        amount,
		Currency:      currency,
		TryGoodie:     hold.HasGoodie,
		TicketRef:     hold.TicketID,
		GoodieRef:     hold.GoodieID,
		CreatedAt:     float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		log.Error().Err(err).Str("psid", session.PaymentSessionID).Msg("checkout.save_session_failed")
		h.metrics.ObserveCheckout(req.Class, "error", time.Since(start))
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "could not persist payment session")
		return
	}

	log.Info().
		Str("order_id", orderID).
		Str("psid", session.PaymentSessionID).
		Str("cls", req.Class).
		Bool("try_goodie", hold.HasGoodie).
		Msg("checkout.reserved")
	h.metrics.ObserveCheckout(req.Class, "reserved", time.Since(start))

	responders.JSON(w, http.StatusOK, checkoutResponse{
		OrderID:     orderID,
		RedirectURL: session.RedirectURL,
		Amount:      amount,
		Currency:    currency,
	})
}

// priceFor returns the price in cents for a ticket class.
func (h *handlers) priceFor(class string) (int64, bool) {
	switch class {
	case "A":
		return h.cfg.Tickets.PriceA, true
	case "B":
		return h.cfg.Tickets.PriceB, true
	default:
		return 0, false
	}
}
