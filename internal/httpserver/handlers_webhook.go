package httpserver

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/tigerfans/server/internal/errors"
	"github.com/tigerfans/server/internal/logger"
	"github.com/tigerfans/server/internal/payment"
	"github.com/tigerfans/server/internal/paysession"
	"github.com/tigerfans/server/internal/storage"
	"github.com/tigerfans/server/pkg/responders"
)

// paymentsWebhook resolves a payment session. Shared by all providers: the
// adapter verifies and normalizes the delivery, then the outcome drives the
// ledger.
//
// Success: post the pending reservations (with a direct-booking fallback if
// the hold expired), then write the durable order. Failure/cancel: void the
// reservations. Every branch is idempotent; providers may redeliver at will.
func (h *handlers) paymentsWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logger.FromContext(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidBody, "unreadable body")
		return
	}

	event, err := h.provider.VerifyWebhook(payload, r.Header)
	if err != nil {
		log.Warn().Err(err).Msg("webhook.rejected")
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "webhook verification failed")
		return
	}

	if event.Kind == "" {
		// Provider event outside the checkout lifecycle; acknowledge.
		responders.JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "ignored": true})
		return
	}
	if event.PSID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "missing payment_session_id")
		return
	}

	// Reject unknown kinds before touching the fulfillment gate; a claimed
	// gate would block a later valid delivery for this session.
	switch event.Kind {
	case payment.KindSucceeded, payment.KindFailed, payment.KindCanceled:
	default:
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidKind, "invalid event kind")
		return
	}

	ps, found, err := h.sessions.Get(r.Context(), event.PSID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "session lookup failed")
		return
	}
	if !found {
		h.metrics.ObserveWebhook(event.Kind, "unknown_session", time.Since(start))
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSessionNotFound, "payment session not found")
		return
	}

	gate, err := h.sessions.FulfillAndMarkEvent(r.Context(), event.PSID, event.IdempotencyKey)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "fulfillment gate failed")
		return
	}
	if gate.AlreadyFulfilled || (gate.EventSeen != nil && *gate.EventSeen) {
		h.metrics.ObserveWebhook(event.Kind, "idempotent", time.Since(start))
		responders.JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "idempotent": true})
		return
	}

	switch event.Kind {
	case payment.KindSucceeded:
		h.fulfillOrder(w, r, event, ps, start)
	case payment.KindFailed, payment.KindCanceled:
		if err := h.ledger.VoidPair(r.Context(), ps.TicketRef, ps.GoodieRef, ps.Class, ps.Qty); err != nil {
			// The reservation TTL would reclaim the capacity eventually,
			// but a transient ledger failure still gets a retryable status.
			log.Error().Err(err).Str("psid", event.PSID).Msg("webhook.void_failed")
			h.metrics.ObserveWebhook(event.Kind, "error", time.Since(start))
			apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "void failed")
			return
		}
		if err := h.sessions.RemovePending(r.Context(), event.PSID); err != nil {
			log.Warn().Err(err).Str("psid", event.PSID).Msg("webhook.remove_pending_failed")
		}

		status := storage.StatusFailed
		if event.Kind == payment.KindCanceled {
			status = storage.StatusCanceled
		}
		log.Info().Str("psid", event.PSID).Str("order_id", ps.OrderID).Str("kind", event.Kind).Msg("webhook.voided")
		h.metrics.ObserveWebhook(event.Kind, "voided", time.Since(start))
		responders.JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "order_status": status})
	}
}

// fulfillOrder handles the success branch: commit reservations and persist
// the order.
func (h *handlers) fulfillOrder(w http.ResponseWriter, r *http.Request, event payment.Event, ps paysession.Session, start time.Time) {
	log := logger.FromContext(r.Context())

	ticketRef := ps.TicketRef
	goodieRef := ps.GoodieRef

	gotTicket, gotGoodie, err := h.ledger.CommitPair(r.Context(), ticketRef, goodieRef, ps.Class, ps.Qty, ps.TryGoodie)
	if err != nil {
		log.Error().Err(err).Str("psid", event.PSID).Msg("webhook.commit_failed")
		h.metrics.ObserveWebhook(event.Kind, "error", time.Since(start))
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "commit failed")
		return
	}

	// The hold can expire between payment and webhook. Late success still
	// deserves a ticket if any capacity remains.
	if !gotTicket {
		booked, err := h.ledger.BookPair(r.Context(), ps.Class, ps.Qty)
		if err != nil {
			log.Error().Err(err).Str("psid", event.PSID).Msg("webhook.late_book_failed")
		} else if booked.HasTicket {
			gotTicket = true
			gotGoodie = gotGoodie || booked.HasGoodie
			ticketRef = booked.TicketID
			goodieRef = booked.GoodieID
		}
	}

	status := storage.StatusPaidUnfulfilled
	ticketCode := ""
	if gotTicket {
		status = storage.StatusPaid
		ticketCode = newTicketCode()
	}

	now := float64(time.Now().UnixNano()) / 1e9
	err = h.orders.InsertOrder(r.Context(), storage.Order{
		ID:            ps.OrderID,
		TicketRef:     ticketRef,
		GoodieRef:     goodieRef,
		TryGoodie:     ps.TryGoodie,
		Class:         ps.Class,
		Qty:           ps.Qty,
		Amount:        ps.Amount,
		Currency:      ps.Currency,
		CustomerEmail: ps.CustomerEmail,
		Status:        status,
		CreatedAt:     now,
		PaidAt:        now,
		TicketCode:    ticketCode,
		GotGoodie:     gotGoodie,
	})
	if err != nil && err != storage.ErrDuplicate {
		log.Error().Err(err).Str("order_id", ps.OrderID).Msg("webhook.insert_order_failed")
		h.metrics.ObserveWebhook(event.Kind, "error", time.Since(start))
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "order write failed")
		return
	}
	// ErrDuplicate is an idempotent replay racing the first write.

	if err := h.sessions.RemovePending(r.Context(), event.PSID); err != nil {
		log.Warn().Err(err).Str("psid", event.PSID).Msg("webhook.remove_pending_failed")
	}

	log.Info().
		Str("order_id", ps.OrderID).
		Str("psid", event.PSID).
		Str("status", status).
		Bool("got_goodie", gotGoodie).
		Msg("webhook.fulfilled")
	h.metrics.ObserveWebhook(event.Kind, "fulfilled", time.Since(start))
	h.metrics.ObserveOrder(status)

	responders.JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "order_status": status})
}

// newTicketCode mints a short human-friendly ticket code.
func newTicketCode() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "TCK-ERR"
	}
	return "TCK-" + strings.ToUpper(hex.EncodeToString(b))
}
