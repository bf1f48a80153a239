package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tigerfans/server/internal/errors"
	"github.com/tigerfans/server/internal/logger"
	"github.com/tigerfans/server/internal/payment"
	"github.com/tigerfans/server/pkg/responders"
)

// mockpayScreen serves the data for the MockPay payment screen: the
// session summary plus the three outcomes the screen can emit.
func (h *handlers) mockpayScreen(w http.ResponseWriter, r *http.Request) {
	psid := chi.URLParam(r, "psid")

	ps, found, err := h.sessions.Get(r.Context(), psid)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "session lookup failed")
		return
	}
	if !found {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSessionNotFound, "payment session not found")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"psid":       psid,
		"order_id":   ps.OrderID,
		"cls":        ps.Class,
		"qty":        ps.Qty,
		"amount":     ps.Amount,
		"amount_eur": fmt.Sprintf("%.2f", float64(ps.Amount)/100),
		"currency":   ps.Currency,
		"outcomes":   []string{payment.KindSucceeded, payment.KindFailed, payment.KindCanceled},
	})
}

// mockpayEmit simulates the provider resolving the payment: it signs an
// event for the chosen outcome and delivers it to our webhook endpoint.
func (h *handlers) mockpayEmit(w http.ResponseWriter, r *http.Request) {
	psid := chi.URLParam(r, "psid")
	log := logger.FromContext(r.Context())

	kind := r.FormValue("t")
	switch kind {
	case payment.KindSucceeded, payment.KindFailed, payment.KindCanceled:
	default:
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidKind, "invalid kind")
		return
	}

	ps, found, err := h.sessions.Get(r.Context(), psid)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "session lookup failed")
		return
	}
	if !found {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSessionNotFound, "payment session not found")
		return
	}

	// Best-effort delivery: the screen can retry if the webhook endpoint
	// was unreachable.
	delivered := true
	if err := h.mockpay.Emit(r.Context(), kind, psid, ps.OrderID, ps.Amount, ps.Currency); err != nil {
		log.Warn().Err(err).Str("psid", psid).Msg("mockpay.delivery_failed")
		delivered = false
	}

	redirect := "/demo/checkout?status=" + kind + "&order_id=" + ps.OrderID
	if kind == payment.KindSucceeded {
		redirect = "/demo/success?order_id=" + ps.OrderID
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"delivered": delivered,
		"redirect":  redirect,
	})
}
