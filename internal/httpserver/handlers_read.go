package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tigerfans/server/internal/errors"
	"github.com/tigerfans/server/internal/storage"
	"github.com/tigerfans/server/pkg/responders"
)

// getOrder serves order status for the success page's polling loop.
// 404 means the webhook has not landed yet; clients keep polling.
func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err == storage.ErrNotFound {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeOrderNotFound, "order not found")
		return
	}
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "order lookup failed")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"order_id":    order.ID,
		"status":      order.Status,
		"cls":         order.Class,
		"qty":         order.Qty,
		"amount":      order.Amount,
		"currency":    order.Currency,
		"paid_at":     isoTime(order.PaidAt),
		"ticket_code": order.TicketCode,
		"got_goodie":  order.GotGoodie,
	})
}

// getInventory serves the live capacity snapshot.
func (h *handlers) getInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ledger.Inventory(r.Context())
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "inventory unavailable")
		return
	}
	responders.JSON(w, http.StatusOK, inv)
}

// listPending serves the live pending-sessions feed.
func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 500)

	total, items, err := h.sessions.RecentPending(r.Context(), limit)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "pending feed unavailable")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"items":   items,
		"enabled": true,
		"limit":   limit,
		"total":   total,
	})
}
