package httpserver

import (
	"net/http"

	apperrors "github.com/tigerfans/server/internal/errors"
	"github.com/tigerfans/server/pkg/responders"
)

// adminGoodies serves the goodie counter.
func (h *handlers) adminGoodies(w http.ResponseWriter, r *http.Request) {
	used, err := h.ledger.CountGoodies(r.Context())
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "goodie count unavailable")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]int64{
		"used":  used,
		"limit": h.cfg.Tickets.GoodieLimit,
	})
}

// adminOrders serves the newest orders.
func (h *handlers) adminOrders(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 200, 500)

	orders, err := h.orders.ListRecent(r.Context(), limit)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), "order list unavailable")
		return
	}

	items := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		items = append(items, map[string]interface{}{
			"id":          o.ID,
			"status":      o.Status,
			"cls":         o.Class,
			"qty":         o.Qty,
			"amount":      o.Amount,
			"currency":    o.Currency,
			"paid_at_iso": isoTime(o.PaidAt),
			"got_goodie":  o.GotGoodie,
			"ticket_code": o.TicketCode,
			"email":       o.CustomerEmail,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"limit": limit,
	})
}
