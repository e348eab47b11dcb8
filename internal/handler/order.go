package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/velorex-orders/internal/domain/auth"
	"github.com/xenking/velorex-orders/internal/domain/order"
)

// PlaceOrder handles POST /orders/create.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodePlaceOrder(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// A missing userId is a 400 from the service, not a 403.
	if req.UserID != "" && !callerMatches(r, req.UserID) {
		writeError(w, r, order.ErrForbidden)
		return
	}

	res, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, "Orders created successfully", func(e *jx.Encoder) {
		e.FieldStart("orderIds")
		e.ArrStart()
		for _, id := range res.OrderIDs {
			e.Int64(id)
		}
		e.ArrEnd()
	})
}

// ListUserOrders handles GET /orders/user/{userId}.
func (h *Handler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !callerMatches(r, userID) {
		writeError(w, r, order.ErrForbidden)
		return
	}
	orders, err := h.orders.ListUserOrders(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrders(w, orders)
}

// GetUserOrder handles GET /orders/user/order/{orderId}.
func (h *Handler) GetUserOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.GetOrder(r.Context(), id, callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, o)
}

// CancelOrder handles PUT /orders/{orderId}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.CancelOrder(r.Context(), order.CancelRequest{OrderID: id, UserID: callerID(r)})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, fmt.Sprintf("Order #%d cancelled successfully", o.ID), nil)
}

// RateItem handles PUT /orders/item/{orderItemId}/rate.
func (h *Handler) RateItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderItemId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rating, err := decodeRating(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.orders.RateItem(r.Context(), order.RateRequest{
		ItemID: id,
		UserID: callerID(r),
		Rating: rating,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "Rating saved", nil)
}

// ListOrders handles the admin GET /orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListOrders(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrders(w, orders)
}

// GetAdminOrder handles GET /orders/admin/{orderId}.
func (h *Handler) GetAdminOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.GetOrder(r.Context(), id, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, o)
}

// UpdateItem handles the admin PUT /orders/item/{orderItemId}/update.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderItemId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	upd, err := decodeItemUpdate(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	it, err := h.orders.UpdateItem(r.Context(), id, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if key, ok := auth.APIKeyFrom(r.Context()); ok {
		zctx.From(r.Context()).Info("Order item updated",
			zap.Int64("order_item_id", it.ID),
			zap.String("status", string(it.Status)),
			zap.String("updated_by", key.Name),
		)
	}
	writeSuccess(w, "Item updated", func(e *jx.Encoder) {
		e.FieldStart("updated")
		encodeItem(e, it)
	})
}

func writeOrders(w http.ResponseWriter, orders []order.Order) {
	writeSuccess(w, "", func(e *jx.Encoder) {
		e.FieldStart("data")
		e.ArrStart()
		for i := range orders {
			encodeOrder(e, &orders[i])
		}
		e.ArrEnd()
	})
}

func writeOrder(w http.ResponseWriter, o *order.Order) {
	writeSuccess(w, "", func(e *jx.Encoder) {
		e.FieldStart("data")
		encodeOrder(e, o)
	})
}
