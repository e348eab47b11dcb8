package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/velorex-orders/internal/domain/order"
)

// ListCoupons handles GET /coupons.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.coupons.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "", func(e *jx.Encoder) {
		e.FieldStart("data")
		e.ArrStart()
		for i := range coupons {
			encodeCoupon(e, &coupons[i])
		}
		e.ArrEnd()
	})
}

// ApplyCoupon handles GET /coupons/apply/{code}?subtotal=.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	subtotal := decimal.Zero
	if raw := strings.TrimSpace(r.URL.Query().Get("subtotal")); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			writeError(w, r, &order.ValidationError{Field: "subtotal", Reason: "must be a non-negative number"})
			return
		}
		subtotal = v
	}

	applied, err := h.coupons.Apply(r.Context(), chi.URLParam(r, "code"), subtotal)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, "Coupon applied", func(e *jx.Encoder) {
		e.FieldStart("coupon")
		encodeCoupon(e, &applied.Coupon)
		e.FieldStart("discountAmount")
		encodeDecimal(e, applied.DiscountAmount)
	})
}
