package handler

import (
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/velorex-orders/internal/domain/auth"
	"github.com/xenking/velorex-orders/internal/domain/coupon"
	"github.com/xenking/velorex-orders/internal/domain/order"
)

// statusFor maps a domain error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	var (
		ve  *order.ValidationError
		ite *order.IllegalTransitionError
		ise *order.InsufficientStockError
		moe *coupon.MinOrderError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.As(err, &ite):
		return http.StatusBadRequest, fmt.Sprintf("Cannot %s %s order", ite.Action, ite.Status)
	case errors.As(err, &ise):
		return http.StatusConflict, ise.Error()
	case errors.As(err, &moe):
		return http.StatusBadRequest, moe.Error()
	case errors.Is(err, order.ErrMissingUserID):
		return http.StatusBadRequest, order.ErrMissingUserID.Error()
	case errors.Is(err, order.ErrMissingPaymentMethod):
		return http.StatusBadRequest, order.ErrMissingPaymentMethod.Error()
	case errors.Is(err, order.ErrEmptyCart):
		return http.StatusBadRequest, order.ErrEmptyCart.Error()
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest, errBadBody.Error()
	case errors.Is(err, order.ErrItemNotFound):
		return http.StatusNotFound, "Order item not found"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "Order not found"
	case errors.Is(err, coupon.ErrInvalidCoupon), errors.Is(err, coupon.ErrCouponExpired):
		return http.StatusNotFound, "Invalid or expired coupon"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError renders err and logs it when it maps to a server error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeFailure(w, status, msg)
}
