// Package handler exposes the order and coupon services over HTTP.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/velorex-orders/internal/domain/coupon"
	"github.com/xenking/velorex-orders/internal/domain/order"
)

// OrderService is the order workflow used by the handlers.
type OrderService interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, req order.CancelRequest) (*order.Order, error)
	UpdateItem(ctx context.Context, itemID int64, upd order.ItemUpdate) (*order.Item, error)
	RateItem(ctx context.Context, req order.RateRequest) error
	GetOrder(ctx context.Context, orderID int64, userID string) (*order.Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]order.Order, error)
	ListOrders(ctx context.Context) ([]order.Order, error)
}

// CouponService lists and applies coupons.
type CouponService interface {
	List(ctx context.Context) ([]coupon.Coupon, error)
	Apply(ctx context.Context, code string, subtotal decimal.Decimal) (*coupon.Applied, error)
}

var (
	_ OrderService  = (*order.Service)(nil)
	_ CouponService = (*coupon.Resolver)(nil)
)

// Handler serves the order and coupon routes.
type Handler struct {
	orders   OrderService
	coupons  CouponService
	security *Security
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(orders OrderService, coupons CouponService, security *Security) *Handler {
	return &Handler{
		orders:   orders,
		coupons:  coupons,
		security: security,
	}
}

// Routes returns the API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/orders", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.security.RequireUser)
			r.Post("/create", h.PlaceOrder)
			r.Get("/user/{userId}", h.ListUserOrders)
			r.Get("/user/order/{orderId}", h.GetUserOrder)
			r.Put("/{orderId}/cancel", h.CancelOrder)
			r.Put("/item/{orderItemId}/rate", h.RateItem)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.security.RequireAdmin)
			r.Get("/", h.ListOrders)
			r.Get("/admin/{orderId}", h.GetAdminOrder)
			r.Put("/item/{orderItemId}/update", h.UpdateItem)
		})
	})

	r.Route("/coupons", func(r chi.Router) {
		r.Get("/", h.ListCoupons)
		r.Get("/apply/{code}", h.ApplyCoupon)
	})

	return r
}

// pathID parses a positive integer path parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &order.ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return id, nil
}
