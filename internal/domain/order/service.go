package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/xenking/velorex-orders/internal/domain/order"

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	UserID          string
	PaymentMethod   string
	Items           []CartLine
	ShippingAddress string
	ShippingID      *string
	CouponCode      *string
	// DiscountAmount is the total coupon discount, already resolved upstream.
	DiscountAmount decimal.Decimal
}

// PlaceOrderResult holds the output of a successful placement.
type PlaceOrderResult struct {
	// OrderIDs has one id per cart line, in input order.
	OrderIDs []int64
	Lines    []LineQuote
}

// CancelRequest identifies an order to cancel. An empty UserID skips the
// ownership check.
type CancelRequest struct {
	OrderID int64
	UserID  string
}

// RateRequest sets the rating of an item owned by UserID.
type RateRequest struct {
	ItemID int64
	UserID string
	Rating int
}

// Option configures a Service.
type Option func(*Service)

// WithPricing overrides the delivery rule.
func WithPricing(p Pricing) Option {
	return func(s *Service) { s.pricing = p }
}

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithTracerProvider sets the tracer provider used for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider used for order counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// Service encapsulates order placement, cancellation and item updates.
type Service struct {
	orders  Repository
	events  Publisher
	pricing Pricing
	now     func() time.Time

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	tracer    trace.Tracer
	placed    metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
}

// NewService creates an order Service backed by the given repository.
func NewService(orders Repository, opts ...Option) (*Service, error) {
	s := &Service{
		orders:         orders,
		events:         nopPublisher{},
		pricing:        DefaultPricing(),
		now:            time.Now,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, o := range opts {
		o(s)
	}

	s.tracer = s.tracerProvider.Tracer(instrumentationName)
	meter := s.meterProvider.Meter(instrumentationName)

	var err error
	if s.placed, err = meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders created by successful placements"),
	); err != nil {
		return nil, errors.Wrap(err, "create placed counter")
	}
	if s.failed, err = meter.Int64Counter("orders.placement_failures",
		metric.WithDescription("Placements rolled back"),
	); err != nil {
		return nil, errors.Wrap(err, "create failures counter")
	}
	if s.cancelled, err = meter.Int64Counter("orders.cancelled",
		metric.WithDescription("Orders cancelled by users"),
	); err != nil {
		return nil, errors.Wrap(err, "create cancelled counter")
	}

	return s, nil
}

// PlaceOrder validates the request, prices and apportions the cart, and
// creates one order per cart line in a single transaction that also
// decrements stock. Nothing is persisted unless every line succeeds.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (_ *PlaceOrderResult, rerr error) {
	if err := validatePlacement(&req); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "order.Place", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int("cart.lines", len(req.Items)),
	))
	defer func() { endSpan(span, rerr) }()

	quotes := s.pricing.Quote(req.Items, req.DiscountAmount)
	span.SetAttributes(attribute.String("cart.subtotal", Subtotal(quotes).StringFixed(2)))
	ids := make([]int64, 0, len(quotes))

	err := s.orders.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, q := range quotes {
			o := &Order{
				UserID:          req.UserID,
				TotalAmount:     q.FinalAmount,
				PaymentMethod:   req.PaymentMethod,
				ShippingAddress: req.ShippingAddress,
				ShippingID:      req.ShippingID,
				CouponCode:      req.CouponCode,
				CouponDiscount:  q.CouponShare,
				Status:          StatusPending,
			}
			orderID, err := tx.InsertOrder(ctx, o)
			if err != nil {
				return stepErr(StepInsertOrder, err)
			}

			it := &Item{
				OrderID:        orderID,
				ProductID:      q.ProductID,
				Quantity:       q.Quantity,
				UnitPrice:      q.UnitPrice,
				DeliveryCharge: q.DeliveryCharge,
				CouponDiscount: q.CouponShare,
				FinalAmount:    q.FinalAmount,
				Status:         StatusPending,
			}
			if _, err := tx.InsertItem(ctx, it); err != nil {
				return stepErr(StepInsertItem, err)
			}

			if err := tx.DecrementStock(ctx, q.ProductID, q.Quantity); err != nil {
				return stepErr(StepDecrementStock, err)
			}

			ids = append(ids, orderID)
		}
		return nil
	})
	if err != nil {
		s.failed.Add(ctx, 1)
		lg := zctx.From(ctx)
		fields := []zap.Field{
			zap.String("step", string(failedStep(err))),
			zap.String("user_id", req.UserID),
			zap.Int("lines", len(quotes)),
			zap.Error(err),
		}
		if isPersistence(err) {
			lg.Error("Order placement rolled back", fields...)
		} else {
			lg.Info("Order placement rejected", fields...)
		}
		return nil, errors.Wrap(err, "place order")
	}

	s.placed.Add(ctx, int64(len(ids)))
	s.publish(ctx, Event{
		Type:     EventPlaced,
		UserID:   req.UserID,
		OrderIDs: ids,
		At:       s.now(),
	})

	return &PlaceOrderResult{OrderIDs: ids, Lines: quotes}, nil
}

// CancelOrder moves a non-terminal order and its item to Cancelled and puts
// the ordered quantity back into stock.
func (s *Service) CancelOrder(ctx context.Context, req CancelRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Cancel", trace.WithAttributes(
		attribute.Int64("order.id", req.OrderID),
	))
	defer func() { endSpan(span, rerr) }()

	var cancelled *Order
	err := s.orders.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return stepErr(StepLockOrder, err)
		}
		if req.UserID != "" && o.UserID != req.UserID {
			return ErrForbidden
		}
		if o.Status.Terminal() {
			return &IllegalTransitionError{OrderID: o.ID, Action: "cancel", Status: o.Status}
		}

		if err := tx.SetStatus(ctx, o.ID, StatusCancelled); err != nil {
			return stepErr(StepSetStatus, err)
		}
		for _, it := range o.Items {
			if err := tx.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
				return stepErr(StepRestoreStock, err)
			}
		}

		o.Status = StatusCancelled
		for i := range o.Items {
			o.Items[i].Status = StatusCancelled
		}
		cancelled = o
		return nil
	})
	if err != nil {
		if isPersistence(err) {
			zctx.From(ctx).Error("Order cancellation rolled back",
				zap.String("step", string(failedStep(err))),
				zap.Int64("order_id", req.OrderID),
				zap.Error(err),
			)
		}
		return nil, errors.Wrap(err, "cancel order")
	}

	s.cancelled.Add(ctx, 1)
	s.publish(ctx, Event{
		Type:     EventCancelled,
		UserID:   cancelled.UserID,
		OrderIDs: []int64{cancelled.ID},
		At:       s.now(),
	})

	return cancelled, nil
}

// UpdateItem applies an admin partial update to an item. A supplied status is
// mirrored to the parent order.
func (s *Service) UpdateItem(ctx context.Context, itemID int64, upd ItemUpdate) (_ *Item, rerr error) {
	if upd.Status != nil {
		st := Status(strings.TrimSpace(string(*upd.Status)))
		switch {
		case st == "":
			upd.Status = nil
		case st == StatusCancelled:
			return nil, &ValidationError{Field: "status", Reason: "use the cancel route to cancel an order"}
		default:
			upd.Status = &st
		}
	}
	if upd.TrackingURL != nil && strings.TrimSpace(*upd.TrackingURL) == "" {
		upd.TrackingURL = nil
	}

	ctx, span := s.tracer.Start(ctx, "order.UpdateItem", trace.WithAttributes(
		attribute.Int64("order_item.id", itemID),
	))
	defer func() { endSpan(span, rerr) }()

	var updated *Item
	err := s.orders.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		it, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return stepErr(StepGetItem, err)
		}
		if upd.Status != nil {
			o, err := tx.LockOrder(ctx, it.OrderID)
			if err != nil {
				return stepErr(StepLockOrder, err)
			}
			if o.Status == StatusCancelled {
				return &IllegalTransitionError{OrderID: o.ID, Action: "update", Status: o.Status}
			}
		}

		updated, err = tx.UpdateItem(ctx, itemID, upd)
		if err != nil {
			return stepErr(StepUpdateItem, err)
		}
		if upd.Status != nil {
			if err := tx.SetStatus(ctx, updated.OrderID, *upd.Status); err != nil {
				return stepErr(StepSetStatus, err)
			}
		}
		return nil
	})
	if err != nil {
		if isPersistence(err) {
			zctx.From(ctx).Error("Order item update rolled back",
				zap.String("step", string(failedStep(err))),
				zap.Int64("order_item_id", itemID),
				zap.Error(err),
			)
		}
		return nil, errors.Wrap(err, "update order item")
	}

	return updated, nil
}

// RateItem records the owner's 1..5 rating of a delivered or completed item.
func (s *Service) RateItem(ctx context.Context, req RateRequest) (rerr error) {
	if req.Rating < 1 || req.Rating > 5 {
		return &ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}

	ctx, span := s.tracer.Start(ctx, "order.RateItem", trace.WithAttributes(
		attribute.Int64("order_item.id", req.ItemID),
	))
	defer func() { endSpan(span, rerr) }()

	err := s.orders.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		it, err := tx.GetItem(ctx, req.ItemID)
		if err != nil {
			return stepErr(StepGetItem, err)
		}
		o, err := tx.LockOrder(ctx, it.OrderID)
		if err != nil {
			return stepErr(StepLockOrder, err)
		}
		if req.UserID != "" && o.UserID != req.UserID {
			return ErrForbidden
		}
		// Re-read the status under the order lock.
		status := it.Status
		for _, locked := range o.Items {
			if locked.ID == it.ID {
				status = locked.Status
			}
		}
		if status != StatusDelivered && status != StatusCompleted {
			return &IllegalTransitionError{OrderID: o.ID, Action: "rate", Status: status}
		}
		return stepErr(StepSetRating, tx.SetRating(ctx, it.ID, req.Rating))
	})
	if err != nil {
		if isPersistence(err) {
			zctx.From(ctx).Error("Order item rating rolled back",
				zap.String("step", string(failedStep(err))),
				zap.Int64("order_item_id", req.ItemID),
				zap.Error(err),
			)
		}
		return errors.Wrap(err, "rate order item")
	}
	return nil
}

// GetOrder returns a single order with its items. A non-empty userID must own
// the order.
func (s *Service) GetOrder(ctx context.Context, orderID int64, userID string) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if userID != "" && o.UserID != userID {
		return nil, ErrForbidden
	}
	return o, nil
}

// ListUserOrders returns the user's orders, newest first.
func (s *Service) ListUserOrders(ctx context.Context, userID string) ([]Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list user orders")
	}
	return orders, nil
}

// ListOrders returns every order, newest first.
func (s *Service) ListOrders(ctx context.Context) ([]Order, error) {
	orders, err := s.orders.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("type", string(ev.Type)),
			zap.Int64s("order_ids", ev.OrderIDs),
			zap.Error(err),
		)
	}
}

func validatePlacement(req *PlaceOrderRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.UserID == "" {
		return ErrMissingUserID
	}
	if req.PaymentMethod == "" {
		return ErrMissingPaymentMethod
	}
	if len(req.Items) == 0 {
		return ErrEmptyCart
	}
	if req.DiscountAmount.IsNegative() {
		return &ValidationError{Field: "discountAmount", Reason: "must not be negative"}
	}

	items := make([]CartLine, len(req.Items))
	copy(items, req.Items)
	req.Items = items

	for i := range req.Items {
		l := &req.Items[i]
		field := func(name string) string { return fmt.Sprintf("cartItems[%d].%s", i, name) }

		if l.ProductID <= 0 {
			return &ValidationError{Field: field("productId"), Reason: "must be a positive integer"}
		}
		if l.Quantity < 0 {
			return &ValidationError{Field: field("quantity"), Reason: "must not be negative"}
		}
		if l.Quantity > MaxQuantity {
			return &ValidationError{Field: field("quantity"), Reason: fmt.Sprintf("must not exceed %d", MaxQuantity)}
		}
		if l.Quantity == 0 {
			l.Quantity = 1
		}
		if l.Price.IsNegative() {
			return &ValidationError{Field: field("price"), Reason: "must not be negative"}
		}
		if l.OfferPrice.Valid && l.OfferPrice.Decimal.IsNegative() {
			return &ValidationError{Field: field("offerPrice"), Reason: "must not be negative"}
		}
	}
	return nil
}

// isPersistence reports whether err is a database failure rather than a
// business rule rejection.
func isPersistence(err error) bool {
	var (
		ite *IllegalTransitionError
		ise *InsufficientStockError
		ve  *ValidationError
	)
	switch {
	case errors.As(err, &ite), errors.As(err, &ise), errors.As(err, &ve):
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrItemNotFound), errors.Is(err, ErrForbidden):
		return false
	default:
		return true
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
