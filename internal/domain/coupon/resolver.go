package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Applied is a coupon accepted for a subtotal together with its discount.
type Applied struct {
	Coupon         Coupon
	DiscountAmount decimal.Decimal
}

// Resolver checks coupon eligibility against a Repository.
type Resolver struct {
	repo Repository
	now  func() time.Time
}

// NewResolver creates a Resolver backed by the given Repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// List returns all coupons, newest first.
func (r *Resolver) List(ctx context.Context) ([]Coupon, error) {
	coupons, err := r.repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return coupons, nil
}

// Apply looks up code case-insensitively, checks that it is Active and within its date window,
// checks the minimum order amount and computes the discount for subtotal.
func (r *Resolver) Apply(ctx context.Context, code string, subtotal decimal.Decimal) (*Applied, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrInvalidCoupon
	}

	c, err := r.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if c.Status != StatusActive {
		return nil, ErrInvalidCoupon
	}

	today := civilDate(r.now())
	if c.StartDate != nil && civilDate(*c.StartDate).After(today) {
		return nil, ErrCouponExpired
	}
	if c.EndDate != nil && civilDate(*c.EndDate).Before(today) {
		return nil, ErrCouponExpired
	}

	if subtotal.LessThan(c.MinOrderAmount) {
		return nil, &MinOrderError{Code: c.Code, Minimum: c.MinOrderAmount}
	}

	return &Applied{Coupon: *c, DiscountAmount: c.Discount(subtotal)}, nil
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
