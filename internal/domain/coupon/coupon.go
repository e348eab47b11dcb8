package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes Value percent of the subtotal, capped at MaxDiscount.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes Value off, capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// NormalizeCode returns the canonical stored form of a coupon code: trimmed
// and upper-case.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Status is the administrative state of a coupon.
type Status string

const (
	StatusActive   Status = "Active"
	StatusInactive Status = "Inactive"
)

var (
	// ErrInvalidCoupon is returned when a code is unknown or not Active.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponExpired is returned when today is outside the coupon's date window.
	ErrCouponExpired = errors.New("coupon expired")
)

// MinOrderError is returned when the subtotal is below the coupon minimum.
type MinOrderError struct {
	Code    string
	Minimum decimal.Decimal
}

func (e *MinOrderError) Error() string {
	return "coupon " + e.Code + " requires a minimum order of " + e.Minimum.StringFixed(2)
}

// Coupon is a stored discount rule.
type Coupon struct {
	ID             int64
	Code           string
	DiscountType   DiscountType
	Value          decimal.Decimal
	MinOrderAmount decimal.Decimal
	// MaxDiscount caps percentage discounts. Zero means no cap.
	MaxDiscount decimal.Decimal
	Status      Status
	// StartDate and EndDate are calendar dates, both inclusive.
	StartDate   *time.Time
	EndDate     *time.Time
	Description string
	CreatedAt   time.Time
}

// Discount computes the amount this coupon takes off subtotal. The result is
// rounded to 2 places and never exceeds subtotal.
func (c *Coupon) Discount(subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() || !c.Value.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(c.Value).Div(decimal.NewFromInt(100))
		if c.MaxDiscount.IsPositive() && amount.GreaterThan(c.MaxDiscount) {
			amount = c.MaxDiscount
		}
	case DiscountFixed:
		amount = c.Value
	default:
		return decimal.Zero
	}

	if amount.GreaterThan(subtotal) {
		amount = subtotal
	}
	return amount.Round(2)
}

// Repository provides lookup and bulk upsert of coupons.
type Repository interface {
	// List returns all coupons, newest first.
	List(ctx context.Context) ([]Coupon, error)
	// FindByCode returns ErrInvalidCoupon when no coupon has the code.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// Upsert inserts or replaces coupons keyed by code and returns the number
	// of rows written.
	Upsert(ctx context.Context, coupons []Coupon) (int64, error)
}
