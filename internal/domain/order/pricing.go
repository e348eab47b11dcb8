package order

import (
	"math"

	"github.com/shopspring/decimal"
)

// MaxQuantity is the largest quantity a single cart line may carry. It matches
// the INTEGER column order items and stock are stored in.
const MaxQuantity = math.MaxInt32

var (
	defaultFreeDeliveryThreshold = decimal.NewFromInt(2500)
	defaultDeliveryCharge        = decimal.NewFromInt(49)
)

// CartLine is one line of the cart snapshot submitted for placement.
type CartLine struct {
	ProductID  int64
	Price      decimal.Decimal
	OfferPrice decimal.NullDecimal
	Quantity   int
}

// EffectiveUnitPrice is the offer price when present and positive, else the
// list price, else zero.
func (l CartLine) EffectiveUnitPrice() decimal.Decimal {
	if l.OfferPrice.Valid && l.OfferPrice.Decimal.IsPositive() {
		return l.OfferPrice.Decimal
	}
	if l.Price.IsPositive() {
		return l.Price
	}
	return decimal.Zero
}

// Pricing holds the delivery rule applied to every line independently.
type Pricing struct {
	// Lines whose effective unit price is strictly above this ship free.
	FreeDeliveryThreshold decimal.Decimal
	// DeliveryCharge is charged once per line at or below the threshold.
	DeliveryCharge decimal.Decimal
}

// DefaultPricing returns the 2500 / 49 delivery rule.
func DefaultPricing() Pricing {
	return Pricing{
		FreeDeliveryThreshold: defaultFreeDeliveryThreshold,
		DeliveryCharge:        defaultDeliveryCharge,
	}
}

// LineQuote is the priced form of a cart line.
type LineQuote struct {
	ProductID      int64
	Quantity       int
	UnitPrice      decimal.Decimal
	BaseAmount     decimal.Decimal
	DeliveryCharge decimal.Decimal
	CouponShare    decimal.Decimal
	FinalAmount    decimal.Decimal
}

// Quote prices every line and splits discount across them in proportion to
// each line's base amount. Shares are rounded to 2 places except the last
// line, which takes the exact remainder so the shares always add up to
// discount.
func (p Pricing) Quote(lines []CartLine, discount decimal.Decimal) []LineQuote {
	quotes := make([]LineQuote, len(lines))
	subtotal := decimal.Zero
	for i, l := range lines {
		unit := l.EffectiveUnitPrice()
		base := unit.Mul(decimal.NewFromInt(int64(l.Quantity)))
		subtotal = subtotal.Add(base)

		quotes[i] = LineQuote{
			ProductID:      l.ProductID,
			Quantity:       l.Quantity,
			UnitPrice:      unit,
			BaseAmount:     base,
			DeliveryCharge: p.deliveryFor(unit),
			CouponShare:    decimal.Zero,
		}
	}

	if discount.IsPositive() && subtotal.IsPositive() {
		assigned := decimal.Zero
		last := len(quotes) - 1
		for i := range quotes {
			if i == last {
				quotes[i].CouponShare = discount.Sub(assigned)
				break
			}
			share := discount.Mul(quotes[i].BaseAmount).Div(subtotal).Round(2)
			quotes[i].CouponShare = share
			assigned = assigned.Add(share)
		}
	}

	for i := range quotes {
		q := &quotes[i]
		final := q.BaseAmount.Add(q.DeliveryCharge).Sub(q.CouponShare)
		if final.IsNegative() {
			final = decimal.Zero
		}
		q.FinalAmount = final
	}

	return quotes
}

func (p Pricing) deliveryFor(unit decimal.Decimal) decimal.Decimal {
	if unit.GreaterThan(p.FreeDeliveryThreshold) {
		return decimal.Zero
	}
	return p.DeliveryCharge
}

// Subtotal sums the base amounts of quotes.
func Subtotal(quotes []LineQuote) decimal.Decimal {
	sum := decimal.Zero
	for _, q := range quotes {
		sum = sum.Add(q.BaseAmount)
	}
	return sum
}
