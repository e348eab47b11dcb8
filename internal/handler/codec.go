package handler

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/velorex-orders/internal/domain/coupon"
	"github.com/xenking/velorex-orders/internal/domain/order"
)

const maxBodyBytes = 1 << 20

// errBadBody marks a request body that is not the expected JSON shape.
var errBadBody = errors.New("invalid request body")

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(errBadBody, err.Error())
	}
	return data, nil
}

// Clients send numbers both as JSON numbers and as strings, so the readers
// below accept either.

func readString(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		return n.String(), err
	case jx.Null:
		return "", d.Null()
	default:
		return "", errBadBody
	}
}

func readOptString(d *jx.Decoder) (*string, error) {
	s, err := readString(d)
	if err != nil || strings.TrimSpace(s) == "" {
		return nil, err
	}
	return &s, nil
}

func readDecimal(d *jx.Decoder, field string) (decimal.NullDecimal, error) {
	var raw string
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		raw = n.String()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		raw = strings.TrimSpace(s)
	case jx.Null:
		return decimal.NullDecimal{}, d.Null()
	default:
		return decimal.NullDecimal{}, &order.ValidationError{Field: field, Reason: "must be a number"}
	}
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, &order.ValidationError{Field: field, Reason: "must be a number"}
	}
	return decimal.NewNullDecimal(v), nil
}

func readInt(d *jx.Decoder, field string) (int64, error) {
	v, err := readDecimal(d, field)
	if err != nil || !v.Valid {
		return 0, err
	}
	if !v.Decimal.IsInteger() {
		return 0, &order.ValidationError{Field: field, Reason: "must be an integer"}
	}
	if v.Decimal.LessThan(minInt64) || v.Decimal.GreaterThan(maxInt64) {
		return 0, &order.ValidationError{Field: field, Reason: "out of range"}
	}
	return v.Decimal.IntPart(), nil
}

func decodePlaceOrder(data []byte) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "userId":
			req.UserID, err = readString(d)
		case "paymentMethod":
			req.PaymentMethod, err = readString(d)
		case "shippingAddress":
			req.ShippingAddress, err = readString(d)
		case "shippingId":
			req.ShippingID, err = readOptString(d)
		case "couponCode":
			req.CouponCode, err = readOptString(d)
		case "discountAmount":
			var v decimal.NullDecimal
			v, err = readDecimal(d, "discountAmount")
			req.DiscountAmount = v.Decimal
		case "cartItems":
			if d.Next() == jx.Null {
				return d.Null()
			}
			err = d.Arr(func(d *jx.Decoder) error {
				line, err := decodeCartLine(d, len(req.Items))
				req.Items = append(req.Items, line)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return req, decodeErr(err)
	}
	return req, nil
}

func decodeCartLine(d *jx.Decoder, idx int) (order.CartLine, error) {
	var line order.CartLine
	field := func(name string) string { return fmt.Sprintf("cartItems[%d].%s", idx, name) }

	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "productId":
			id, err := readInt(d, field("productId"))
			line.ProductID = id
			return err
		case "quantity":
			q, err := readInt(d, field("quantity"))
			if err != nil {
				return err
			}
			if q > order.MaxQuantity {
				return &order.ValidationError{
					Field:  field("quantity"),
					Reason: fmt.Sprintf("must not exceed %d", order.MaxQuantity),
				}
			}
			line.Quantity = int(q)
			return nil
		case "price":
			v, err := readDecimal(d, field("price"))
			line.Price = v.Decimal
			return err
		case "offerPrice":
			v, err := readDecimal(d, field("offerPrice"))
			line.OfferPrice = v
			return err
		default:
			return d.Skip()
		}
	})
	return line, err
}

func decodeItemUpdate(data []byte) (order.ItemUpdate, error) {
	var upd order.ItemUpdate
	if len(strings.TrimSpace(string(data))) == 0 {
		return upd, nil
	}
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := readOptString(d)
			if s != nil {
				st := order.Status(*s)
				upd.Status = &st
			}
			return err
		case "trackingUrl":
			s, err := readOptString(d)
			upd.TrackingURL = s
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return upd, decodeErr(err)
	}
	return upd, nil
}

func decodeRating(data []byte) (int, error) {
	rating := 0
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "rating" {
			return d.Skip()
		}
		v, err := readInt(d, "rating")
		rating = int(v)
		return err
	})
	if err != nil {
		return 0, decodeErr(err)
	}
	return rating, nil
}

// decodeErr keeps field validation errors and folds syntax errors into
// errBadBody.
func decodeErr(err error) error {
	var ve *order.ValidationError
	if errors.As(err, &ve) || errors.Is(err, errBadBody) {
		return err
	}
	return errors.Wrap(errBadBody, err.Error())
}

func encodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Num(jx.Num(d.StringFixed(2)))
}

func encodeOptString(e *jx.Encoder, s *string) {
	if s == nil {
		e.Null()
		return
	}
	e.Str(*s)
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Int64(o.ID)
	e.FieldStart("userId")
	e.Str(o.UserID)
	e.FieldStart("totalAmount")
	encodeDecimal(e, o.TotalAmount)
	e.FieldStart("orderStatus")
	e.Str(string(o.Status))
	e.FieldStart("paymentMethod")
	e.Str(o.PaymentMethod)
	e.FieldStart("shippingAddress")
	e.Str(o.ShippingAddress)
	e.FieldStart("shippingId")
	encodeOptString(e, o.ShippingID)
	e.FieldStart("couponCode")
	encodeOptString(e, o.CouponCode)
	e.FieldStart("couponDiscount")
	encodeDecimal(e, o.CouponDiscount)
	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.FieldStart("items")
	e.ArrStart()
	for i := range o.Items {
		encodeItem(e, &o.Items[i])
	}
	e.ArrEnd()
	e.ObjEnd()
}

func encodeItem(e *jx.Encoder, it *order.Item) {
	e.ObjStart()
	e.FieldStart("orderItemId")
	e.Int64(it.ID)
	e.FieldStart("orderId")
	e.Int64(it.OrderID)
	e.FieldStart("productId")
	e.Int64(it.ProductID)
	e.FieldStart("name")
	e.Str(it.ProductName)
	e.FieldStart("quantity")
	e.Int(it.Quantity)
	e.FieldStart("price")
	encodeDecimal(e, it.UnitPrice)
	e.FieldStart("deliveryCharge")
	encodeDecimal(e, it.DeliveryCharge)
	e.FieldStart("itemCouponDiscount")
	encodeDecimal(e, it.CouponDiscount)
	e.FieldStart("finalAmount")
	encodeDecimal(e, it.FinalAmount)
	e.FieldStart("itemStatus")
	e.Str(string(it.Status))
	e.FieldStart("itemTrackingUrl")
	encodeOptString(e, it.TrackingURL)
	e.FieldStart("rating")
	if it.Rating == nil {
		e.Null()
	} else {
		e.Int(*it.Rating)
	}
	e.ObjEnd()
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	date := func(t *time.Time) {
		if t == nil {
			e.Null()
			return
		}
		e.Str(t.Format(time.DateOnly))
	}

	e.ObjStart()
	e.FieldStart("couponId")
	e.Int64(c.ID)
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("discountType")
	e.Str(string(c.DiscountType))
	e.FieldStart("value")
	encodeDecimal(e, c.Value)
	e.FieldStart("minOrderAmount")
	encodeDecimal(e, c.MinOrderAmount)
	e.FieldStart("maxDiscount")
	encodeDecimal(e, c.MaxDiscount)
	e.FieldStart("status")
	e.Str(string(c.Status))
	e.FieldStart("startDate")
	date(c.StartDate)
	e.FieldStart("endDate")
	date(c.EndDate)
	e.FieldStart("description")
	e.Str(c.Description)
	e.ObjEnd()
}

// writeSuccess writes {"success":true, "message"?, ...fields}.
func writeSuccess(w http.ResponseWriter, message string, fields func(e *jx.Encoder)) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(true)
	if message != "" {
		e.FieldStart("message")
		e.Str(message)
	}
	if fields != nil {
		fields(&e)
	}
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(false)
	e.FieldStart("message")
	e.Str(message)
	e.ObjEnd()
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
