package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state shared by an order and its single item.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusShipped    Status = "Shipped"
	StatusDelivered  Status = "Delivered"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is a persisted order. Each order carries exactly one Item: a cart with
// N lines produces N orders.
type Order struct {
	ID              int64
	UserID          string
	TotalAmount     decimal.Decimal
	PaymentMethod   string
	ShippingAddress string
	ShippingID      *string
	CouponCode      *string
	CouponDiscount  decimal.Decimal
	Status          Status
	CreatedAt       time.Time
	Items           []Item
}

// Item is the order line belonging to an Order.
type Item struct {
	ID             int64
	OrderID        int64
	ProductID      int64
	ProductName    string
	Quantity       int
	UnitPrice      decimal.Decimal
	DeliveryCharge decimal.Decimal
	CouponDiscount decimal.Decimal
	FinalAmount    decimal.Decimal
	Status         Status
	TrackingURL    *string
	Rating         *int
}

// ItemUpdate is a partial update of an item. Nil fields keep their stored value.
type ItemUpdate struct {
	Status      *Status
	TrackingURL *string
}

// Repository defines persistence operations for orders.
type Repository interface {
	// WithTx runs fn inside a single database transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Get(ctx context.Context, orderID int64) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	List(ctx context.Context) ([]Order, error)
}

// Tx is the set of statements available inside a transaction.
type Tx interface {
	InsertOrder(ctx context.Context, o *Order) (int64, error)
	InsertItem(ctx context.Context, it *Item) (int64, error)

	// DecrementStock returns *InsufficientStockError when the product is
	// missing or has fewer than qty units left.
	DecrementStock(ctx context.Context, productID int64, qty int) error
	RestoreStock(ctx context.Context, productID int64, qty int) error

	// LockOrder loads the order with its items and locks the order row.
	// Returns ErrNotFound when the order does not exist.
	LockOrder(ctx context.Context, orderID int64) (*Order, error)
	// GetItem reads an item without locking it. Callers serialise on the
	// parent order with LockOrder. Returns ErrItemNotFound when the item does
	// not exist.
	GetItem(ctx context.Context, itemID int64) (*Item, error)

	// SetStatus moves the order and all of its items to status.
	SetStatus(ctx context.Context, orderID int64, status Status) error
	UpdateItem(ctx context.Context, itemID int64, upd ItemUpdate) (*Item, error)
	SetRating(ctx context.Context, itemID int64, rating int) error
}
