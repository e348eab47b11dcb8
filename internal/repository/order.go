package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/velorex-orders/internal/domain/order"
)

const (
	orderColumns = `o.order_id, o.user_id, o.total_amount, o.payment_method, o.shipping_address,
		o.shipping_id, o.coupon_code, o.coupon_discount, o.order_status, o.created_at`

	itemColumns = `oi.order_item_id, oi.order_id, oi.product_id, COALESCE(p.name, ''), oi.quantity,
		oi.price, oi.delivery_charge, oi.item_coupon_discount, oi.final_amount,
		oi.order_item_status, oi.item_tracking_url, oi.rating`

	insertOrderSQL = `INSERT INTO orders (user_id, total_amount, payment_method, shipping_address,
		shipping_id, coupon_code, coupon_discount, order_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING order_id`

	insertItemSQL = `INSERT INTO order_items (order_id, product_id, quantity, price, delivery_charge,
		item_coupon_discount, final_amount, order_item_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING order_item_id`

	decrementStockSQL = `UPDATE products SET stock = stock - $1 WHERE product_id = $2 AND stock >= $1`

	restoreStockSQL = `UPDATE products SET stock = stock + $1 WHERE product_id = $2`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders o WHERE o.order_id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders o ORDER BY o.created_at DESC, o.order_id DESC`

	listUserOrdersSQL = `SELECT ` + orderColumns + ` FROM orders o WHERE o.user_id = $1
		ORDER BY o.created_at DESC, o.order_id DESC`

	itemsByOrdersSQL = `SELECT ` + itemColumns + ` FROM order_items oi
		LEFT JOIN products p ON p.product_id = oi.product_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.order_item_id`

	getItemSQL = `SELECT ` + itemColumns + ` FROM order_items oi
		LEFT JOIN products p ON p.product_id = oi.product_id
		WHERE oi.order_item_id = $1`

	setOrderStatusSQL = `UPDATE orders SET order_status = $2 WHERE order_id = $1`

	setItemsStatusSQL = `UPDATE order_items SET order_item_status = $2 WHERE order_id = $1`

	updateItemSQL = `WITH oi AS (
			UPDATE order_items
			SET order_item_status = COALESCE($2, order_item_status),
				item_tracking_url = COALESCE($3, item_tracking_url)
			WHERE order_item_id = $1
			RETURNING *
		)
		SELECT ` + itemColumns + ` FROM oi
		LEFT JOIN products p ON p.product_id = oi.product_id`

	setRatingSQL = `UPDATE order_items SET rating = $2 WHERE order_item_id = $1`
)

var (
	_ order.Repository = (*OrderRepository)(nil)
	_ order.Tx         = (*orderTx)(nil)
)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// WithTx runs fn in a READ COMMITTED transaction. Cancellations, updates and
// ratings serialise on the order row locked by LockOrder.
func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &orderTx{tx: tx})
	})
}

// Get returns one order with its items, or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, orderID int64) (*order.Order, error) {
	o, err := loadOrder(ctx, r.pool, getOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", orderID, err)
	}
	return o, nil
}

// ListByUser returns the user's orders with items, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	orders, err := loadOrders(ctx, r.pool, listUserOrdersSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of user %q: %w", userID, err)
	}
	return orders, nil
}

// List returns all orders with items, newest first.
func (r *OrderRepository) List(ctx context.Context) ([]order.Order, error) {
	orders, err := loadOrders(ctx, r.pool, listOrdersSQL)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return orders, nil
}

type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) InsertOrder(ctx context.Context, o *order.Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, insertOrderSQL,
		o.UserID, o.TotalAmount, o.PaymentMethod, o.ShippingAddress,
		o.ShippingID, o.CouponCode, o.CouponDiscount, string(o.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting order for user %q: %w", o.UserID, err)
	}
	return id, nil
}

func (t *orderTx) InsertItem(ctx context.Context, it *order.Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, insertItemSQL,
		it.OrderID, it.ProductID, int32(it.Quantity), it.UnitPrice, it.DeliveryCharge,
		it.CouponDiscount, it.FinalAmount, string(it.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting item for order %d: %w", it.OrderID, err)
	}
	return id, nil
}

func (t *orderTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	tag, err := t.tx.Exec(ctx, decrementStockSQL, int32(qty), productID)
	if err != nil {
		return fmt.Errorf("decrementing stock of product %d: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return &order.InsufficientStockError{ProductID: productID, Requested: qty}
	}
	return nil
}

func (t *orderTx) RestoreStock(ctx context.Context, productID int64, qty int) error {
	if _, err := t.tx.Exec(ctx, restoreStockSQL, int32(qty), productID); err != nil {
		return fmt.Errorf("restoring stock of product %d: %w", productID, err)
	}
	return nil
}

func (t *orderTx) LockOrder(ctx context.Context, orderID int64) (*order.Order, error) {
	o, err := loadOrder(ctx, t.tx, lockOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("locking order %d: %w", orderID, err)
	}
	return o, nil
}

func (t *orderTx) GetItem(ctx context.Context, itemID int64) (*order.Item, error) {
	rows, err := t.tx.Query(ctx, getItemSQL, itemID)
	if err != nil {
		return nil, fmt.Errorf("getting order item %d: %w", itemID, err)
	}
	it, err := pgx.CollectExactlyOneRow(rows, scanItem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrItemNotFound
		}
		return nil, fmt.Errorf("getting order item %d: %w", itemID, err)
	}
	return &it, nil
}

func (t *orderTx) SetStatus(ctx context.Context, orderID int64, status order.Status) error {
	tag, err := t.tx.Exec(ctx, setOrderStatusSQL, orderID, string(status))
	if err != nil {
		return fmt.Errorf("setting status of order %d: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	if _, err := t.tx.Exec(ctx, setItemsStatusSQL, orderID, string(status)); err != nil {
		return fmt.Errorf("setting item status of order %d: %w", orderID, err)
	}
	return nil
}

func (t *orderTx) UpdateItem(ctx context.Context, itemID int64, upd order.ItemUpdate) (*order.Item, error) {
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}

	rows, err := t.tx.Query(ctx, updateItemSQL, itemID, status, upd.TrackingURL)
	if err != nil {
		return nil, fmt.Errorf("updating order item %d: %w", itemID, err)
	}
	it, err := pgx.CollectExactlyOneRow(rows, scanItem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrItemNotFound
		}
		return nil, fmt.Errorf("updating order item %d: %w", itemID, err)
	}
	return &it, nil
}

func (t *orderTx) SetRating(ctx context.Context, itemID int64, rating int) error {
	tag, err := t.tx.Exec(ctx, setRatingSQL, itemID, int16(rating))
	if err != nil {
		return fmt.Errorf("rating order item %d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrItemNotFound
	}
	return nil
}

func loadOrder(ctx context.Context, q querier, sql string, orderID int64) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, orderID)
	if err != nil {
		return nil, err
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, err
	}
	if err := attachItems(ctx, q, []*order.Order{&o}); err != nil {
		return nil, err
	}
	return &o, nil
}

func loadOrders(ctx context.Context, q querier, sql string, args ...any) ([]order.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, err
	}
	ptrs := make([]*order.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := attachItems(ctx, q, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems loads the items of all orders with a single query.
func attachItems(ctx context.Context, q querier, orders []*order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	byID := make(map[int64]*order.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
	}

	rows, err := q.Query(ctx, itemsByOrdersSQL, ids)
	if err != nil {
		return fmt.Errorf("loading order items: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return fmt.Errorf("loading order items: %w", err)
	}
	for _, it := range items {
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		status    string
		createdAt time.Time
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.TotalAmount, &o.PaymentMethod, &o.ShippingAddress,
		&o.ShippingID, &o.CouponCode, &o.CouponDiscount, &status, &createdAt,
	)
	o.Status = order.Status(status)
	o.CreatedAt = createdAt
	return o, err
}

func scanItem(row pgx.CollectableRow) (order.Item, error) {
	var (
		it       order.Item
		quantity int32
		status   string
		price    decimal.Decimal
		rating   *int16
	)
	err := row.Scan(
		&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &quantity,
		&price, &it.DeliveryCharge, &it.CouponDiscount, &it.FinalAmount,
		&status, &it.TrackingURL, &rating,
	)
	it.Quantity = int(quantity)
	it.UnitPrice = price
	it.Status = order.Status(status)
	if rating != nil {
		r := int(*rating)
		it.Rating = &r
	}
	return it, err
}
