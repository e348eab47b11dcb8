package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	upsertProductSQL = `INSERT INTO products (product_id, name, price, offer_price, stock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			offer_price = EXCLUDED.offer_price,
			stock = EXCLUDED.stock`

	// Keep the serial ahead of explicitly seeded ids.
	syncProductSeqSQL = `SELECT setval(pg_get_serial_sequence('products', 'product_id'),
		GREATEST((SELECT COALESCE(MAX(product_id), 0) FROM products), 1))`

	getProductStockSQL = `SELECT stock FROM products WHERE product_id = $1`
)

// ErrProductNotFound is returned by Stock for unknown products.
var ErrProductNotFound = errors.New("product not found")

// Product is the inventory row the order workflow reserves stock from. The
// catalogue itself is owned by another service; this table only mirrors what
// placement needs.
type Product struct {
	ID         int64
	Name       string
	Price      decimal.Decimal
	OfferPrice decimal.NullDecimal
	Stock      int
}

// ProductRepository manages the inventory rows.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// Upsert writes products keyed by id in one transaction.
func (r *ProductRepository) Upsert(ctx context.Context, products []Product) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, p := range products {
			if _, err := tx.Exec(ctx, upsertProductSQL,
				p.ID, p.Name, p.Price, p.OfferPrice, int32(p.Stock),
			); err != nil {
				return fmt.Errorf("upserting product %d: %w", p.ID, err)
			}
		}
		if _, err := tx.Exec(ctx, syncProductSeqSQL); err != nil {
			return fmt.Errorf("syncing product sequence: %w", err)
		}
		return nil
	})
}

// Stock returns the units left for a product.
func (r *ProductRepository) Stock(ctx context.Context, productID int64) (int, error) {
	var stock int32
	err := r.pool.QueryRow(ctx, getProductStockSQL, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		return 0, fmt.Errorf("getting stock of product %d: %w", productID, err)
	}
	return int(stock), nil
}
