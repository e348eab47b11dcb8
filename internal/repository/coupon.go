package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/velorex-orders/internal/domain/coupon"
)

const (
	couponColumns = `coupon_id, code, discount_type, value, min_order_amount, max_discount,
		status, start_date, end_date, description, created_at`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons ORDER BY coupon_id DESC`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_type, value, min_order_amount, max_discount,
		status, start_date, end_date, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			min_order_amount = EXCLUDED.min_order_amount,
			max_discount = EXCLUDED.max_discount,
			status = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			description = EXCLUDED.description`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// List returns all coupons, newest first.
func (r *CouponRepository) List(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// FindByCode looks up a coupon by its stored, normalised code. Returns
// coupon.ErrInvalidCoupon when none exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrInvalidCoupon
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// Upsert writes coupons in one batch keyed by their normalised code.
func (r *CouponRepository) Upsert(ctx context.Context, coupons []coupon.Coupon) (int64, error) {
	if len(coupons) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(upsertCouponSQL,
			coupon.NormalizeCode(c.Code), string(c.DiscountType), c.Value, c.MinOrderAmount, c.MaxDiscount,
			string(c.Status), c.StartDate, c.EndDate, c.Description,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var written int64
	for _, c := range coupons {
		tag, err := br.Exec()
		if err != nil {
			return written, fmt.Errorf("upserting coupon %q: %w", c.Code, err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		status       string
		startDate    *time.Time
		endDate      *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Code, &discountType, &c.Value, &c.MinOrderAmount, &c.MaxDiscount,
		&status, &startDate, &endDate, &c.Description, &c.CreatedAt,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.Status = coupon.Status(status)
	c.StartDate = startDate
	c.EndDate = endDate
	return c, err
}
