package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/toko-pricing/internal/coupon"
)

const couponColumns = `id, code, kind, value, min_amount, max_discount, usage_limit, used_count, used_by, expires_at, created_at`

func scanCoupon(row pgx.Row) (coupon.Coupon, error) {
	var c coupon.Coupon
	var kind string
	err := row.Scan(&c.ID, &c.Code, &kind, &c.Value, &c.MinAmount, &c.MaxDiscount,
		&c.UsageLimit, &c.UsedCount, &c.UsedBy, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.Coupon{}, coupon.ErrCouponNotFound
		}
		return coupon.Coupon{}, err
	}
	c.Kind = coupon.Kind(kind)
	return c, nil
}

// GetCouponByCode loads a coupon by its canonical code.
func (q *Queries) GetCouponByCode(ctx context.Context, code string) (coupon.Coupon, error) {
	c, err := scanCoupon(q.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code))
	if err != nil && !errors.Is(err, coupon.ErrCouponNotFound) {
		return coupon.Coupon{}, fmt.Errorf("get coupon: %w", err)
	}
	return c, err
}

// ListCoupons returns a page of coupons, newest first, and the total count.
func (q *Queries) ListCoupons(ctx context.Context, limit, offset int) ([]coupon.Coupon, int, error) {
	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM coupons`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count coupons: %w", err)
	}
	rows, err := q.db.Query(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC, code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()
	var out []coupon.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan coupon: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// CreateCoupon inserts c. A duplicate code yields coupon.ErrCodeTaken.
func (q *Queries) CreateCoupon(ctx context.Context, c coupon.Coupon) (coupon.Coupon, error) {
	created, err := scanCoupon(q.db.QueryRow(ctx, `
		INSERT INTO coupons (id, code, kind, value, min_amount, max_discount, usage_limit, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+couponColumns,
		c.ID, c.Code, string(c.Kind), c.Value, c.MinAmount, c.MaxDiscount, c.UsageLimit, c.ExpiresAt, c.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.Coupon{}, coupon.ErrCodeTaken
		}
		return coupon.Coupon{}, fmt.Errorf("create coupon: %w", err)
	}
	return created, nil
}

// DeleteCoupon removes the coupon with code.
func (q *Queries) DeleteCoupon(ctx context.Context, code string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM coupons WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrCouponNotFound
	}
	return nil
}

// RedeemCoupon appends userID to the coupon's used-by list in one
// conditional UPDATE. When no row changes the current state decides which
// error is reported.
func (q *Queries) RedeemCoupon(ctx context.Context, couponID, userID string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE coupons
		SET used_by = array_append(used_by, $2), used_count = used_count + 1
		WHERE id = $1
		  AND NOT ($2 = ANY(used_by))
		  AND (usage_limit IS NULL OR used_count < usage_limit)`, couponID, userID)
	if err != nil {
		return fmt.Errorf("redeem coupon: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var alreadyUsed bool
	err = q.db.QueryRow(ctx, `SELECT $2 = ANY(used_by) FROM coupons WHERE id = $1`, couponID, userID).Scan(&alreadyUsed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return coupon.ErrCouponNotFound
	case err != nil:
		return fmt.Errorf("inspect coupon: %w", err)
	case alreadyUsed:
		return coupon.ErrCouponAlreadyUsed
	default:
		return coupon.ErrCouponExhausted
	}
}
