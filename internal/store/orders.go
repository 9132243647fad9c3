package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/toko-pricing/internal/order"
)

const orderColumns = `id, user_id, status, items, address, is_hamper, hamper_note,
	coupon_id, coupon_code, subtotal, discount, total_amount, delivery_charge,
	rate_per_kg, total_weight, currency, payment_provider, payment_method,
	payment_fee, gateway_order_id, payment_id, paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		o              order.Order
		status         string
		items, address []byte
		couponID       *string
		gatewayOrderID *string
	)
	err := row.Scan(&o.ID, &o.UserID, &status, &items, &address, &o.IsHamper, &o.HamperNote,
		&couponID, &o.CouponCode, &o.Subtotal, &o.Discount, &o.TotalAmount, &o.DeliveryCharge,
		&o.RatePerKg, &o.TotalWeight, &o.Currency, &o.Payment.Provider, &o.Payment.Method,
		&o.Payment.Fee, &gatewayOrderID, &o.Payment.PaymentID, &o.Payment.PaidAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, order.ErrOrderNotFound
		}
		return order.Order{}, err
	}
	o.Status = order.Status(status)
	if couponID != nil {
		o.CouponID = *couponID
	}
	if gatewayOrderID != nil {
		o.Payment.GatewayOrderID = *gatewayOrderID
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return order.Order{}, fmt.Errorf("decode items of %s: %w", o.ID, err)
	}
	if err := json.Unmarshal(address, &o.Address); err != nil {
		return order.Order{}, fmt.Errorf("decode address of %s: %w", o.ID, err)
	}
	return o, nil
}

func wrapOrderErr(op string, err error) error {
	if errors.Is(err, order.ErrOrderNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateOrder inserts o as given.
func (q *Queries) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return order.Order{}, err
	}
	address, err := json.Marshal(o.Address)
	if err != nil {
		return order.Order{}, err
	}
	created, err := scanOrder(q.db.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, status, items, address, is_hamper, hamper_note,
			coupon_id, coupon_code, subtotal, discount, total_amount, delivery_charge,
			rate_per_kg, total_weight, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING `+orderColumns,
		o.ID, o.UserID, string(o.Status), items, address, o.IsHamper, o.HamperNote,
		nullString(o.CouponID), o.CouponCode, o.Subtotal, o.Discount, o.TotalAmount, o.DeliveryCharge,
		o.RatePerKg, o.TotalWeight, o.Currency, o.CreatedAt, o.UpdatedAt))
	if err != nil {
		return order.Order{}, wrapOrderErr("create order", err)
	}
	return created, nil
}

// GetOrder loads an order by id.
func (q *Queries) GetOrder(ctx context.Context, id string) (order.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return order.Order{}, wrapOrderErr("get order", err)
	}
	return o, nil
}

// GetOrderByGatewayOrderID loads the order a gateway order was opened for.
func (q *Queries) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (order.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE gateway_order_id = $1`, gatewayOrderID))
	if err != nil {
		return order.Order{}, wrapOrderErr("get order by gateway order", err)
	}
	return o, nil
}

// ListOrdersByUser returns a page of the user's orders, newest first.
func (q *Queries) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]order.Order, int, error) {
	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

// staleOrMissing tells a lost conditional update apart from an unknown order.
func (q *Queries) staleOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return order.ErrOrderNotFound
	}
	return order.ErrStaleStatus
}

// TransitionOrder sets the status to `to` only if it is still `from`.
func (q *Queries) TransitionOrder(ctx context.Context, id string, from, to order.Status) (order.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `
		UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns, id, string(from), string(to)))
	if errors.Is(err, order.ErrOrderNotFound) {
		return order.Order{}, q.staleOrMissing(ctx, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("transition order: %w", err)
	}
	return o, nil
}

// AttachGatewayOrder stores the gateway order and moves the order from `from`
// to awaiting payment.
func (q *Queries) AttachGatewayOrder(ctx context.Context, id string, from order.Status, p order.Payment) (order.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, payment_provider = $4, payment_method = $5, payment_fee = $6,
		    gateway_order_id = $7, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(from), string(order.StatusAwaitingPayment), p.Provider, p.Method, p.Fee, p.GatewayOrderID))
	if errors.Is(err, order.ErrOrderNotFound) {
		return order.Order{}, q.staleOrMissing(ctx, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("attach gateway order: %w", err)
	}
	return o, nil
}

// MarkOrderPaid moves an awaiting-payment order to paid.
func (q *Queries) MarkOrderPaid(ctx context.Context, id, paymentID string, paidAt time.Time) (order.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, payment_id = $4, paid_at = $5, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(order.StatusAwaitingPayment), string(order.StatusPaid), paymentID, paidAt))
	if errors.Is(err, order.ErrOrderNotFound) {
		return order.Order{}, q.staleOrMissing(ctx, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("mark order paid: %w", err)
	}
	return o, nil
}
