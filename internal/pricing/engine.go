package pricing

import (
	"errors"
	"math"
)

// ErrAmountOverflow is returned when a computed amount does not fit in Money.
var ErrAmountOverflow = errors.New("pricing: amount out of range")

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice Money
}

// Summary aggregates computed pricing components for an order.
//
// Total is the item subtotal after discount and before delivery. Payable is
// Total plus Delivery and is never stored on its own.
type Summary struct {
	Subtotal Money `json:"subtotal"`
	Discount Money `json:"discount"`
	Total    Money `json:"total"`
	Delivery Money `json:"delivery"`
	Payable  Money `json:"payable"`
}

// Subtotal sums quantity × unit price, skipping non-positive quantities.
func Subtotal(items []Item) (Money, error) {
	var subtotal Money
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		line, ok := MulChecked(Money(it.Qty), it.UnitPrice)
		if !ok {
			return 0, ErrAmountOverflow
		}
		if subtotal, ok = AddChecked(subtotal, line); !ok {
			return 0, ErrAmountOverflow
		}
	}
	return subtotal, nil
}

// Compute calculates order totals given the provided inputs. The discount is
// clamped to the subtotal so the total never goes negative.
func Compute(items []Item, discount Money, delivery Money) (Summary, error) {
	subtotal, err := Subtotal(items)
	if err != nil {
		return Summary{}, err
	}
	if discount < 0 {
		discount = 0
	}
	if discount > subtotal {
		discount = subtotal
	}
	if delivery < 0 {
		delivery = 0
	}
	total := subtotal - discount
	payable, ok := AddChecked(total, delivery)
	if !ok {
		return Summary{}, ErrAmountOverflow
	}
	return Summary{
		Subtotal: subtotal,
		Discount: discount,
		Total:    total,
		Delivery: delivery,
		Payable:  payable,
	}, nil
}

// MulChecked multiplies two non-negative values, reporting false on overflow
// or when either operand is negative.
func MulChecked(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}

// AddChecked adds two non-negative values, reporting false on overflow or
// when either operand is negative.
func AddChecked(a, b int64) (int64, bool) {
	if a < 0 || b < 0 || a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
