package coupon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

var (
	// ErrCouponNotFound is returned when no coupon exists for the code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponExpired is returned at or after the coupon's expiry instant.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponAlreadyUsed is returned when the user has already redeemed the coupon.
	ErrCouponAlreadyUsed = errors.New("coupon already used")
	// ErrCouponExhausted is returned when the global usage limit has been reached.
	ErrCouponExhausted = errors.New("coupon usage limit reached")
	// ErrBelowMinimumAmount is returned when the subtotal is under the coupon minimum.
	ErrBelowMinimumAmount = errors.New("order amount below coupon minimum")
	// ErrCodeTaken is returned when creating a coupon whose code already exists.
	ErrCodeTaken = errors.New("coupon code already exists")
)

// Kind selects how the coupon value is interpreted.
type Kind string

const (
	// KindPercentage values are basis points of the subtotal (1000 = 10%).
	KindPercentage Kind = "percentage"
	// KindFixed values are minor currency units.
	KindFixed Kind = "fixed"
)

// Coupon is a redeemable discount code.
type Coupon struct {
	ID          string         `json:"id"`
	Code        string         `json:"code"`
	Kind        Kind           `json:"kind"`
	Value       int64          `json:"value"`
	MinAmount   *pricing.Money `json:"minAmount,omitempty"`
	MaxDiscount *pricing.Money `json:"maxDiscount,omitempty"`
	UsageLimit  *int32         `json:"usageLimit,omitempty"`
	UsedCount   int32          `json:"usedCount"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	UsedBy      []string       `json:"-"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// CanonicalCode trims and upper-cases a user supplied code.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// UsedByUser reports whether userID already redeemed the coupon.
func (c Coupon) UsedByUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range c.UsedBy {
		if u == userID {
			return true
		}
	}
	return false
}

// Check applies the rejection rules in their fixed order: expiry, prior use by
// userID, global usage limit, then minimum amount.
func (c Coupon) Check(now time.Time, subtotal pricing.Money, userID string) error {
	if !now.Before(c.ExpiresAt) {
		return ErrCouponExpired
	}
	if c.UsedByUser(userID) {
		return ErrCouponAlreadyUsed
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return ErrCouponExhausted
	}
	if c.MinAmount != nil && subtotal < *c.MinAmount {
		return fmt.Errorf("%w: minimum order amount is %s", ErrBelowMinimumAmount, pricing.Format(*c.MinAmount))
	}
	return nil
}

// Discount returns the discount for subtotal. Percentage discounts are capped
// by MaxDiscount; fixed discounts are the configured value as-is.
func (c Coupon) Discount(subtotal pricing.Money) pricing.Money {
	switch c.Kind {
	case KindPercentage:
		if subtotal <= 0 || c.Value <= 0 {
			return 0
		}
		d := subtotal * c.Value / 10_000
		if c.MaxDiscount != nil && d > *c.MaxDiscount {
			d = *c.MaxDiscount
		}
		return d
	case KindFixed:
		if c.Value < 0 {
			return 0
		}
		return c.Value
	default:
		return 0
	}
}

// Quote is the outcome of evaluating a coupon against a subtotal. Rejections
// are carried in Reason and Message rather than as errors.
type Quote struct {
	CouponID      string         `json:"-"`
	Code          string         `json:"code"`
	Valid         bool           `json:"valid"`
	Discount      pricing.Money  `json:"discount"`
	FinalAmount   pricing.Money  `json:"finalAmount"`
	Reason        string         `json:"reason,omitempty"`
	Message       string         `json:"message,omitempty"`
	MinimumAmount *pricing.Money `json:"minimumAmount,omitempty"`

	err error
}

// Err returns the sentinel error for a rejected quote, or nil.
func (q Quote) Err() error { return q.err }

// Evaluate quotes c against subtotal for userID without mutating anything.
func Evaluate(c Coupon, now time.Time, subtotal pricing.Money, userID string) Quote {
	q := Quote{CouponID: c.ID, Code: c.Code, FinalAmount: subtotal}
	if err := c.Check(now, subtotal, userID); err != nil {
		q = rejected(c.Code, subtotal, err)
		q.CouponID = c.ID
		if errors.Is(err, ErrBelowMinimumAmount) {
			q.MinimumAmount = c.MinAmount
		}
		return q
	}
	q.Valid = true
	q.Discount = c.Discount(subtotal)
	q.FinalAmount = subtotal - q.Discount
	if q.FinalAmount < 0 {
		q.FinalAmount = 0
	}
	return q
}

// NotFoundQuote is the rejection for a code with no matching coupon.
func NotFoundQuote(code string, subtotal pricing.Money) Quote {
	return rejected(CanonicalCode(code), subtotal, ErrCouponNotFound)
}

func rejected(code string, subtotal pricing.Money, err error) Quote {
	return Quote{Code: code, FinalAmount: subtotal, Reason: ReasonCode(err), Message: err.Error(), err: err}
}

// ReasonCode maps coupon errors to stable machine-readable codes.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrCouponNotFound):
		return "COUPON_NOT_FOUND"
	case errors.Is(err, ErrCouponExpired):
		return "COUPON_EXPIRED"
	case errors.Is(err, ErrCouponAlreadyUsed):
		return "COUPON_ALREADY_USED"
	case errors.Is(err, ErrCouponExhausted):
		return "COUPON_EXHAUSTED"
	case errors.Is(err, ErrBelowMinimumAmount):
		return "BELOW_MINIMUM_AMOUNT"
	default:
		return "COUPON_INVALID"
	}
}
