package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// Redeemer performs the conditional used-by update. Implementations must do it
// as a single compare-and-set and report ErrCouponAlreadyUsed or
// ErrCouponExhausted when the condition fails.
type Redeemer interface {
	RedeemCoupon(ctx context.Context, couponID, userID string) error
}

// Querier captures the persistence methods required by the coupon service.
type Querier interface {
	Redeemer
	GetCouponByCode(ctx context.Context, code string) (Coupon, error)
	ListCoupons(ctx context.Context, limit, offset int) ([]Coupon, int, error)
	CreateCoupon(ctx context.Context, c Coupon) (Coupon, error)
	DeleteCoupon(ctx context.Context, code string) error
}

// Service evaluates and administers coupons.
type Service struct {
	Q      Querier
	Logger zerolog.Logger
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Quote evaluates code against subtotal for userID. Business rejections are
// returned inside the Quote; the error is reserved for infrastructure failures.
func (s *Service) Quote(ctx context.Context, code string, subtotal pricing.Money, userID string) (Quote, error) {
	if s == nil || s.Q == nil {
		return Quote{}, errors.New("coupon service not configured")
	}
	ctx, span := otel.Tracer("coupon.Service").Start(ctx, "CouponService.Quote")
	defer span.End()

	canonical := CanonicalCode(code)
	span.SetAttributes(attribute.String("coupon.code", canonical))
	c, err := s.Q.GetCouponByCode(ctx, canonical)
	if err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			q := NotFoundQuote(canonical, subtotal)
			obs.Inc(obs.CouponQuoteTotal, q.Reason)
			return q, nil
		}
		span.RecordError(err)
		return Quote{}, fmt.Errorf("load coupon: %w", err)
	}
	q := Evaluate(c, s.now(), subtotal, userID)
	result := "valid"
	if !q.Valid {
		result = q.Reason
	}
	span.SetAttributes(attribute.String("coupon.result", result), attribute.Int64("coupon.discount", q.Discount))
	obs.Inc(obs.CouponQuoteTotal, result)
	return q, nil
}

// Redeem records userID against couponID through q. Pass a transaction-bound
// Redeemer to make redemption part of a larger unit of work.
func Redeem(ctx context.Context, q Redeemer, couponID, userID string) error {
	if strings.TrimSpace(couponID) == "" || strings.TrimSpace(userID) == "" {
		return errors.New("coupon and user are required")
	}
	err := q.RedeemCoupon(ctx, couponID, userID)
	switch {
	case err == nil:
		obs.Inc(obs.CouponRedeemTotal, "redeemed")
		return nil
	case errors.Is(err, ErrCouponAlreadyUsed), errors.Is(err, ErrCouponExhausted), errors.Is(err, ErrCouponNotFound):
		obs.Inc(obs.CouponRedeemTotal, ReasonCode(err))
		return err
	default:
		obs.Inc(obs.CouponRedeemTotal, "error")
		return fmt.Errorf("redeem coupon: %w", err)
	}
}

// CreateInput is the admin payload for a new coupon. Value is a percentage
// ("12.5") for percentage coupons and a currency amount ("100.00") for fixed
// ones; MinAmount and MaxDiscount are currency amounts.
type CreateInput struct {
	Code        string    `json:"code" validate:"required,max=32"`
	Kind        Kind      `json:"kind" validate:"required,oneof=percentage fixed"`
	Value       string    `json:"value" validate:"required"`
	MinAmount   *string   `json:"minAmount"`
	MaxDiscount *string   `json:"maxDiscount"`
	UsageLimit  *int32    `json:"usageLimit" validate:"omitempty,gt=0"`
	ExpiresAt   time.Time `json:"expiresAt" validate:"required"`
}

// ValidationError describes a rejected admin input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// Create validates and persists a coupon.
func (s *Service) Create(ctx context.Context, in CreateInput) (Coupon, error) {
	if s == nil || s.Q == nil {
		return Coupon{}, errors.New("coupon service not configured")
	}
	c, err := s.build(in)
	if err != nil {
		return Coupon{}, err
	}
	created, err := s.Q.CreateCoupon(ctx, c)
	if err != nil {
		return Coupon{}, err
	}
	s.Logger.Info().Str("coupon", created.Code).Str("kind", string(created.Kind)).Msg("coupon created")
	return created, nil
}

func (s *Service) build(in CreateInput) (Coupon, error) {
	code := CanonicalCode(in.Code)
	if code == "" {
		return Coupon{}, &ValidationError{Field: "code", Message: "is required"}
	}
	if !in.ExpiresAt.After(s.now()) {
		return Coupon{}, &ValidationError{Field: "expiresAt", Message: "must be in the future"}
	}
	c := Coupon{
		ID:         uuid.NewString(),
		Code:       code,
		Kind:       in.Kind,
		UsageLimit: in.UsageLimit,
		ExpiresAt:  in.ExpiresAt.UTC(),
		CreatedAt:  s.now().UTC(),
	}
	switch in.Kind {
	case KindPercentage:
		pct, err := decimal.NewFromString(strings.TrimSpace(in.Value))
		if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return Coupon{}, &ValidationError{Field: "value", Message: "percentage must be between 0 and 100"}
		}
		bps := pct.Mul(decimal.NewFromInt(100))
		if !bps.Equal(bps.Truncate(0)) {
			return Coupon{}, &ValidationError{Field: "value", Message: "percentage supports at most two decimals"}
		}
		c.Value = bps.IntPart()
	case KindFixed:
		amount, err := pricing.ParseMoney(in.Value)
		if err != nil || amount <= 0 {
			return Coupon{}, &ValidationError{Field: "value", Message: "fixed value must be a positive amount"}
		}
		c.Value = amount
	default:
		return Coupon{}, &ValidationError{Field: "kind", Message: "must be percentage or fixed"}
	}
	var err error
	if c.MinAmount, err = optionalMoney("minAmount", in.MinAmount); err != nil {
		return Coupon{}, err
	}
	if c.MaxDiscount, err = optionalMoney("maxDiscount", in.MaxDiscount); err != nil {
		return Coupon{}, err
	}
	return c, nil
}

func optionalMoney(field string, value *string) (*pricing.Money, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	m, err := pricing.ParseMoney(*value)
	if err != nil || m < 0 {
		return nil, &ValidationError{Field: field, Message: "must be a non-negative amount"}
	}
	return &m, nil
}

// Get returns the coupon for code.
func (s *Service) Get(ctx context.Context, code string) (Coupon, error) {
	if s == nil || s.Q == nil {
		return Coupon{}, errors.New("coupon service not configured")
	}
	return s.Q.GetCouponByCode(ctx, CanonicalCode(code))
}

// List returns a page of coupons and the total count.
func (s *Service) List(ctx context.Context, page, perPage int) ([]Coupon, int, error) {
	if s == nil || s.Q == nil {
		return nil, 0, errors.New("coupon service not configured")
	}
	return s.Q.ListCoupons(ctx, perPage, (page-1)*perPage)
}

// Delete removes the coupon for code.
func (s *Service) Delete(ctx context.Context, code string) error {
	if s == nil || s.Q == nil {
		return errors.New("coupon service not configured")
	}
	return s.Q.DeleteCoupon(ctx, CanonicalCode(code))
}
