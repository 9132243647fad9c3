package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

var (
	// ErrInvalidSignature is returned when a payment signature does not verify.
	ErrInvalidSignature = errors.New("payment signature mismatch")
	// ErrGatewayOrderMismatch is returned when the verified gateway order is not the order's.
	ErrGatewayOrderMismatch = errors.New("gateway order does not belong to this order")
	// ErrPaymentInProgress is returned when a gateway order already exists for a different method.
	ErrPaymentInProgress = errors.New("payment already started with another method")
	// ErrNotPayable is returned when the order status does not accept payment.
	ErrNotPayable = errors.New("order is not awaiting payment")
	// ErrGatewayUnavailable wraps provider failures while opening a gateway order.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrAmountMismatch is returned when a captured amount differs from the order's gateway amount.
	ErrAmountMismatch = errors.New("captured amount does not match order")
)

type orderService interface {
	Get(ctx context.Context, userID, id string) (order.Order, error)
	GetByGatewayOrder(ctx context.Context, gatewayOrderID string) (order.Order, error)
	BeginPayment(ctx context.Context, o order.Order, p order.Payment) (order.Order, error)
	Settle(ctx context.Context, o order.Order, paymentID string) (order.SettleResult, error)
}

type locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Checkout is what the client needs to open the gateway checkout.
type Checkout struct {
	OrderID        string        `json:"orderId"`
	Provider       string        `json:"provider"`
	GatewayOrderID string        `json:"gatewayOrderId"`
	Method         string        `json:"method"`
	Payable        pricing.Money `json:"payable"`
	Fee            pricing.Money `json:"fee"`
	GatewayAmount  pricing.Money `json:"gatewayAmount"`
	Currency       string        `json:"currency"`
}

// VerifyInput is the checkout callback posted by the client.
type VerifyInput struct {
	OrderID        string `json:"orderId" validate:"required,uuid"`
	GatewayOrderID string `json:"gatewayOrderId" validate:"required"`
	PaymentID      string `json:"paymentId" validate:"required"`
	Signature      string `json:"signature" validate:"required"`
}

// Service creates gateway orders and confirms payments.
type Service struct {
	Orders   orderService
	Provider Provider
	Fees     pricing.FeeSchedule
	Locker   locker
	LockTTL  time.Duration
	Logger   zerolog.Logger
}

func checkoutFor(o order.Order, provider string) Checkout {
	return Checkout{
		OrderID:        o.ID,
		Provider:       provider,
		GatewayOrderID: o.Payment.GatewayOrderID,
		Method:         o.Payment.Method,
		Payable:        o.Payable(),
		Fee:            o.Payment.Fee,
		GatewayAmount:  o.GatewayAmount(),
		Currency:       o.Currency,
	}
}

// CreateGatewayOrder adds the payment fee for method to the order payable and
// opens a gateway order for the sum. Repeating the call for the same method
// while the order awaits payment returns the existing gateway order.
func (s *Service) CreateGatewayOrder(ctx context.Context, userID, orderID, method string) (Checkout, error) {
	if s == nil || s.Orders == nil || s.Provider == nil {
		return Checkout{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateGatewayOrder")
	defer span.End()

	provider := s.Provider.Name()
	method = strings.ToLower(strings.TrimSpace(method))
	start := time.Now()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", provider),
			attribute.String("payment.method", method),
			attribute.String("payment.result", result),
		)
		obs.Inc(obs.GatewayOrderTotal, provider, method, result)
		if obs.GatewayOrderLatency != nil {
			obs.GatewayOrderLatency.WithLabelValues(provider).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	var checkout Checkout
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		o, err := s.Orders.Get(ctx, userID, orderID)
		if err != nil {
			return err
		}
		switch o.Status {
		case order.StatusAwaitingPayment:
			if !strings.EqualFold(o.Payment.Method, method) {
				return ErrPaymentInProgress
			}
			result = "reused"
			checkout = checkoutFor(o, provider)
			return nil
		case order.StatusDraft:
		default:
			return ErrNotPayable
		}

		fee := s.Fees.ComputeFee(o.Payable(), method)
		gw, err := s.Provider.CreateOrder(ctx, GatewayOrderRequest{
			Receipt:  o.ID,
			Amount:   o.Payable() + fee,
			Currency: o.Currency,
			Notes:    map[string]string{"orderId": o.ID, "method": method},
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}
		updated, err := s.Orders.BeginPayment(ctx, o, order.Payment{
			Provider:       provider,
			Method:         method,
			Fee:            fee,
			GatewayOrderID: gw.ID,
		})
		if err != nil {
			return err
		}
		result = "created"
		checkout = checkoutFor(updated, provider)
		s.Logger.Info().
			Str("order_id", updated.ID).
			Str("gateway_order_id", gw.ID).
			Str("method", method).
			Int64("fee", fee).
			Int64("gateway_amount", checkout.GatewayAmount).
			Msg("gateway order created")
		return nil
	})
	if err != nil {
		return Checkout{}, err
	}
	return checkout, nil
}

// Verify checks the checkout signature and settles the order. Verifying an
// already settled payment again returns the paid order.
func (s *Service) Verify(ctx context.Context, userID string, in VerifyInput) (order.Order, error) {
	if s == nil || s.Orders == nil || s.Provider == nil {
		return order.Order{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", in.OrderID))

	var paid order.Order
	err := s.withOrderLock(ctx, in.OrderID, func(ctx context.Context) error {
		o, err := s.Orders.Get(ctx, userID, in.OrderID)
		if err != nil {
			return err
		}
		if o.Payment.GatewayOrderID == "" || o.Payment.GatewayOrderID != in.GatewayOrderID {
			return ErrGatewayOrderMismatch
		}
		if !s.Provider.VerifyPaymentSignature(in.GatewayOrderID, in.PaymentID, in.Signature) {
			s.Logger.Warn().Str("order_id", o.ID).Str("payment_id", in.PaymentID).Msg("payment signature mismatch")
			return ErrInvalidSignature
		}
		paid, err = s.settle(ctx, o, in.PaymentID)
		return err
	})
	s.recordVerify(err)
	if err != nil {
		span.RecordError(err)
		return order.Order{}, err
	}
	return paid, nil
}

// HandleWebhook settles the order a captured payment belongs to. Events other
// than captures are acknowledged and ignored. A capture whose amount differs
// from the order's gateway amount is logged and not settled. A capture for an
// order that expired meanwhile is recorded as orphaned for refund.
func (s *Service) HandleWebhook(ctx context.Context, hook WebhookPayment) error {
	if !hook.Captured {
		s.Logger.Debug().Str("event", hook.Event).Msg("payment webhook ignored")
		return nil
	}
	o, err := s.Orders.GetByGatewayOrder(ctx, hook.GatewayOrderID)
	if err != nil {
		return err
	}
	err = s.withOrderLock(ctx, o.ID, func(ctx context.Context) error {
		current, err := s.Orders.Get(ctx, "", o.ID)
		if err != nil {
			return err
		}
		if hook.Amount != current.GatewayAmount() {
			s.Logger.Warn().
				Str("order_id", current.ID).
				Str("payment_id", hook.PaymentID).
				Int64("captured_amount", hook.Amount).
				Int64("expected_amount", current.GatewayAmount()).
				Msg("captured amount mismatch, payment not settled")
			return ErrAmountMismatch
		}
		_, err = s.settle(ctx, current, hook.PaymentID)
		return err
	})
	s.recordVerify(err)
	return err
}

func (s *Service) settle(ctx context.Context, o order.Order, paymentID string) (order.Order, error) {
	switch o.Status {
	case order.StatusAwaitingPayment:
	case order.StatusPaid, order.StatusShipped, order.StatusCompleted:
		if o.Payment.PaymentID == paymentID {
			return o, nil
		}
		return order.Order{}, ErrNotPayable
	case order.StatusCancelled:
		if o.Payment.GatewayOrderID == "" {
			return order.Order{}, ErrNotPayable
		}
		// order.Service records the capture and reports ErrPaymentOrphaned.
	default:
		return order.Order{}, ErrNotPayable
	}
	res, err := s.Orders.Settle(ctx, o, paymentID)
	if err != nil {
		return order.Order{}, fmt.Errorf("settle order: %w", err)
	}
	s.Logger.Info().
		Str("order_id", res.Order.ID).
		Str("payment_id", paymentID).
		Bool("coupon_redeemed", res.CouponRedeemed).
		Msg("payment settled")
	return res.Order, nil
}

func (s *Service) recordVerify(err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrGatewayOrderMismatch), errors.Is(err, ErrAmountMismatch):
		result = "invalid"
	case errors.Is(err, order.ErrPaymentOrphaned):
		result = "orphaned"
	case errors.Is(err, ErrNotPayable), errors.Is(err, order.ErrOrderNotFound):
		result = "rejected"
	default:
		result = "error"
	}
	obs.Inc(obs.PaymentVerifyTotal, s.Provider.Name(), result)
}

func (s *Service) withOrderLock(ctx context.Context, orderID string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return s.Locker.WithLock(ctx, "payment:"+orderID, ttl, fn)
}
