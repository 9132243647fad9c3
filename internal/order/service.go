package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/coupon"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/shipping"
)

// Store persists orders. Status writes are conditional on the expected
// current status and return ErrStaleStatus when it no longer matches.
type Store interface {
	CreateOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]Order, int, error)
	TransitionOrder(ctx context.Context, id string, from, to Status) (Order, error)
	AttachGatewayOrder(ctx context.Context, id string, from Status, p Payment) (Order, error)
}

// TxQuerier is the transaction-scoped view used to settle a payment.
type TxQuerier interface {
	coupon.Redeemer
	MarkOrderPaid(ctx context.Context, id, paymentID string, paidAt time.Time) (Order, error)
}

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(TxQuerier) error) error
}

// TxFunc adapts a function to TxRunner.
type TxFunc func(ctx context.Context, fn func(TxQuerier) error) error

// InTx implements TxRunner.
func (f TxFunc) InTx(ctx context.Context, fn func(TxQuerier) error) error { return f(ctx, fn) }

type cartResolver interface {
	Resolve(ctx context.Context, items []catalog.CartItem) ([]catalog.Line, error)
}

type couponQuoter interface {
	Quote(ctx context.Context, code string, subtotal pricing.Money, userID string) (coupon.Quote, error)
}

type deliveryQuoter interface {
	Quote(ctx context.Context, lines []catalog.Line, addr shipping.Address, isHamper bool) (shipping.Quote, error)
}

// ExpiryScheduler arranges for ExpireIfUnpaid to run after the payment window.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, orderID string, after time.Duration) error
}

// CouponRejectedError carries the rejected quote when placement fails on a coupon.
type CouponRejectedError struct {
	Quote coupon.Quote
}

func (e *CouponRejectedError) Error() string { return e.Quote.Message }

func (e *CouponRejectedError) Unwrap() error { return e.Quote.Err() }

// PlaceInput is a checkout request.
type PlaceInput struct {
	Items      []catalog.CartItem `json:"items" validate:"required,min=1,dive"`
	Address    shipping.Address   `json:"address"`
	IsHamper   bool               `json:"isHamper"`
	HamperNote string             `json:"hamperNote" validate:"max=280"`
	CouponCode string             `json:"couponCode" validate:"max=32"`
}

// Breakdown is the priced checkout before anything is persisted.
type Breakdown struct {
	Subtotal    pricing.Money  `json:"subtotal"`
	Coupon      *coupon.Quote  `json:"coupon,omitempty"`
	Discount    pricing.Money  `json:"discount"`
	TotalAmount pricing.Money  `json:"totalAmount"`
	Delivery    shipping.Quote `json:"delivery"`
	Payable     pricing.Money  `json:"payable"`

	lines []catalog.Line
}

// PlaceResult is the created order with its delivery breakdown.
type PlaceResult struct {
	Order          Order         `json:"order"`
	DeliveryCharge pricing.Money `json:"deliveryCharge"`
	RatePerKg      pricing.Money `json:"ratePerKg"`
	TotalWeight    int           `json:"totalWeight"`
}

// SettleResult reports a confirmed payment. CouponErr is set when the coupon
// could not be redeemed (lost a race or exhausted); the order is paid regardless.
type SettleResult struct {
	Order          Order
	CouponRedeemed bool
	CouponErr      error
}

// Service runs order placement and the order lifecycle.
type Service struct {
	Store         Store
	Tx            TxRunner
	Catalog       cartResolver
	Coupons       couponQuoter
	Delivery      deliveryQuoter
	Events        *events.Bus
	Expiry        ExpiryScheduler
	PaymentWindow time.Duration
	Currency      string
	Logger        zerolog.Logger
	Now           func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) paymentWindow() time.Duration {
	if s.PaymentWindow > 0 {
		return s.PaymentWindow
	}
	return 30 * time.Minute
}

// Quote prices a checkout: coupon on the item subtotal first, then delivery.
// Nothing is persisted or reserved.
func (s *Service) Quote(ctx context.Context, userID string, in PlaceInput) (Breakdown, error) {
	if s == nil || s.Catalog == nil || s.Delivery == nil {
		return Breakdown{}, errors.New("order service not configured")
	}
	lines, err := s.Catalog.Resolve(ctx, in.Items)
	if err != nil {
		return Breakdown{}, err
	}
	items := catalog.PricedItems(lines)
	subtotal, err := pricing.Subtotal(items)
	if err != nil {
		return Breakdown{}, err
	}

	var quote *coupon.Quote
	var discount pricing.Money
	if code := strings.TrimSpace(in.CouponCode); code != "" {
		if s.Coupons == nil {
			return Breakdown{}, errors.New("coupon service not configured")
		}
		q, err := s.Coupons.Quote(ctx, code, subtotal, userID)
		if err != nil {
			return Breakdown{}, err
		}
		if !q.Valid {
			return Breakdown{}, &CouponRejectedError{Quote: q}
		}
		quote = &q
		discount = q.Discount
	}

	delivery, err := s.Delivery.Quote(ctx, lines, in.Address, in.IsHamper)
	if err != nil {
		return Breakdown{}, err
	}
	summary, err := pricing.Compute(items, discount, delivery.DeliveryCharge)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		Subtotal:    summary.Subtotal,
		Coupon:      quote,
		Discount:    summary.Discount,
		TotalAmount: summary.Total,
		Delivery:    delivery,
		Payable:     summary.Payable,
		lines:       lines,
	}, nil
}

// Place prices the checkout and persists a draft order. The order is
// cancelled automatically if it is not paid within the payment window.
func (s *Service) Place(ctx context.Context, userID string, in PlaceInput) (PlaceResult, error) {
	if s == nil || s.Store == nil {
		return PlaceResult{}, errors.New("order service not configured")
	}
	ctx, span := otel.Tracer("order.Service").Start(ctx, "OrderService.Place")
	defer span.End()

	if len(in.Items) == 0 {
		return PlaceResult{}, ErrEmptyCart
	}
	b, err := s.Quote(ctx, userID, in)
	if err != nil {
		span.RecordError(err)
		return PlaceResult{}, err
	}
	if b.Payable <= 0 {
		return PlaceResult{}, ErrNothingPayable
	}

	now := s.now().UTC()
	o := Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusDraft,
		Items:          orderItems(b.lines),
		Address:        in.Address,
		IsHamper:       in.IsHamper,
		Subtotal:       b.Subtotal,
		Discount:       b.Discount,
		TotalAmount:    b.TotalAmount,
		DeliveryCharge: b.Delivery.DeliveryCharge,
		RatePerKg:      b.Delivery.RatePerKg,
		TotalWeight:    b.Delivery.TotalWeight,
		Currency:       s.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.IsHamper {
		o.HamperNote = strings.TrimSpace(in.HamperNote)
	}
	if b.Coupon != nil {
		o.CouponID = b.Coupon.CouponID
		o.CouponCode = b.Coupon.Code
	}
	created, err := s.Store.CreateOrder(ctx, o)
	if err != nil {
		span.RecordError(err)
		return PlaceResult{}, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(
		attribute.String("order.id", created.ID),
		attribute.Int64("order.total", created.TotalAmount),
		attribute.Int64("order.delivery", created.DeliveryCharge),
	)

	if s.Expiry != nil {
		if err := s.Expiry.ScheduleExpiry(ctx, created.ID, s.paymentWindow()); err != nil {
			s.Logger.Error().Err(err).Str("order_id", created.ID).Msg("schedule order expiry failed")
		}
	}
	s.emit(ctx, events.TopicOrderPlaced, created, map[string]any{
		"userId":         created.UserID,
		"totalAmount":    created.TotalAmount,
		"deliveryCharge": created.DeliveryCharge,
		"couponCode":     created.CouponCode,
	})
	return PlaceResult{
		Order:          created,
		DeliveryCharge: created.DeliveryCharge,
		RatePerKg:      created.RatePerKg,
		TotalWeight:    created.TotalWeight,
	}, nil
}

func orderItems(lines []catalog.Line) []Item {
	items := make([]Item, 0, len(lines))
	for _, l := range lines {
		if l.Product == nil {
			continue
		}
		items = append(items, Item{
			ProductID:   l.Product.ID,
			Name:        l.Product.Name,
			Variant:     l.Variant,
			Quantity:    l.Quantity,
			UnitPrice:   l.Product.Price,
			WeightGrams: l.Product.UnitWeightGrams(l.Variant),
		})
	}
	return items
}

// Get returns the order if it belongs to userID. An empty userID skips the
// ownership check.
func (s *Service) Get(ctx context.Context, userID, id string) (Order, error) {
	if s == nil || s.Store == nil {
		return Order{}, errors.New("order service not configured")
	}
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrOrderNotFound
	}
	o, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if userID != "" && o.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

// GetByGatewayOrder finds the order a payment gateway order was created for.
func (s *Service) GetByGatewayOrder(ctx context.Context, gatewayOrderID string) (Order, error) {
	if s == nil || s.Store == nil {
		return Order{}, errors.New("order service not configured")
	}
	if strings.TrimSpace(gatewayOrderID) == "" {
		return Order{}, ErrOrderNotFound
	}
	return s.Store.GetOrderByGatewayOrderID(ctx, gatewayOrderID)
}

// List returns a page of the user's orders, newest first, and the total count.
func (s *Service) List(ctx context.Context, userID string, page, perPage int) ([]Order, int, error) {
	if s == nil || s.Store == nil {
		return nil, 0, errors.New("order service not configured")
	}
	return s.Store.ListOrdersByUser(ctx, userID, perPage, (page-1)*perPage)
}

// Transition moves an order to the target status if the state machine allows it.
func (s *Service) Transition(ctx context.Context, id string, to Status) (Order, error) {
	current, err := s.Get(ctx, "", id)
	if err != nil {
		return Order{}, err
	}
	if to == StatusPaid {
		// paid is only reachable through payment verification
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	return s.transition(ctx, current, to)
}

func (s *Service) transition(ctx context.Context, current Order, to Status) (Order, error) {
	if !CanTransition(current.Status, to) {
		s.Logger.Warn().
			Str("order_id", current.ID).
			Str("current_status", string(current.Status)).
			Str("new_status", string(to)).
			Msg("invalid status transition attempt")
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	updated, err := s.Store.TransitionOrder(ctx, current.ID, current.Status, to)
	if err != nil {
		return Order{}, err
	}
	s.afterTransition(ctx, current.Status, updated)
	return updated, nil
}

func (s *Service) afterTransition(ctx context.Context, from Status, o Order) {
	obs.Inc(obs.OrderTransitionTotal, string(from), string(o.Status))
	s.emit(ctx, events.TopicOrderStatusChanged, o, map[string]any{"from": from, "to": o.Status})
	switch o.Status {
	case StatusCancelled:
		s.emit(ctx, events.TopicOrderCancelled, o, map[string]any{"from": from})
	case StatusAwaitingPayment:
		s.emit(ctx, events.TopicOrderAwaitingPayment, o, map[string]any{
			"gatewayOrderId": o.Payment.GatewayOrderID,
			"method":         o.Payment.Method,
			"fee":            o.Payment.Fee,
			"gatewayAmount":  o.GatewayAmount(),
		})
	case StatusPaid:
		s.emit(ctx, events.TopicOrderPaid, o, map[string]any{
			"paymentId":     o.Payment.PaymentID,
			"gatewayAmount": o.GatewayAmount(),
		})
	}
}

// BeginPayment records gateway order details and moves a draft order to
// awaiting payment.
func (s *Service) BeginPayment(ctx context.Context, o Order, p Payment) (Order, error) {
	if !CanTransition(o.Status, StatusAwaitingPayment) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusAwaitingPayment)
	}
	updated, err := s.Store.AttachGatewayOrder(ctx, o.ID, o.Status, p)
	if err != nil {
		return Order{}, err
	}
	s.afterTransition(ctx, o.Status, updated)
	return updated, nil
}

// Settle marks an awaiting-payment order paid and redeems its coupon in one
// transaction. A coupon that can no longer be redeemed does not undo the
// payment; it is reported in the result and raised as an event.
//
// A payment captured after the order expired cannot settle it. The capture is
// logged and raised as payment.orphaned so it can be refunded, and
// ErrPaymentOrphaned is returned.
func (s *Service) Settle(ctx context.Context, o Order, paymentID string) (SettleResult, error) {
	if s == nil || s.Tx == nil {
		return SettleResult{}, errors.New("order service not configured")
	}
	if o.Status == StatusCancelled && o.Payment.GatewayOrderID != "" {
		s.Logger.Warn().
			Str("order_id", o.ID).
			Str("gateway_order_id", o.Payment.GatewayOrderID).
			Str("payment_id", paymentID).
			Int64("amount", o.GatewayAmount()).
			Msg("payment captured for cancelled order")
		s.emit(ctx, events.TopicPaymentOrphaned, o, map[string]any{
			"orderId":        o.ID,
			"userId":         o.UserID,
			"gatewayOrderId": o.Payment.GatewayOrderID,
			"paymentId":      paymentID,
			"amount":         o.GatewayAmount(),
			"currency":       o.Currency,
		})
		return SettleResult{}, ErrPaymentOrphaned
	}
	if !CanTransition(o.Status, StatusPaid) {
		return SettleResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusPaid)
	}
	var result SettleResult
	err := s.Tx.InTx(ctx, func(q TxQuerier) error {
		paid, err := q.MarkOrderPaid(ctx, o.ID, paymentID, s.now().UTC())
		if err != nil {
			return err
		}
		result = SettleResult{Order: paid}
		if paid.CouponID == "" {
			return nil
		}
		err = coupon.Redeem(ctx, q, paid.CouponID, paid.UserID)
		switch {
		case err == nil:
			result.CouponRedeemed = true
		case errors.Is(err, coupon.ErrCouponAlreadyUsed), errors.Is(err, coupon.ErrCouponExhausted), errors.Is(err, coupon.ErrCouponNotFound):
			result.CouponErr = err
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return SettleResult{}, err
	}
	s.afterTransition(ctx, o.Status, result.Order)
	if result.Order.CouponID != "" {
		payload := map[string]any{"code": result.Order.CouponCode, "userId": result.Order.UserID, "orderId": result.Order.ID}
		if result.CouponRedeemed {
			s.emitAggregate(ctx, events.TopicCouponRedeemed, result.Order.CouponID, payload)
		} else {
			payload["reason"] = coupon.ReasonCode(result.CouponErr)
			s.Logger.Warn().Err(result.CouponErr).Str("order_id", result.Order.ID).Str("coupon", result.Order.CouponCode).Msg("coupon redemption conflict on paid order")
			s.emit(ctx, events.TopicCouponRedeemConflict, result.Order, payload)
		}
	}
	return result, nil
}

// ErrPaymentWindowOpen is returned by ExpireIfUnpaid when it runs before the
// payment window has elapsed; the caller should retry later.
var ErrPaymentWindowOpen = errors.New("payment window still open")

// ExpireIfUnpaid cancels the order when it is still unpaid after the payment
// window. It reports whether the order was cancelled.
func (s *Service) ExpireIfUnpaid(ctx context.Context, id string) (bool, error) {
	o, err := s.Get(ctx, "", id)
	if err != nil {
		return false, err
	}
	if o.Status != StatusDraft && o.Status != StatusAwaitingPayment {
		return false, nil
	}
	if s.now().Before(o.CreatedAt.Add(s.paymentWindow())) {
		return false, ErrPaymentWindowOpen
	}
	if _, err := s.transition(ctx, o, StatusCancelled); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return false, nil
		}
		return false, err
	}
	s.Logger.Info().Str("order_id", o.ID).Str("status", string(o.Status)).Msg("unpaid order expired")
	return true, nil
}

func (s *Service) emit(ctx context.Context, topic string, o Order, payload map[string]any) {
	s.emitAggregate(ctx, topic, o.ID, payload)
}

func (s *Service) emitAggregate(ctx context.Context, topic, aggregateID string, payload map[string]any) {
	if s.Events == nil {
		return
	}
	id, err := uuid.Parse(aggregateID)
	if err != nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, id, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).Msg("emit event failed")
	}
}
