package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/shipping"
)

var (
	// ErrOrderNotFound is returned when the order does not exist or belongs to another user.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition is returned when the state machine forbids the requested status change.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrStaleStatus is returned when the stored status changed between read and conditional write.
	ErrStaleStatus = errors.New("order status changed concurrently")
	// ErrEmptyCart is returned when placing an order without items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrNothingPayable is returned when placing an order whose payable is zero;
	// gateways cannot collect a zero amount.
	ErrNothingPayable = errors.New("order payable must be positive")
	// ErrPaymentOrphaned is returned when a payment is captured for an order
	// that was already cancelled. The capture is recorded for refund.
	ErrPaymentOrphaned = errors.New("payment captured for a cancelled order")
)

// Status is the order lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusShipped         Status = "shipped"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusDraft: {
		StatusAwaitingPayment: true,
		StatusCancelled:       true,
	},
	StatusAwaitingPayment: {
		StatusPaid:      true,
		StatusCancelled: true,
	},
	StatusPaid: {
		StatusShipped:   true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusCompleted: true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// ParseStatus validates a status name.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := allowedTransitions[s]; !ok {
		return "", fmt.Errorf("unknown order status %q", value)
	}
	return s, nil
}

// Item is a purchased line with the unit price actually charged.
type Item struct {
	ProductID   string        `json:"productId"`
	Name        string        `json:"name"`
	Variant     string        `json:"selectedVariant,omitempty"`
	Quantity    int           `json:"quantity"`
	UnitPrice   pricing.Money `json:"unitPrice"`
	WeightGrams int           `json:"weightGrams"`
}

// Payment holds gateway metadata persisted with the order.
type Payment struct {
	Provider       string        `json:"provider,omitempty"`
	Method         string        `json:"method,omitempty"`
	Fee            pricing.Money `json:"fee"`
	GatewayOrderID string        `json:"gatewayOrderId,omitempty"`
	PaymentID      string        `json:"paymentId,omitempty"`
	PaidAt         *time.Time    `json:"paidAt,omitempty"`
}

// Order is a placed order. TotalAmount is the item subtotal after discount
// and before delivery; DeliveryCharge is kept separately.
type Order struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	Status         Status           `json:"status"`
	Items          []Item           `json:"items"`
	Address        shipping.Address `json:"address"`
	IsHamper       bool             `json:"isHamper"`
	HamperNote     string           `json:"hamperNote,omitempty"`
	CouponID       string           `json:"-"`
	CouponCode     string           `json:"couponCode,omitempty"`
	Subtotal       pricing.Money    `json:"subtotal"`
	Discount       pricing.Money    `json:"discount"`
	TotalAmount    pricing.Money    `json:"totalAmount"`
	DeliveryCharge pricing.Money    `json:"deliveryCharge"`
	RatePerKg      pricing.Money    `json:"ratePerKg"`
	TotalWeight    int              `json:"totalWeight"`
	Currency       string           `json:"currency"`
	Payment        Payment          `json:"payment"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Payable is what the customer owes before any payment fee.
func (o Order) Payable() pricing.Money {
	return o.TotalAmount + o.DeliveryCharge
}

// GatewayAmount is the amount requested from the payment gateway.
func (o Order) GatewayAmount() pricing.Money {
	return o.Payable() + o.Payment.Fee
}

// MarshalJSON adds the derived payable and gateway amounts.
func (o Order) MarshalJSON() ([]byte, error) {
	type alias Order
	return json.Marshal(struct {
		alias
		Payable       pricing.Money `json:"payable"`
		GatewayAmount pricing.Money `json:"gatewayAmount"`
	}{alias: alias(o), Payable: o.Payable(), GatewayAmount: o.GatewayAmount()})
}
