package events

// Topic constants for domain events emitted by the pricing service.
const (
	TopicOrderPlaced          = "order.placed"
	TopicOrderAwaitingPayment = "order.awaiting_payment"
	TopicOrderPaid            = "order.paid"
	TopicOrderCancelled       = "order.cancelled"
	TopicOrderStatusChanged   = "order.status_changed"
	TopicCouponRedeemed       = "coupon.redeemed"
	TopicCouponRedeemConflict = "coupon.redeem_conflict"
	TopicPaymentOrphaned      = "payment.orphaned"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicOrderPlaced,
		TopicOrderAwaitingPayment,
		TopicOrderPaid,
		TopicOrderCancelled,
		TopicOrderStatusChanged,
		TopicCouponRedeemed,
		TopicCouponRedeemConflict,
		TopicPaymentOrphaned,
	}
}
