package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CouponQuoteTotal counts coupon quotes by outcome (valid or rejection reason).
	CouponQuoteTotal *prometheus.CounterVec
	// CouponRedeemTotal counts coupon redemption attempts by outcome.
	CouponRedeemTotal *prometheus.CounterVec
	// DeliveryQuoteTotal counts delivery charge computations by resolved zone.
	DeliveryQuoteTotal *prometheus.CounterVec
	// GatewayOrderTotal counts payment gateway order creation outcomes.
	GatewayOrderTotal *prometheus.CounterVec
	// GatewayOrderLatency records gateway order creation latency in milliseconds.
	GatewayOrderLatency *prometheus.HistogramVec
	// PaymentVerifyTotal counts payment signature verification outcomes.
	PaymentVerifyTotal *prometheus.CounterVec
	// OrderTransitionTotal counts applied order status transitions.
	OrderTransitionTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CouponQuoteTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_quote_total",
			Help:      "Count of coupon quotes by result.",
		}, []string{"result"}))
		CouponRedeemTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_redeem_total",
			Help:      "Count of coupon redemption attempts by result.",
		}, []string{"result"}))
		DeliveryQuoteTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_quote_total",
			Help:      "Count of delivery charge computations by zone.",
		}, []string{"zone"}))
		GatewayOrderTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_gateway_order_total",
			Help:      "Count of gateway order creation outcomes.",
		}, []string{"provider", "method", "result"}))
		GatewayOrderLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_gateway_order_duration_ms",
			Help:      "Latency of gateway order creation in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"provider"}))
		PaymentVerifyTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verify_total",
			Help:      "Count of payment verification outcomes.",
		}, []string{"provider", "result"}))
		OrderTransitionTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transition_total",
			Help:      "Count of applied order status transitions.",
		}, []string{"from", "to"}))
	})
}

// Inc increments a labelled counter when domain metrics are registered.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
