package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const bpsScale = 10_000

// FeeSchedule describes the payment-processing surcharge applied at gateway
// order creation. Rates are basis points; the fee is rounded up to RoundTo.
type FeeSchedule struct {
	RateBps       int64
	TaxBps        int64
	RoundTo       Money
	ExemptMethods []string
}

// DefaultFeeSchedule is 2% processing plus 18% tax on that fee, waived for UPI.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{RateBps: 200, TaxBps: 1800, RoundTo: MinorPerMajor, ExemptMethods: []string{"UPI"}}
}

// NewFeeSchedule parses decimal fractions ("0.02", "0.18") into a schedule.
func NewFeeSchedule(rate, tax string, exempt []string) (FeeSchedule, error) {
	rateBps, err := fractionToBps(rate)
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("fee rate: %w", err)
	}
	taxBps, err := fractionToBps(tax)
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("fee tax rate: %w", err)
	}
	return FeeSchedule{RateBps: rateBps, TaxBps: taxBps, RoundTo: MinorPerMajor, ExemptMethods: exempt}, nil
}

// Exempt reports whether the payment method pays no processing fee.
func (s FeeSchedule) Exempt(method string) bool {
	m := strings.TrimSpace(method)
	for _, candidate := range s.ExemptMethods {
		if strings.EqualFold(strings.TrimSpace(candidate), m) {
			return true
		}
	}
	return false
}

// ComputeFee returns amount×rate + amount×rate×tax rounded up to RoundTo, or
// zero for exempt methods and non-positive amounts.
func (s FeeSchedule) ComputeFee(amount Money, method string) Money {
	if amount <= 0 || s.RateBps <= 0 || s.Exempt(method) {
		return 0
	}
	unit := s.RoundTo
	if unit <= 0 {
		unit = 1
	}
	numerator := amount * s.RateBps * (bpsScale + s.TaxBps)
	denominator := int64(bpsScale) * bpsScale * unit
	return ceilDiv(numerator, denominator) * unit
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

func fractionToBps(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative rate %s", trimmed)
	}
	bps := d.Mul(decimal.NewFromInt(bpsScale))
	if !bps.Equal(bps.Truncate(0)) {
		return 0, fmt.Errorf("rate %s finer than one basis point", trimmed)
	}
	return bps.IntPart(), nil
}
