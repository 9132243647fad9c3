package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units (paise).
type Money = int64

// MinorPerMajor is the number of minor units in one currency unit.
const MinorPerMajor Money = 100

var minorPerMajorDec = decimal.NewFromInt(MinorPerMajor)

// ParseMoney converts a decimal string in major units ("49.90") to minor units.
// Values with more precision than one minor unit are rejected.
func ParseMoney(value string) (Money, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("pricing: empty amount")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("pricing: parse amount %q: %w", value, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a major-unit decimal into minor units.
func FromDecimal(d decimal.Decimal) (Money, error) {
	minor := d.Mul(minorPerMajorDec)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("pricing: amount %s has sub-minor precision", d.String())
	}
	return minor.IntPart(), nil
}

// ToDecimal converts minor units into a major-unit decimal for display.
func ToDecimal(m Money) decimal.Decimal {
	return decimal.New(m, -2)
}

// Format renders minor units as a fixed two-decimal string.
func Format(m Money) string {
	return ToDecimal(m).StringFixed(2)
}
