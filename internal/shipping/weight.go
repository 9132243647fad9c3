package shipping

import (
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// DefaultHamperSurchargeGrams is the packaging weight added once to hamper orders.
const DefaultHamperSurchargeGrams = 250

// Aggregator sums cart weight in grams and bills it in whole kilograms.
type Aggregator struct {
	HamperSurchargeGrams int
}

// TotalGrams returns the exact cart weight including any hamper surcharge. A
// line whose weight does not fit in an int64 is rejected as an invalid line.
func (a Aggregator) TotalGrams(lines []catalog.Line, isHamper bool) (int, error) {
	var total int64
	for i, line := range lines {
		if line.Product == nil {
			return 0, &catalog.LineError{Index: i, Reason: "product is required"}
		}
		if line.Quantity <= 0 {
			return 0, &catalog.LineError{Index: i, Reason: "quantity must be positive"}
		}
		grams, ok := pricing.MulChecked(int64(line.Product.UnitWeightGrams(line.Variant)), int64(line.Quantity))
		if ok {
			total, ok = pricing.AddChecked(total, grams)
		}
		if !ok {
			return 0, &catalog.LineError{Index: i, Reason: "weight out of range"}
		}
	}
	if isHamper && a.HamperSurchargeGrams > 0 {
		var ok bool
		if total, ok = pricing.AddChecked(total, int64(a.HamperSurchargeGrams)); !ok {
			return 0, &catalog.LineError{Index: len(lines) - 1, Reason: "weight out of range"}
		}
	}
	return int(total), nil
}

// TotalWeight returns the cart weight rounded up to whole kilograms.
func (a Aggregator) TotalWeight(lines []catalog.Line, isHamper bool) (int, error) {
	grams, err := a.TotalGrams(lines, isHamper)
	if err != nil {
		return 0, err
	}
	return grams/1000 + min(grams%1000, 1), nil
}

// TotalWeight aggregates with the default hamper surcharge.
func TotalWeight(lines []catalog.Line, isHamper bool) (int, error) {
	return Aggregator{HamperSurchargeGrams: DefaultHamperSurchargeGrams}.TotalWeight(lines, isHamper)
}
