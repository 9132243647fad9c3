package shipping

import (
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// Quote is the delivery breakdown returned to clients and stored on orders.
type Quote struct {
	Zone           string        `json:"zone"`
	TotalWeight    int           `json:"totalWeight"`
	RatePerKg      pricing.Money `json:"ratePerKg"`
	DeliveryCharge pricing.Money `json:"deliveryCharge"`
}

// Calculator composes zone resolution and weight aggregation. It holds no
// mutable state, so identical inputs always produce identical quotes.
type Calculator struct {
	Zones   ZoneTable
	Weights Aggregator
}

// Compute returns the delivery charge as totalWeight × ratePerKg.
func (c Calculator) Compute(lines []catalog.Line, addr Address, isHamper bool) (Quote, error) {
	zone, err := c.Zones.Resolve(addr)
	if err != nil {
		return Quote{}, err
	}
	kg, err := c.Weights.TotalWeight(lines, isHamper)
	if err != nil {
		return Quote{}, err
	}
	charge, ok := pricing.MulChecked(pricing.Money(kg), zone.RatePerKg)
	if !ok {
		return Quote{}, pricing.ErrAmountOverflow
	}
	return Quote{
		Zone:           zone.Name,
		TotalWeight:    kg,
		RatePerKg:      zone.RatePerKg,
		DeliveryCharge: charge,
	}, nil
}

// Availability reports whether addr falls into a directly serviced zone.
type Availability struct {
	Zone        string        `json:"zone"`
	RatePerKg   pricing.Money `json:"ratePerKg"`
	Serviceable bool          `json:"serviceable"`
}

// CheckAvailability resolves addr; anything priced at the fallback rate is not serviceable.
func (t ZoneTable) CheckAvailability(addr Address) (Availability, error) {
	zone, err := t.Resolve(addr)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		Zone:        zone.Name,
		RatePerKg:   zone.RatePerKg,
		Serviceable: zone.RatePerKg != t.Fallback().RatePerKg,
	}, nil
}
