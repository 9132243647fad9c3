package shipping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

var (
	// ErrInvalidAddress is returned when an address field is not a string.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNoFallbackZone signals a zone table whose last entry is not a catch-all.
	ErrNoFallbackZone = errors.New("zone table has no fallback entry")
	// ErrInvalidZone is returned for zones with negative rates or misplaced catch-alls.
	ErrInvalidZone = errors.New("invalid zone")
	// ErrZoneConfig wraps validation failures of the active (stored) table.
	ErrZoneConfig = errors.New("zone configuration error")
)

// Address is the free-text destination used for zone matching.
type Address struct {
	Locality string `json:"locality"`
	City     string `json:"city"`
	State    string `json:"state"`
}

// UnmarshalJSON accepts missing or null fields as empty strings and rejects
// any other non-string value with ErrInvalidAddress.
func (a *Address) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = Address{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	var out Address
	for key, dst := range map[string]*string{"locality": &out.Locality, "city": &out.City, "state": &out.State} {
		value, ok := raw[key]
		if !ok || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return fmt.Errorf("%w: %s must be a string", ErrInvalidAddress, key)
		}
	}
	*a = out
	return nil
}

// MatchKey is the lowercase "locality city state" string keywords are matched against.
func (a Address) MatchKey() string {
	return strings.ToLower(a.Locality + " " + a.City + " " + a.State)
}

// Zone is a delivery region with its per-kilogram rate in minor units.
type Zone struct {
	ID        int           `json:"id"`
	Name      string        `json:"name"`
	Keywords  []string      `json:"keywords"`
	RatePerKg pricing.Money `json:"ratePerKg"`
}

// Matches reports whether any keyword occurs in key. A zone with no keywords
// matches every address.
func (z Zone) Matches(key string) bool {
	if len(z.Keywords) == 0 {
		return true
	}
	for _, kw := range z.Keywords {
		if kw != "" && strings.Contains(key, kw) {
			return true
		}
	}
	return false
}

// ZoneTable is a priority-ordered list: the first matching zone wins, so
// entries run from most to least specific and the last entry is the
// keyword-less catch-all.
type ZoneTable []Zone

// Normalize lowercases and trims keywords, dropping blanks.
func (t ZoneTable) Normalize() ZoneTable {
	out := make(ZoneTable, len(t))
	for i, z := range t {
		keywords := make([]string, 0, len(z.Keywords))
		for _, kw := range z.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		z.Name = strings.TrimSpace(z.Name)
		z.Keywords = keywords
		out[i] = z
	}
	return out
}

// Validate checks the table is usable: non-empty, non-negative rates, and
// exactly one catch-all in last position.
func (t ZoneTable) Validate() error {
	if len(t) == 0 {
		return ErrNoFallbackZone
	}
	last := len(t) - 1
	for i, z := range t {
		if z.RatePerKg < 0 {
			return fmt.Errorf("%w: zone %d has negative rate", ErrInvalidZone, z.ID)
		}
		if i < last && len(z.Keywords) == 0 {
			return fmt.Errorf("%w: zone %d has no keywords but is not last", ErrInvalidZone, z.ID)
		}
	}
	if len(t[last].Keywords) != 0 {
		return ErrNoFallbackZone
	}
	return nil
}

// Fallback returns the catch-all zone.
func (t ZoneTable) Fallback() Zone {
	if len(t) == 0 {
		return Zone{}
	}
	return t[len(t)-1]
}

// Resolve returns the first zone matching addr. On a validated table this
// always succeeds.
func (t ZoneTable) Resolve(addr Address) (Zone, error) {
	key := addr.MatchKey()
	for _, z := range t {
		if z.Matches(key) {
			return z, nil
		}
	}
	return Zone{}, ErrNoFallbackZone
}

// ResolveRate returns the per-kilogram rate for addr.
func (t ZoneTable) ResolveRate(addr Address) (pricing.Money, error) {
	z, err := t.Resolve(addr)
	if err != nil {
		return 0, err
	}
	return z.RatePerKg, nil
}

// DefaultZones is the seeded table used when no admin-managed table exists.
func DefaultZones() ZoneTable {
	return ZoneTable{
		{ID: 1, Name: "Mumbai", Keywords: []string{"mumbai", "mazgaon", "thane", "navi mumbai"}, RatePerKg: 5_000},
		{ID: 2, Name: "Maharashtra", Keywords: []string{"maharashtra", "pune", "nashik", "nagpur"}, RatePerKg: 6_000},
		{ID: 3, Name: "West India", Keywords: []string{"gujarat", "goa", "ahmedabad", "surat", "vadodara"}, RatePerKg: 7_000},
		{ID: 4, Name: "Metros", Keywords: []string{"delhi", "bengaluru", "bangalore", "chennai", "kolkata", "hyderabad"}, RatePerKg: 8_000},
		{ID: 5, Name: "Rest of India", Keywords: nil, RatePerKg: 10_000},
	}
}
