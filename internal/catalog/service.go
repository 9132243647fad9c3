package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// ErrInvalidCartLine is returned when a cart line references no product, an
// unknown product or a non-positive quantity.
var ErrInvalidCartLine = errors.New("invalid cart line")

// ErrProductNotFound is returned by stores when a product id is unknown.
var ErrProductNotFound = errors.New("product not found")

// Variant is a purchasable option of a product, matched by name.
type Variant struct {
	Name        string `json:"name"`
	WeightGrams int    `json:"weightGrams"`
}

// Product carries the fields the pricing pipeline reads.
type Product struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Price       pricing.Money `json:"price"`
	WeightGrams int           `json:"weightGrams"`
	Variants    []Variant     `json:"variants"`
}

// UnitWeightGrams returns the selected variant's weight when it is positive,
// else the base weight. Negative weights are treated as zero.
func (p Product) UnitWeightGrams(variant string) int {
	name := strings.TrimSpace(variant)
	if name != "" {
		for _, v := range p.Variants {
			if strings.EqualFold(strings.TrimSpace(v.Name), name) && v.WeightGrams > 0 {
				return v.WeightGrams
			}
		}
	}
	if p.WeightGrams > 0 {
		return p.WeightGrams
	}
	return 0
}

// MaxLineQuantity bounds the quantity of a single cart line.
const MaxLineQuantity = 10_000

// CartItem is a cart line as submitted by clients. Missing products and
// non-positive quantities are left to Resolve, which reports them as
// ErrInvalidCartLine with the line index.
type CartItem struct {
	ProductID string `json:"product"`
	Variant   string `json:"selectedVariant"`
	Quantity  int    `json:"quantity" validate:"max=10000"`
}

// Line is a cart item resolved against the catalog.
type Line struct {
	Product  *Product
	Variant  string
	Quantity int
}

// LineError identifies the offending cart line. It unwraps to ErrInvalidCartLine.
type LineError struct {
	Index  int
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("cart line %d: %s", e.Index, e.Reason)
}

func (e *LineError) Unwrap() error { return ErrInvalidCartLine }

type queryProvider interface {
	GetProductsByIDs(ctx context.Context, ids []uuid.UUID) ([]Product, error)
}

// Service resolves cart items into priced, weighted lines.
type Service struct {
	Q      queryProvider
	Cache  *Cache
	Logger zerolog.Logger
}

func productCacheKey(id string) string {
	return "catalog:product:" + id
}

// Products loads the given products keyed by id. Unknown ids are absent from
// the result. Cache failures are logged and fall through to the store.
func (s *Service) Products(ctx context.Context, ids []uuid.UUID) (map[string]Product, error) {
	unique := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
	}

	result := make(map[string]Product, len(unique))
	keys := make([]string, len(unique))
	for i, id := range unique {
		keys[i] = productCacheKey(id.String())
	}
	err := s.Cache.GetManyJSON(ctx, keys, func(_ int, raw []byte) error {
		var p Product
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		result[p.ID] = p
		return nil
	})
	if err != nil {
		s.Logger.Warn().Err(err).Int("keys", len(keys)).Msg("catalog cache read failed")
	}

	var missing []uuid.UUID
	for _, id := range unique {
		if _, ok := result[id.String()]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	if s.Q == nil {
		return nil, errors.New("catalog queries not configured")
	}
	rows, err := s.Q.GetProductsByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	fill := make(map[string]any, len(rows))
	for _, p := range rows {
		result[p.ID] = p
		fill[productCacheKey(p.ID)] = p
	}
	if err := s.Cache.SetManyJSON(ctx, fill); err != nil {
		s.Logger.Warn().Err(err).Int("products", len(rows)).Msg("catalog cache write failed")
	}
	return result, nil
}

// Product returns a single product or ErrProductNotFound.
func (s *Service) Product(ctx context.Context, id uuid.UUID) (Product, error) {
	found, err := s.Products(ctx, []uuid.UUID{id})
	if err != nil {
		return Product{}, err
	}
	p, ok := found[id.String()]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

// Resolve validates cart items and attaches their products.
func (s *Service) Resolve(ctx context.Context, items []CartItem) ([]Line, error) {
	ids := make([]uuid.UUID, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, &LineError{Index: i, Reason: "product is required"}
		}
		if item.Quantity <= 0 {
			return nil, &LineError{Index: i, Reason: "quantity must be positive"}
		}
		if item.Quantity > MaxLineQuantity {
			return nil, &LineError{Index: i, Reason: "quantity exceeds maximum"}
		}
		id, err := uuid.Parse(strings.TrimSpace(item.ProductID))
		if err != nil {
			return nil, &LineError{Index: i, Reason: "malformed product id"}
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return []Line{}, nil
	}
	products, err := s.Products(ctx, ids)
	if err != nil {
		return nil, err
	}
	lines := make([]Line, 0, len(items))
	for i, item := range items {
		p, ok := products[ids[i].String()]
		if !ok {
			return nil, &LineError{Index: i, Reason: "unknown product"}
		}
		product := p
		lines = append(lines, Line{Product: &product, Variant: strings.TrimSpace(item.Variant), Quantity: item.Quantity})
	}
	return lines, nil
}

// PricedItems converts resolved lines into pricing items at catalog price.
func PricedItems(lines []Line) []pricing.Item {
	items := make([]pricing.Item, 0, len(lines))
	for _, l := range lines {
		if l.Product == nil {
			continue
		}
		items = append(items, pricing.Item{Qty: l.Quantity, UnitPrice: l.Product.Price})
	}
	return items
}
