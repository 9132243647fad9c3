package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubQueries struct {
	mu       sync.Mutex
	products map[uuid.UUID]Product
	calls    int
}

func (s *stubQueries) GetProductsByIDs(_ context.Context, ids []uuid.UUID) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []Product
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func newStub(products ...Product) *stubQueries {
	q := &stubQueries{products: map[uuid.UUID]Product{}}
	for _, p := range products {
		q.products[uuid.MustParse(p.ID)] = p
	}
	return q
}

func TestUnitWeightGramsPrefersVariant(t *testing.T) {
	p := Product{WeightGrams: 2000, Variants: []Variant{
		{Name: "Red", WeightGrams: 2500},
		{Name: "Blue", WeightGrams: 0},
		{Name: "Green", WeightGrams: -10},
	}}
	require.Equal(t, 2500, p.UnitWeightGrams("red"))
	require.Equal(t, 2000, p.UnitWeightGrams("Blue"))
	require.Equal(t, 2000, p.UnitWeightGrams("Green"))
	require.Equal(t, 2000, p.UnitWeightGrams("Purple"))
	require.Equal(t, 2000, p.UnitWeightGrams(""))

	require.Zero(t, Product{WeightGrams: -5}.UnitWeightGrams(""))
}

func TestResolveRejectsInvalidLines(t *testing.T) {
	known := Product{ID: uuid.NewString(), Price: 10_000, WeightGrams: 500}
	svc := &Service{Q: newStub(known)}

	cases := []struct {
		name  string
		items []CartItem
		index int
	}{
		{"missing product", []CartItem{{Quantity: 1}}, 0},
		{"zero quantity", []CartItem{{ProductID: known.ID, Quantity: 0}}, 0},
		{"malformed id", []CartItem{{ProductID: known.ID, Quantity: 1}, {ProductID: "nope", Quantity: 1}}, 1},
		{"unknown product", []CartItem{{ProductID: uuid.NewString(), Quantity: 2}}, 0},
		{"quantity above cap", []CartItem{{ProductID: known.ID, Quantity: 1}, {ProductID: known.ID, Quantity: MaxLineQuantity + 1}}, 1},
		{"quantity near int64 limit", []CartItem{{ProductID: known.ID, Quantity: 368934881474191033}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Resolve(context.Background(), tc.items)
			require.ErrorIs(t, err, ErrInvalidCartLine)
			var lineErr *LineError
			require.True(t, errors.As(err, &lineErr))
			require.Equal(t, tc.index, lineErr.Index)
		})
	}
}

func TestResolveUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	known := Product{ID: uuid.NewString(), Name: "Tea tin", Price: 45_000, WeightGrams: 750}
	q := newStub(known)
	svc := &Service{Q: q, Cache: NewCache(client, time.Minute)}

	items := []CartItem{{ProductID: known.ID, Quantity: 2, Variant: " Gold "}}
	lines, err := svc.Resolve(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "Gold", lines[0].Variant)
	require.Equal(t, int64(45_000), lines[0].Product.Price)

	_, err = svc.Resolve(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, 1, q.calls)
	require.True(t, mr.Exists(productCacheKey(known.ID)))

	priced := PricedItems(lines)
	require.Len(t, priced, 1)
	require.Equal(t, 2, priced[0].Qty)
}

func TestProductDetailHandler(t *testing.T) {
	known := Product{ID: uuid.NewString(), Name: "Hamper basket", Price: 99_900, WeightGrams: 1200}
	h := &Handler{Svc: &Service{Q: newStub(known)}}
	r := chi.NewRouter()
	r.Get("/api/v1/products/{productId}", h.ProductDetail)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/"+known.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data Product `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, known.Name, body.Data.Name)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/bad", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductsFillsOnlyMisses(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := Product{ID: uuid.NewString(), Name: "Diya set", Price: 12_000, WeightGrams: 300}
	b := Product{ID: uuid.NewString(), Name: "Dry fruit box", Price: 80_000, WeightGrams: 1000}
	cache := NewCache(client, time.Minute)
	require.NoError(t, cache.SetJSON(context.Background(), productCacheKey(a.ID), a))

	q := newStub(a, b)
	svc := &Service{Q: q, Cache: cache}
	idA, idB := uuid.MustParse(a.ID), uuid.MustParse(b.ID)
	got, err := svc.Products(context.Background(), []uuid.UUID{idA, idB, idA})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Dry fruit box", got[b.ID].Name)
	require.Equal(t, 1, q.calls)
	require.True(t, mr.Exists(productCacheKey(b.ID)))
	require.Greater(t, mr.TTL(productCacheKey(b.ID)), time.Duration(0))
}

func TestNilCacheIsAlwaysMiss(t *testing.T) {
	var c *Cache
	var p Product
	ok, err := c.GetJSON(context.Background(), "k", &p)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.SetJSON(context.Background(), "k", p))
	require.NoError(t, c.GetManyJSON(context.Background(), []string{"k"}, func(int, []byte) error {
		return errors.New("unexpected hit")
	}))
}
