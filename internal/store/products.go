package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-pricing/internal/catalog"
)

// GetProductsByIDs returns the products that exist among ids.
func (q *Queries) GetProductsByIDs(ctx context.Context, ids []uuid.UUID) ([]catalog.Product, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, price, weight_grams, variants
		FROM products
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []catalog.Product
	for rows.Next() {
		var (
			p        catalog.Product
			id       uuid.UUID
			variants []byte
		)
		if err := rows.Scan(&id, &p.Name, &p.Price, &p.WeightGrams, &variants); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.ID = id.String()
		if len(variants) > 0 {
			if err := json.Unmarshal(variants, &p.Variants); err != nil {
				return nil, fmt.Errorf("decode variants of %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProduct inserts or replaces a product. Used by seeding and tests.
func (q *Queries) UpsertProduct(ctx context.Context, p catalog.Product) error {
	variants, err := json.Marshal(p.Variants)
	if err != nil {
		return err
	}
	if p.Variants == nil {
		variants = []byte("[]")
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO products (id, name, price, weight_grams, variants)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price,
		    weight_grams = EXCLUDED.weight_grams, variants = EXCLUDED.variants`,
		p.ID, p.Name, p.Price, p.WeightGrams, variants)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
