package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/toko-pricing/internal/shipping"
)

// ListZones returns the zone table in match priority order.
func (q *Queries) ListZones(ctx context.Context) (shipping.ZoneTable, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, keywords, rate_per_kg
		FROM delivery_zones
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var table shipping.ZoneTable
	for rows.Next() {
		var z shipping.Zone
		if err := rows.Scan(&z.ID, &z.Name, &z.Keywords, &z.RatePerKg); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		table = append(table, z)
	}
	return table, rows.Err()
}

// ReplaceZones swaps the whole table atomically, keeping the given order.
func (s *Store) ReplaceZones(ctx context.Context, table shipping.ZoneTable) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM delivery_zones`); err != nil {
			return fmt.Errorf("clear zones: %w", err)
		}
		batch := &pgx.Batch{}
		for i, z := range table {
			keywords := z.Keywords
			if keywords == nil {
				keywords = []string{}
			}
			batch.Queue(`
				INSERT INTO delivery_zones (position, id, name, keywords, rate_per_kg)
				VALUES ($1, $2, $3, $4, $5)`, i+1, z.ID, z.Name, keywords, z.RatePerKg)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert zones: %w", err)
		}
		return nil
	})
}
