package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/coupon"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/shipping"
	"github.com/noah-isme/toko-pricing/internal/store"
)

// Product ids are fixed so repeated runs update rather than duplicate rows.
var demoProducts = []catalog.Product{
	{
		ID: "6f1c2f8e-3b1a-4d7e-9a52-0c4f1f3b9a01", Name: "Assam Breakfast Tea", Price: 45000, WeightGrams: 250,
		Variants: []catalog.Variant{{Name: "500g", WeightGrams: 500}, {Name: "1kg", WeightGrams: 1000}},
	},
	{
		ID: "6f1c2f8e-3b1a-4d7e-9a52-0c4f1f3b9a02", Name: "Kashmiri Saffron", Price: 120000, WeightGrams: 10,
	},
	{
		ID: "6f1c2f8e-3b1a-4d7e-9a52-0c4f1f3b9a03", Name: "Festive Dry Fruit Box", Price: 180000, WeightGrams: 1500,
		Variants: []catalog.Variant{{Name: "Large", WeightGrams: 2500}},
	},
}

func main() {
	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info", "toko-pricing-seeder")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.MigrateUp(dbURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}
	pool, err := store.Open(ctx, dbURL, store.PoolConfig{MaxConns: 2})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	db := store.New(pool)

	seedProducts(ctx, db, logger)
	seedZones(ctx, db, logger)
	seedCoupons(ctx, db, logger)

	logger.Info().Msg("seeding completed")
}

func seedProducts(ctx context.Context, db *store.Store, logger zerolog.Logger) {
	for _, p := range demoProducts {
		if err := db.UpsertProduct(ctx, p); err != nil {
			logger.Fatal().Err(err).Str("product", p.Name).Msg("seed product")
		}
	}
	logger.Info().Int("count", len(demoProducts)).Msg("products seeded")
}

func seedZones(ctx context.Context, db *store.Store, logger zerolog.Logger) {
	zones := shipping.DefaultZones()
	if err := db.ReplaceZones(ctx, zones); err != nil {
		logger.Fatal().Err(err).Msg("seed zones")
	}
	logger.Info().Int("count", len(zones)).Msg("zones seeded")
}

func seedCoupons(ctx context.Context, db *store.Store, logger zerolog.Logger) {
	now := time.Now().UTC()
	maxDiscount := pricing.Money(50000)
	minAmount := pricing.Money(100000)
	coupons := []coupon.Coupon{
		{Code: "FESTIVE10", Kind: coupon.KindPercentage, Value: 1000, MaxDiscount: &maxDiscount},
		{Code: "FLAT200", Kind: coupon.KindFixed, Value: 20000, MinAmount: &minAmount},
	}
	for _, c := range coupons {
		c.ID = uuid.NewString()
		c.ExpiresAt = now.AddDate(0, 3, 0)
		c.CreatedAt = now
		if _, err := db.CreateCoupon(ctx, c); err != nil {
			if errors.Is(err, coupon.ErrCodeTaken) {
				logger.Info().Str("code", c.Code).Msg("coupon already present")
				continue
			}
			logger.Fatal().Err(err).Str("code", c.Code).Msg("seed coupon")
		}
	}
	logger.Info().Int("count", len(coupons)).Msg("coupons seeded")
}
