package shipping

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/obs"
)

const zoneCacheKey = "shipping:zones:v1"

type zoneStore interface {
	ListZones(ctx context.Context) (ZoneTable, error)
	ReplaceZones(ctx context.Context, table ZoneTable) error
}

// Service loads the active zone table and computes delivery quotes against it.
// The table comes from the cache, then the store, then DefaultZones.
type Service struct {
	Store   zoneStore
	Cache   *catalog.Cache
	Weights Aggregator
	Logger  zerolog.Logger
}

// Zones returns the active, validated zone table.
func (s *Service) Zones(ctx context.Context) (ZoneTable, error) {
	var cached ZoneTable
	ok, err := s.Cache.GetJSON(ctx, zoneCacheKey, &cached)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("zone cache read failed")
	}
	if ok && cached.Validate() == nil {
		return cached, nil
	}

	table := DefaultZones()
	if s.Store != nil {
		stored, err := s.Store.ListZones(ctx)
		if err != nil {
			return nil, fmt.Errorf("load zones: %w", err)
		}
		if len(stored) > 0 {
			table = stored
		}
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrZoneConfig, err)
	}
	if err := s.Cache.SetJSON(ctx, zoneCacheKey, table); err != nil {
		s.Logger.Warn().Err(err).Msg("zone cache write failed")
	}
	return table, nil
}

// ReplaceZones validates and persists a new zone table, then drops the cached copy.
func (s *Service) ReplaceZones(ctx context.Context, table ZoneTable) (ZoneTable, error) {
	if s.Store == nil {
		return nil, errors.New("zone store not configured")
	}
	normalized := table.Normalize()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}
	if err := s.Store.ReplaceZones(ctx, normalized); err != nil {
		return nil, fmt.Errorf("replace zones: %w", err)
	}
	if err := s.Cache.Delete(ctx, zoneCacheKey); err != nil {
		s.Logger.Warn().Err(err).Msg("zone cache invalidation failed")
	}
	s.Logger.Info().Int("zones", len(normalized)).Msg("zone table replaced")
	return normalized, nil
}

// Calculator returns a delivery calculator bound to the active zone table.
func (s *Service) Calculator(ctx context.Context) (Calculator, error) {
	zones, err := s.Zones(ctx)
	if err != nil {
		return Calculator{}, err
	}
	weights := s.Weights
	if weights.HamperSurchargeGrams == 0 {
		weights.HamperSurchargeGrams = DefaultHamperSurchargeGrams
	}
	return Calculator{Zones: zones, Weights: weights}, nil
}

// Quote computes the delivery charge for resolved cart lines.
func (s *Service) Quote(ctx context.Context, lines []catalog.Line, addr Address, isHamper bool) (Quote, error) {
	ctx, span := otel.Tracer("shipping.Service").Start(ctx, "ShippingService.Quote")
	defer span.End()

	calc, err := s.Calculator(ctx)
	if err != nil {
		span.RecordError(err)
		return Quote{}, err
	}
	quote, err := calc.Compute(lines, addr, isHamper)
	if err != nil {
		span.RecordError(err)
		return Quote{}, err
	}
	span.SetAttributes(
		attribute.String("shipping.zone", quote.Zone),
		attribute.Int("shipping.weight_kg", quote.TotalWeight),
		attribute.Int64("shipping.charge", quote.DeliveryCharge),
	)
	obs.Inc(obs.DeliveryQuoteTotal, quote.Zone)
	return quote, nil
}

// Availability reports whether addr is in a directly serviced zone.
func (s *Service) Availability(ctx context.Context, addr Address) (Availability, error) {
	zones, err := s.Zones(ctx)
	if err != nil {
		return Availability{}, err
	}
	return zones.CheckAvailability(addr)
}
