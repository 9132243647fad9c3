package shipping

import (
	"context"
	"errors"
	"net/http"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

type lineResolver interface {
	Resolve(ctx context.Context, items []catalog.CartItem) ([]catalog.Line, error)
}

// Handler exposes delivery availability, delivery quotes and zone administration.
type Handler struct {
	Svc     *Service
	Catalog lineResolver
}

type availabilityRequest struct {
	Address Address `json:"address"`
}

type quoteRequest struct {
	Address  Address            `json:"address"`
	Items    []catalog.CartItem `json:"items" validate:"dive"`
	IsHamper bool               `json:"isHamper"`
}

type replaceZonesRequest struct {
	Zones []zonePayload `json:"zones" validate:"required,min=1,dive"`
}

type zonePayload struct {
	ID        int      `json:"id" validate:"gte=0"`
	Name      string   `json:"name" validate:"required"`
	Keywords  []string `json:"keywords"`
	RatePerKg int64    `json:"ratePerKg" validate:"gte=0"`
}

// Availability handles POST /api/v1/delivery/availability.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "shipping service not configured", nil)
		return
	}
	var req availabilityRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Svc.Availability(r.Context(), req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": result})
}

// Quote handles POST /api/v1/delivery/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Catalog == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "shipping service not configured", nil)
		return
	}
	var req quoteRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lines, err := h.Catalog.Resolve(r.Context(), req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	quote, err := h.Svc.Quote(r.Context(), lines, req.Address, req.IsHamper)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": quote})
}

// AdminListZones handles GET /api/v1/admin/zones.
func (h *Handler) AdminListZones(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "shipping service not configured", nil)
		return
	}
	zones, err := h.Svc.Zones(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": zones})
}

// AdminReplaceZones handles PUT /api/v1/admin/zones. The submitted order is the match priority.
func (h *Handler) AdminReplaceZones(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "shipping service not configured", nil)
		return
	}
	var req replaceZonesRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	table := make(ZoneTable, 0, len(req.Zones))
	for _, z := range req.Zones {
		table = append(table, Zone{ID: z.ID, Name: z.Name, Keywords: z.Keywords, RatePerKg: z.RatePerKg})
	}
	saved, err := h.Svc.ReplaceZones(r.Context(), table)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": saved})
}

func writeError(w http.ResponseWriter, err error) {
	var lineErr *catalog.LineError
	switch {
	case errors.Is(err, ErrZoneConfig):
		common.JSONError(w, http.StatusInternalServerError, "ZONE_CONFIG", "delivery zones misconfigured", nil)
	case errors.Is(err, ErrInvalidAddress):
		common.JSONError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error(), nil)
	case errors.As(err, &lineErr):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_CART_LINE", lineErr.Reason, map[string]any{"index": lineErr.Index})
	case errors.Is(err, pricing.ErrAmountOverflow):
		common.JSONError(w, http.StatusUnprocessableEntity, "AMOUNT_OUT_OF_RANGE", "delivery charge out of range", nil)
	case errors.Is(err, ErrNoFallbackZone), errors.Is(err, ErrInvalidZone):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_ZONE_TABLE", err.Error(), nil)
	case common.IsAppError(err):
		common.WriteError(w, err, "")
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to compute delivery", nil)
	}
}
