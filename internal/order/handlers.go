package order

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/coupon"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/shipping"
)

// Handler exposes checkout quoting, order placement and order queries.
type Handler struct {
	Svc *Service
}

// QuoteCart handles POST /api/v1/quote. Nothing is persisted.
func (h *Handler) QuoteCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var in PlaceInput
	if err := common.DecodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	b, err := h.Svc.Quote(r.Context(), userID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": b})
}

// Place handles POST /api/v1/orders.
func (h *Handler) Place(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var in PlaceInput
	if err := common.DecodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Svc.Place(r.Context(), userID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": res})
}

// List handles GET /api/v1/orders.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	page, perPage := common.ParsePagination(r, 10, 50)
	orders, total, err := h.Svc.List(r.Context(), userID, page, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       orders,
		"pagination": common.NewPagination(page, perPage, total),
	})
}

// Get handles GET /api/v1/orders/{orderId}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	o, err := h.Svc.Get(r.Context(), userID, chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return "", false
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return "", false
	}
	return userID, true
}

func writeError(w http.ResponseWriter, err error) {
	var rejected *CouponRejectedError
	var lineErr *catalog.LineError
	switch {
	case errors.As(err, &rejected):
		coupon.WriteRejection(w, rejected.Quote)
	case errors.Is(err, shipping.ErrInvalidAddress):
		common.JSONError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error(), nil)
	case errors.As(err, &lineErr):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_CART_LINE", lineErr.Reason, map[string]any{"index": lineErr.Index})
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusUnprocessableEntity, "EMPTY_CART", err.Error(), nil)
	case errors.Is(err, ErrNothingPayable):
		common.JSONError(w, http.StatusUnprocessableEntity, "NOTHING_PAYABLE", err.Error(), nil)
	case errors.Is(err, pricing.ErrAmountOverflow):
		common.JSONError(w, http.StatusUnprocessableEntity, "AMOUNT_OUT_OF_RANGE", "order amount out of range", nil)
	case errors.Is(err, ErrOrderNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, ErrStaleStatus):
		common.JSONError(w, http.StatusConflict, "STALE_STATUS", "order status changed concurrently", nil)
	case errors.Is(err, shipping.ErrZoneConfig):
		common.JSONError(w, http.StatusInternalServerError, "ZONE_CONFIG", "delivery zones misconfigured", nil)
	case common.IsAppError(err):
		common.WriteError(w, err, "")
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to process order", nil)
	}
}
