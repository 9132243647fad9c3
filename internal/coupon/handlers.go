package coupon

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// Handler exposes coupon quoting and administration endpoints.
type Handler struct {
	Svc *Service
}

type quoteRequest struct {
	Code     string        `json:"code" validate:"required"`
	Subtotal pricing.Money `json:"subtotal" validate:"gte=0"`
}

// Quote handles POST /api/v1/coupons/quote. Rejected coupons answer 404 or
// 422 with the quote in details.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var req quoteRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err, "invalid payload")
		return
	}
	quote, err := h.Svc.Quote(r.Context(), req.Code, req.Subtotal, userID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to quote coupon", nil)
		return
	}
	if !quote.Valid {
		WriteRejection(w, quote)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": quote})
}

// WriteRejection renders a rejected quote as an error envelope.
func WriteRejection(w http.ResponseWriter, q Quote) {
	status := http.StatusUnprocessableEntity
	if errors.Is(q.Err(), ErrCouponNotFound) {
		status = http.StatusNotFound
	}
	common.JSONError(w, status, q.Reason, q.Message, q)
}

// AdminCreate handles POST /api/v1/admin/coupons.
func (h *Handler) AdminCreate(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	var in CreateInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err, "invalid payload")
		return
	}
	c, err := h.Svc.Create(r.Context(), in)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), map[string]string{verr.Field: verr.Message})
		case errors.Is(err, ErrCodeTaken):
			common.JSONError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error(), nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to create coupon", nil)
		}
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": c})
}

// AdminList handles GET /api/v1/admin/coupons.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 20, 100)
	items, total, err := h.Svc.List(r.Context(), page, perPage)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list coupons", nil)
		return
	}
	if items == nil {
		items = []Coupon{}
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": common.NewPagination(page, perPage, total),
	})
}

// AdminGet handles GET /api/v1/admin/coupons/{code}.
func (h *Handler) AdminGet(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	c, err := h.Svc.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "coupon not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load coupon", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": c})
}

// AdminDelete handles DELETE /api/v1/admin/coupons/{code}.
func (h *Handler) AdminDelete(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "coupon service not configured", nil)
		return
	}
	if err := h.Svc.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "coupon not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to delete coupon", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
