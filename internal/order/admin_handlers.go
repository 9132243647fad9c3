package order

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-pricing/internal/common"
)

// AdminHandler exposes order lifecycle operations for back-office staff.
type AdminHandler struct {
	Svc *Service
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

// PatchStatus handles PATCH /api/v1/admin/orders/{id}/status.
func (h *AdminHandler) PatchStatus(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	var req statusRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := ParseStatus(req.Status)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]string{"status": "oneof"})
		return
	}
	o, err := h.Svc.Transition(r.Context(), chi.URLParam(r, "id"), to)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}
