package payment

import (
	"errors"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/order"
)

// Handler exposes gateway order creation, checkout verification and the
// provider webhook.
type Handler struct {
	Svc       *Service
	Replay    redis.Cmdable
	ReplayTTL time.Duration
}

type createOrderRequest struct {
	OrderID string `json:"orderId" validate:"required,uuid"`
	Method  string `json:"method" validate:"required,max=32"`
}

// CreateOrder handles POST /api/v1/payments/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	checkout, err := h.Svc.CreateGatewayOrder(r.Context(), userID, req.OrderID, req.Method)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": checkout})
}

// Verify handles POST /api/v1/payments/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req VerifyInput
	if err := common.DecodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := h.Svc.Verify(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

// Webhook handles POST /api/v1/payments/webhook. Duplicate deliveries of the
// same body are acknowledged without being processed again.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Svc.Provider == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read payload", nil)
		return
	}
	hook, err := h.Svc.Provider.ParseWebhook(body, r.Header.Get("X-Razorpay-Signature"))
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "webhook verification failed", nil)
		return
	}
	var replayKey string
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = "wh:" + h.Svc.Provider.Name() + ":" + common.HashKey(string(body))
		fresh, err := h.Replay.SetNX(r.Context(), replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "replay store error", nil)
			return
		}
		if !fresh {
			common.JSON(w, http.StatusOK, map[string]any{"data": map[string]bool{"duplicate": true}})
			return
		}
	}
	err = h.Svc.HandleWebhook(r.Context(), hook)
	if errors.Is(err, order.ErrPaymentOrphaned) {
		common.JSON(w, http.StatusOK, map[string]any{"data": map[string]bool{"processed": false, "orphaned": true}})
		return
	}
	if err != nil {
		if replayKey != "" && !errors.Is(err, order.ErrOrderNotFound) && !errors.Is(err, ErrNotPayable) && !errors.Is(err, ErrAmountMismatch) {
			// let the provider redeliver
			_ = h.Replay.Del(r.Context(), replayKey).Err()
		}
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]bool{"processed": true}})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
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
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrInvalidSignature):
		common.JSONError(w, http.StatusBadRequest, "INVALID_SIGNATURE", err.Error(), nil)
	case errors.Is(err, ErrGatewayOrderMismatch):
		common.JSONError(w, http.StatusBadRequest, "GATEWAY_ORDER_MISMATCH", err.Error(), nil)
	case errors.Is(err, order.ErrPaymentOrphaned):
		common.JSONError(w, http.StatusConflict, "PAYMENT_ORPHANED", err.Error(), nil)
	case errors.Is(err, ErrAmountMismatch):
		common.JSONError(w, http.StatusUnprocessableEntity, "AMOUNT_MISMATCH", err.Error(), nil)
	case errors.Is(err, ErrPaymentInProgress):
		common.JSONError(w, http.StatusConflict, "PAYMENT_IN_PROGRESS", err.Error(), nil)
	case errors.Is(err, ErrNotPayable), errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrStaleStatus):
		common.JSONError(w, http.StatusConflict, "ORDER_NOT_PAYABLE", err.Error(), nil)
	case errors.Is(err, ErrGatewayUnavailable):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment gateway request failed", nil)
	case common.IsAppError(err):
		common.WriteError(w, err, "")
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to process payment", nil)
	}
}
