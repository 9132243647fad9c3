package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const razorpayDefaultBaseURL = "https://api.razorpay.com"

// ErrInvalidWebhook is returned for webhooks with a bad signature or body.
var ErrInvalidWebhook = errors.New("payment: invalid webhook")

type doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Razorpay talks to the Razorpay Orders API.
type Razorpay struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTP          doer
}

// Name implements Provider.
func (Razorpay) Name() string { return "razorpay" }

type razorpayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder implements Provider. Amounts are already in paise, which is
// what Razorpay expects.
func (r Razorpay) CreateOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error) {
	if r.HTTP == nil {
		return GatewayOrder{}, errors.New("razorpay: http client not configured")
	}
	if req.Amount <= 0 {
		return GatewayOrder{}, fmt.Errorf("razorpay: amount must be positive, got %d", req.Amount)
	}
	body, err := json.Marshal(razorpayOrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		return GatewayOrder{}, err
	}
	base := strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	if base == "" {
		base = razorpayDefaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return GatewayOrder{}, err
	}
	httpReq.SetBasicAuth(r.KeyID, r.KeySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(ctx, httpReq)
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("razorpay: create order: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("razorpay: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr razorpayError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Description != "" {
			return GatewayOrder{}, fmt.Errorf("razorpay: %s: %s", apiErr.Error.Code, apiErr.Error.Description)
		}
		return GatewayOrder{}, fmt.Errorf("razorpay: unexpected status %d", resp.StatusCode)
	}
	var out GatewayOrder
	if err := json.Unmarshal(data, &out); err != nil {
		return GatewayOrder{}, fmt.Errorf("razorpay: decode order: %w", err)
	}
	if out.ID == "" {
		return GatewayOrder{}, errors.New("razorpay: order id missing in response")
	}
	return out, nil
}

// VerifyPaymentSignature checks the checkout signature, an HMAC-SHA256 of
// "gatewayOrderId|paymentId" keyed with the API secret.
func (r Razorpay) VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool {
	return signatureMatches(r.KeySecret, signature, gatewayOrderID, paymentID)
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Amount  int64  `json:"amount"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseWebhook verifies X-Razorpay-Signature (HMAC-SHA256 of the raw body with
// the webhook secret) and extracts the payment.
func (r Razorpay) ParseWebhook(body []byte, signature string) (WebhookPayment, error) {
	if !signatureMatches(r.WebhookSecret, signature, string(body)) {
		return WebhookPayment{}, fmt.Errorf("%w: signature mismatch", ErrInvalidWebhook)
	}
	var hook razorpayWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return WebhookPayment{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	entity := hook.Payload.Payment.Entity
	return WebhookPayment{
		Event:          hook.Event,
		GatewayOrderID: entity.OrderID,
		PaymentID:      entity.ID,
		Amount:         entity.Amount,
		Captured:       hook.Event == "payment.captured" || entity.Status == "captured",
	}, nil
}

// Mock is an offline provider for local development and tests. Gateway order
// ids are derived from the receipt.
type Mock struct {
	Secret string
}

// Name implements Provider.
func (Mock) Name() string { return "mock" }

// CreateOrder implements Provider.
func (m Mock) CreateOrder(_ context.Context, req GatewayOrderRequest) (GatewayOrder, error) {
	if strings.TrimSpace(req.Receipt) == "" {
		return GatewayOrder{}, errors.New("mock: receipt is required")
	}
	if req.Amount <= 0 {
		return GatewayOrder{}, fmt.Errorf("mock: amount must be positive, got %d", req.Amount)
	}
	return GatewayOrder{
		ID:       "order_mock_" + Sign(m.Secret, req.Receipt)[:14],
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   "created",
	}, nil
}

// VerifyPaymentSignature implements Provider.
func (m Mock) VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool {
	return signatureMatches(m.Secret, signature, gatewayOrderID, paymentID)
}

// ParseWebhook implements Provider using the same body format as Razorpay.
func (m Mock) ParseWebhook(body []byte, signature string) (WebhookPayment, error) {
	return Razorpay{WebhookSecret: m.Secret}.ParseWebhook(body, signature)
}
