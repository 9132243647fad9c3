package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// GatewayOrderRequest is what the provider needs to open a gateway order.
type GatewayOrderRequest struct {
	Receipt  string
	Amount   pricing.Money
	Currency string
	Notes    map[string]string
}

// GatewayOrder is the provider-side order the client completes checkout against.
type GatewayOrder struct {
	ID       string        `json:"id"`
	Amount   pricing.Money `json:"amount"`
	Currency string        `json:"currency"`
	Status   string        `json:"status"`
}

// WebhookPayment is the payment a verified webhook reports as captured.
type WebhookPayment struct {
	Event          string
	GatewayOrderID string
	PaymentID      string
	Amount         pricing.Money
	Captured       bool
}

// Provider abstracts the upstream payment gateway.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error)
	VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool
	ParseWebhook(body []byte, signature string) (WebhookPayment, error)
}

// Sign returns the hex HMAC-SHA256 of the parts joined with "|".
func Sign(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

func signatureMatches(secret, signature string, parts ...string) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, parts...)), []byte(strings.ToLower(signature)))
}
