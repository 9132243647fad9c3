package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/resilience"
)

const secret = "test-secret"

type fakeOrders struct {
	mu       sync.Mutex
	orders   map[string]order.Order
	settled  int
	orphaned []string
}

func (f *fakeOrders) Get(_ context.Context, userID, id string) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || (userID != "" && o.UserID != userID) {
		return order.Order{}, order.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeOrders) GetByGatewayOrder(_ context.Context, gatewayOrderID string) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.Payment.GatewayOrderID == gatewayOrderID {
			return o, nil
		}
	}
	return order.Order{}, order.ErrOrderNotFound
}

func (f *fakeOrders) BeginPayment(_ context.Context, o order.Order, p order.Payment) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !order.CanTransition(o.Status, order.StatusAwaitingPayment) {
		return order.Order{}, order.ErrInvalidTransition
	}
	o.Status = order.StatusAwaitingPayment
	o.Payment = p
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeOrders) Settle(_ context.Context, o order.Order, paymentID string) (order.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.Status == order.StatusCancelled {
		f.orphaned = append(f.orphaned, paymentID)
		return order.SettleResult{}, order.ErrPaymentOrphaned
	}
	if f.orders[o.ID].Status != order.StatusAwaitingPayment {
		return order.SettleResult{}, order.ErrStaleStatus
	}
	o.Status = order.StatusPaid
	o.Payment.PaymentID = paymentID
	f.orders[o.ID] = o
	f.settled++
	return order.SettleResult{Order: o}, nil
}

func newOrder(userID string, total, delivery pricing.Money) order.Order {
	return order.Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         order.StatusDraft,
		TotalAmount:    total,
		DeliveryCharge: delivery,
		Currency:       "INR",
	}
}

type failingProvider struct{ Mock }

func (failingProvider) CreateOrder(context.Context, GatewayOrderRequest) (GatewayOrder, error) {
	return GatewayOrder{}, errors.New("connection refused")
}

func newService(t *testing.T, orders ...order.Order) (*Service, *fakeOrders) {
	t.Helper()
	store := &fakeOrders{orders: map[string]order.Order{}}
	for _, o := range orders {
		store.orders[o.ID] = o
	}
	return &Service{
		Orders:   store,
		Provider: Mock{Secret: secret},
		Fees:     pricing.DefaultFeeSchedule(),
		Logger:   zerolog.Nop(),
	}, store
}

func TestCreateGatewayOrderAddsFee(t *testing.T) {
	o := newOrder("user-1", 70000, 30000)
	svc, store := newService(t, o)

	checkout, err := svc.CreateGatewayOrder(context.Background(), "user-1", o.ID, "Card")
	require.NoError(t, err)
	require.Equal(t, pricing.Money(100000), checkout.Payable)
	require.Equal(t, pricing.Money(2400), checkout.Fee)
	require.Equal(t, pricing.Money(102400), checkout.GatewayAmount)
	require.Equal(t, "card", checkout.Method)
	require.Equal(t, "mock", checkout.Provider)
	require.NotEmpty(t, checkout.GatewayOrderID)

	saved := store.orders[o.ID]
	require.Equal(t, order.StatusAwaitingPayment, saved.Status)
	require.Equal(t, pricing.Money(2400), saved.Payment.Fee)
	require.Equal(t, checkout.GatewayOrderID, saved.Payment.GatewayOrderID)
}

func TestCreateGatewayOrderUPIIsExempt(t *testing.T) {
	o := newOrder("user-1", 70000, 30000)
	svc, _ := newService(t, o)
	checkout, err := svc.CreateGatewayOrder(context.Background(), "user-1", o.ID, "upi")
	require.NoError(t, err)
	require.Zero(t, checkout.Fee)
	require.Equal(t, checkout.Payable, checkout.GatewayAmount)
}

func TestCreateGatewayOrderIsIdempotentPerMethod(t *testing.T) {
	o := newOrder("user-1", 50000, 10000)
	svc, _ := newService(t, o)
	first, err := svc.CreateGatewayOrder(context.Background(), "user-1", o.ID, "card")
	require.NoError(t, err)
	again, err := svc.CreateGatewayOrder(context.Background(), "user-1", o.ID, "CARD")
	require.NoError(t, err)
	require.Equal(t, first, again)

	_, err = svc.CreateGatewayOrder(context.Background(), "user-1", o.ID, "upi")
	require.ErrorIs(t, err, ErrPaymentInProgress)
}

func TestCreateGatewayOrderRejections(t *testing.T) {
	cancelled := newOrder("user-1", 50000, 10000)
	cancelled.Status = order.StatusCancelled
	draft := newOrder("user-1", 50000, 10000)
	svc, store := newService(t, cancelled, draft)

	_, err := svc.CreateGatewayOrder(context.Background(), "user-1", cancelled.ID, "card")
	require.ErrorIs(t, err, ErrNotPayable)

	_, err = svc.CreateGatewayOrder(context.Background(), "user-2", draft.ID, "card")
	require.ErrorIs(t, err, order.ErrOrderNotFound)

	svc.Provider = failingProvider{}
	_, err = svc.CreateGatewayOrder(context.Background(), "user-1", draft.ID, "card")
	require.ErrorIs(t, err, ErrGatewayUnavailable)
	require.Equal(t, order.StatusDraft, store.orders[draft.ID].Status)
}

func startPayment(t *testing.T, svc *Service, o order.Order) Checkout {
	t.Helper()
	checkout, err := svc.CreateGatewayOrder(context.Background(), o.UserID, o.ID, "card")
	require.NoError(t, err)
	return checkout
}

func TestVerifySettlesOnce(t *testing.T) {
	o := newOrder("user-1", 50000, 10000)
	svc, store := newService(t, o)
	checkout := startPayment(t, svc, o)

	in := VerifyInput{
		OrderID:        o.ID,
		GatewayOrderID: checkout.GatewayOrderID,
		PaymentID:      "pay_1",
		Signature:      Sign(secret, checkout.GatewayOrderID, "pay_1"),
	}
	paid, err := svc.Verify(context.Background(), "user-1", in)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, paid.Status)

	again, err := svc.Verify(context.Background(), "user-1", in)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, again.Status)
	require.Equal(t, 1, store.settled)
}

func TestVerifyRejectsBadInput(t *testing.T) {
	o := newOrder("user-1", 50000, 10000)
	svc, store := newService(t, o)
	checkout := startPayment(t, svc, o)

	_, err := svc.Verify(context.Background(), "user-1", VerifyInput{
		OrderID: o.ID, GatewayOrderID: checkout.GatewayOrderID, PaymentID: "pay_1", Signature: "deadbeef",
	})
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = svc.Verify(context.Background(), "user-1", VerifyInput{
		OrderID: o.ID, GatewayOrderID: "order_other", PaymentID: "pay_1", Signature: Sign(secret, "order_other", "pay_1"),
	})
	require.ErrorIs(t, err, ErrGatewayOrderMismatch)
	require.Zero(t, store.settled)
}

func TestVerifySerialisedByLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	o := newOrder("user-1", 50000, 10000)
	svc, store := newService(t, o)
	svc.Locker = lock.Locker{R: client, RetryBackoff: time.Millisecond}
	checkout := startPayment(t, svc, o)
	in := VerifyInput{
		OrderID:        o.ID,
		GatewayOrderID: checkout.GatewayOrderID,
		PaymentID:      "pay_1",
		Signature:      Sign(secret, checkout.GatewayOrderID, "pay_1"),
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(context.Background(), "user-1", in)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, store.settled)
}

func TestRazorpayCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "rzp_key", user)
		require.Equal(t, secret, pass)
		var body razorpayOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.EqualValues(t, 102400, body.Amount)
		require.Equal(t, "INR", body.Currency)
		_, _ = w.Write([]byte(`{"id":"order_rzp_1","amount":102400,"currency":"INR","status":"created"}`))
	}))
	t.Cleanup(srv.Close)

	rp := Razorpay{KeyID: "rzp_key", KeySecret: secret, BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client()}}
	gw, err := rp.CreateOrder(context.Background(), GatewayOrderRequest{Receipt: "r1", Amount: 102400, Currency: "INR"})
	require.NoError(t, err)
	require.Equal(t, "order_rzp_1", gw.ID)
	require.Equal(t, pricing.Money(102400), gw.Amount)
}

func TestRazorpayCreateOrderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount too small"}}`))
	}))
	t.Cleanup(srv.Close)

	rp := Razorpay{KeyID: "k", KeySecret: "s", BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client()}}
	_, err := rp.CreateOrder(context.Background(), GatewayOrderRequest{Receipt: "r1", Amount: 100, Currency: "INR"})
	require.ErrorContains(t, err, "amount too small")
}

func TestRazorpaySignatures(t *testing.T) {
	rp := Razorpay{KeySecret: secret, WebhookSecret: "hook-secret"}
	require.True(t, rp.VerifyPaymentSignature("order_1", "pay_1", Sign(secret, "order_1", "pay_1")))
	require.True(t, rp.VerifyPaymentSignature("order_1", "pay_1", strings.ToUpper(Sign(secret, "order_1", "pay_1"))))
	require.False(t, rp.VerifyPaymentSignature("order_1", "pay_2", Sign(secret, "order_1", "pay_1")))
	require.False(t, Razorpay{}.VerifyPaymentSignature("order_1", "pay_1", Sign("", "order_1", "pay_1")))

	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_9","order_id":"order_1","amount":5000,"status":"captured"}}}}`)
	hook, err := rp.ParseWebhook(body, Sign("hook-secret", string(body)))
	require.NoError(t, err)
	require.True(t, hook.Captured)
	require.Equal(t, "order_1", hook.GatewayOrderID)
	require.Equal(t, "pay_9", hook.PaymentID)

	_, err = rp.ParseWebhook(body, "bad")
	require.ErrorIs(t, err, ErrInvalidWebhook)
}

func newRouter(h *Handler, userID string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if userID != "" {
				req = req.WithContext(common.WithUserID(req.Context(), userID))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/api/v1/payments/orders", h.CreateOrder)
	r.Post("/api/v1/payments/verify", h.Verify)
	r.Post("/api/v1/payments/webhook", h.Webhook)
	return r
}

func post(router http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlersCheckoutFlow(t *testing.T) {
	o := newOrder("user-1", 70000, 30000)
	svc, _ := newService(t, o)
	router := newRouter(&Handler{Svc: svc}, "user-1")

	rec := post(router, "/api/v1/payments/orders", `{"orderId":"`+o.ID+`","method":"card"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created struct {
		Data Checkout `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, pricing.Money(102400), created.Data.GatewayAmount)

	gw := created.Data.GatewayOrderID
	rec = post(router, "/api/v1/payments/verify", `{"orderId":"`+o.ID+`","gatewayOrderId":"`+gw+`","paymentId":"pay_1","signature":"nope"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_SIGNATURE")

	sig := Sign(secret, gw, "pay_1")
	rec = post(router, "/api/v1/payments/verify", `{"orderId":"`+o.ID+`","gatewayOrderId":"`+gw+`","paymentId":"pay_1","signature":"`+sig+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"status":"paid"`)

	rec = post(router, "/api/v1/payments/orders", `{"orderId":"`+o.ID+`","method":"card"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = post(router, "/api/v1/payments/orders", `{"orderId":"not-a-uuid","method":"card"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(newRouter(&Handler{Svc: svc}, ""), "/api/v1/payments/orders", `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookSettlesAndIgnoresReplays(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	o := newOrder("user-1", 70000, 30000)
	svc, store := newService(t, o)
	checkout := startPayment(t, svc, o)
	router := newRouter(&Handler{Svc: svc, Replay: client, ReplayTTL: time.Hour}, "")

	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_7","order_id":"` + checkout.GatewayOrderID + `","amount":102400,"status":"captured"}}}}`
	headers := map[string]string{"X-Razorpay-Signature": Sign(secret, body)}

	rec := post(router, "/api/v1/payments/webhook", body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "processed")
	require.Equal(t, order.StatusPaid, store.orders[o.ID].Status)

	rec = post(router, "/api/v1/payments/webhook", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate")
	require.Equal(t, 1, store.settled)

	rec = post(router, "/api/v1/payments/webhook", body, map[string]string{"X-Razorpay-Signature": "bad"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func capturedBody(gatewayOrderID, paymentID string, amount int64) string {
	return fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":%d,"status":"captured"}}}}`, paymentID, gatewayOrderID, amount)
}

func TestWebhookCaptureAfterExpiryIsAcknowledged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	o := newOrder("user-1", 70000, 30000)
	svc, store := newService(t, o)
	checkout := startPayment(t, svc, o)
	expired := store.orders[o.ID]
	expired.Status = order.StatusCancelled
	store.orders[o.ID] = expired
	router := newRouter(&Handler{Svc: svc, Replay: client, ReplayTTL: time.Hour}, "")

	body := capturedBody(checkout.GatewayOrderID, "pay_late", 102400)
	headers := map[string]string{"X-Razorpay-Signature": Sign(secret, body)}
	rec := post(router, "/api/v1/payments/webhook", body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"orphaned":true`)
	require.Equal(t, []string{"pay_late"}, store.orphaned)
	require.Equal(t, order.StatusCancelled, store.orders[o.ID].Status)

	rec = post(router, "/api/v1/payments/webhook", body, headers)
	require.Contains(t, rec.Body.String(), "duplicate")
	require.Len(t, store.orphaned, 1)
}

func TestWebhookAmountMismatchIsNotSettled(t *testing.T) {
	o := newOrder("user-1", 70000, 30000)
	svc, store := newService(t, o)
	checkout := startPayment(t, svc, o)

	err := svc.HandleWebhook(context.Background(), WebhookPayment{
		Event:          "payment.captured",
		GatewayOrderID: checkout.GatewayOrderID,
		PaymentID:      "pay_short",
		Amount:         100,
		Captured:       true,
	})
	require.ErrorIs(t, err, ErrAmountMismatch)
	require.Equal(t, order.StatusAwaitingPayment, store.orders[o.ID].Status)
	require.Zero(t, store.settled)

	router := newRouter(&Handler{Svc: svc}, "")
	body := capturedBody(checkout.GatewayOrderID, "pay_short", 100)
	rec := post(router, "/api/v1/payments/webhook", body, map[string]string{"X-Razorpay-Signature": Sign(secret, body)})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "AMOUNT_MISMATCH")
}
