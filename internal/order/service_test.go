package order

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/coupon"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/shipping"
)

var (
	teaID     = uuid.NewString()
	hamperID  = uuid.NewString()
	freebieID = uuid.NewString()
	fixedNow  = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

type memoryStore struct {
	mu      sync.Mutex
	orders  map[string]Order
	coupons map[string]*coupon.Coupon
	failTx  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{orders: map[string]Order{}, coupons: map[string]*coupon.Coupon{}}
}

func (m *memoryStore) CreateOrder(_ context.Context, o Order) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return o, nil
}

func (m *memoryStore) GetOrder(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (m *memoryStore) GetOrderByGatewayOrderID(_ context.Context, gatewayOrderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Payment.GatewayOrderID == gatewayOrderID {
			return o, nil
		}
	}
	return Order{}, ErrOrderNotFound
}

func (m *memoryStore) ListOrdersByUser(_ context.Context, userID string, limit, offset int) ([]Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Order
	for _, o := range m.orders {
		if o.UserID == userID {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memoryStore) TransitionOrder(_ context.Context, id string, from, to Status) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status != from {
		return Order{}, ErrStaleStatus
	}
	o.Status = to
	m.orders[id] = o
	return o, nil
}

func (m *memoryStore) AttachGatewayOrder(_ context.Context, id string, from Status, p Payment) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status != from {
		return Order{}, ErrStaleStatus
	}
	o.Status = StatusAwaitingPayment
	o.Payment = p
	m.orders[id] = o
	return o, nil
}

// InTx applies the writes only when fn succeeds.
func (m *memoryStore) InTx(ctx context.Context, fn func(TxQuerier) error) error {
	if m.failTx != nil {
		return m.failTx
	}
	tx := &memoryTx{parent: m, orders: map[string]Order{}, redeemed: map[string][]string{}}
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range tx.orders {
		m.orders[id] = o
	}
	for id, users := range tx.redeemed {
		c := m.coupons[id]
		c.UsedBy = append(c.UsedBy, users...)
		c.UsedCount += int32(len(users))
	}
	return nil
}

type memoryTx struct {
	parent    *memoryStore
	orders    map[string]Order
	redeemed  map[string][]string
	redeemErr error
}

func (t *memoryTx) MarkOrderPaid(_ context.Context, id, paymentID string, paidAt time.Time) (Order, error) {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	o, ok := t.parent.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status != StatusAwaitingPayment {
		return Order{}, ErrStaleStatus
	}
	o.Status = StatusPaid
	o.Payment.PaymentID = paymentID
	o.Payment.PaidAt = &paidAt
	t.orders[id] = o
	return o, nil
}

func (t *memoryTx) RedeemCoupon(_ context.Context, couponID, userID string) error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	c, ok := t.parent.coupons[couponID]
	if !ok {
		return coupon.ErrCouponNotFound
	}
	if c.UsedByUser(userID) {
		return coupon.ErrCouponAlreadyUsed
	}
	t.redeemed[couponID] = append(t.redeemed[couponID], userID)
	return nil
}

type stubCatalog struct{}

func (stubCatalog) Resolve(_ context.Context, items []catalog.CartItem) ([]catalog.Line, error) {
	products := map[string]catalog.Product{
		teaID:     {ID: teaID, Name: "Masala Tea", Price: 25000, WeightGrams: 1500},
		hamperID:  {ID: hamperID, Name: "Festive Box", Price: 150000, WeightGrams: 2000},
		freebieID: {ID: freebieID, Name: "Greeting Card", Price: 0, WeightGrams: 0},
	}
	lines := make([]catalog.Line, 0, len(items))
	for i, item := range items {
		p, ok := products[item.ProductID]
		if !ok || item.Quantity <= 0 {
			return nil, &catalog.LineError{Index: i, Reason: "unknown product"}
		}
		lines = append(lines, catalog.Line{Product: &p, Variant: item.Variant, Quantity: item.Quantity})
	}
	return lines, nil
}

type stubCoupons struct {
	coupons map[string]coupon.Coupon
	err     error
}

func (s stubCoupons) Quote(_ context.Context, code string, subtotal pricing.Money, userID string) (coupon.Quote, error) {
	if s.err != nil {
		return coupon.Quote{}, s.err
	}
	c, ok := s.coupons[coupon.CanonicalCode(code)]
	if !ok {
		return coupon.NotFoundQuote(code, subtotal), nil
	}
	return coupon.Evaluate(c, fixedNow, subtotal, userID), nil
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls map[string]time.Duration
}

func (r *recordingScheduler) ScheduleExpiry(_ context.Context, orderID string, after time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]time.Duration{}
	}
	r.calls[orderID] = after
	return nil
}

type memoryEvents struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (m *memoryEvents) InsertDomainEvent(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, payload)
	return events.Event{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: payload, OccurredAt: fixedNow}, nil
}

func (m *memoryEvents) has(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (m *memoryEvents) payload(t *testing.T, topic string) map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tp := range m.topics {
		if tp == topic {
			var out map[string]any
			require.NoError(t, json.Unmarshal(m.payloads[i], &out))
			return out
		}
	}
	t.Fatalf("no %s event recorded", topic)
	return nil
}

type fixture struct {
	svc       *Service
	store     *memoryStore
	events    *memoryEvents
	scheduler *recordingScheduler
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	maxDiscount := pricing.Money(50000)
	minAmount := pricing.Money(50000)
	festive := coupon.Coupon{ID: uuid.NewString(), Code: "FESTIVE10", Kind: coupon.KindPercentage, Value: 1000, MaxDiscount: &maxDiscount, ExpiresAt: fixedNow.Add(48 * time.Hour)}
	flat := coupon.Coupon{ID: uuid.NewString(), Code: "FLAT200", Kind: coupon.KindFixed, Value: 20000, MinAmount: &minAmount, ExpiresAt: fixedNow.Add(48 * time.Hour)}

	store := newMemoryStore()
	store.coupons[festive.ID] = &festive
	store.coupons[flat.ID] = &flat
	evs := &memoryEvents{}
	sched := &recordingScheduler{}
	f := &fixture{store: store, events: evs, scheduler: sched, now: fixedNow}
	f.svc = &Service{
		Store:         store,
		Tx:            TxFunc(store.InTx),
		Catalog:       stubCatalog{},
		Coupons:       stubCoupons{coupons: map[string]coupon.Coupon{"FESTIVE10": festive, "FLAT200": flat}},
		Delivery:      &shipping.Service{Weights: shipping.Aggregator{HamperSurchargeGrams: shipping.DefaultHamperSurchargeGrams}},
		Events:        &events.Bus{Store: evs},
		Expiry:        sched,
		PaymentWindow: 30 * time.Minute,
		Currency:      "INR",
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return f.now },
	}
	return f
}

func mumbai() shipping.Address {
	return shipping.Address{Locality: "Mazgaon", City: "Mumbai", State: "Maharashtra"}
}

func TestPlaceComputesTotalsAndDelivery(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:      []catalog.CartItem{{ProductID: teaID, Quantity: 4}},
		Address:    mumbai(),
		CouponCode: "festive10",
	})
	require.NoError(t, err)

	o := res.Order
	require.Equal(t, StatusDraft, o.Status)
	require.Equal(t, pricing.Money(100000), o.Subtotal)
	require.Equal(t, pricing.Money(10000), o.Discount)
	require.Equal(t, pricing.Money(90000), o.TotalAmount)
	require.Equal(t, 6, res.TotalWeight)
	require.Equal(t, pricing.Money(5000), res.RatePerKg)
	require.Equal(t, pricing.Money(30000), res.DeliveryCharge)
	require.Equal(t, pricing.Money(120000), o.Payable())
	require.Equal(t, "FESTIVE10", o.CouponCode)
	require.NotEmpty(t, o.CouponID)
	require.Equal(t, "INR", o.Currency)
	require.Len(t, o.Items, 1)
	require.Equal(t, 1500, o.Items[0].WeightGrams)

	require.Equal(t, 30*time.Minute, f.scheduler.calls[o.ID])
	require.True(t, f.events.has(events.TopicOrderPlaced))
}

func TestPlaceHamperAddsSurchargeAndNote(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:      []catalog.CartItem{{ProductID: teaID, Quantity: 4}},
		Address:    shipping.Address{City: "Pune", State: "Maharashtra"},
		IsHamper:   true,
		HamperNote: "  Happy Diwali ",
	})
	require.NoError(t, err)
	require.Equal(t, 7, res.TotalWeight)
	require.Equal(t, pricing.Money(6000), res.RatePerKg)
	require.Equal(t, pricing.Money(42000), res.DeliveryCharge)
	require.Equal(t, "Happy Diwali", res.Order.HamperNote)
}

func TestPlaceRejectedCouponPersistsNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:      []catalog.CartItem{{ProductID: teaID, Quantity: 1}},
		Address:    mumbai(),
		CouponCode: "FLAT200",
	})
	var rejected *CouponRejectedError
	require.ErrorAs(t, err, &rejected)
	require.ErrorIs(t, err, coupon.ErrBelowMinimumAmount)
	require.Equal(t, "BELOW_MINIMUM_AMOUNT", rejected.Quote.Reason)
	require.Empty(t, f.store.orders)

	_, err = f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:      []catalog.CartItem{{ProductID: teaID, Quantity: 1}},
		Address:    mumbai(),
		CouponCode: "NOPE",
	})
	require.ErrorIs(t, err, coupon.ErrCouponNotFound)
	require.Empty(t, f.store.orders)
}

func TestPlaceErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Place(context.Background(), "user-1", PlaceInput{Address: mumbai()})
	require.ErrorIs(t, err, ErrEmptyCart)

	_, err = f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:   []catalog.CartItem{{ProductID: "missing", Quantity: 1}},
		Address: mumbai(),
	})
	require.ErrorIs(t, err, catalog.ErrInvalidCartLine)

	f.svc.Coupons = stubCoupons{err: errors.New("db down")}
	_, err = f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:      []catalog.CartItem{{ProductID: teaID, Quantity: 1}},
		Address:    mumbai(),
		CouponCode: "FESTIVE10",
	})
	require.EqualError(t, err, "db down")
	require.Empty(t, f.store.orders)
}

func TestQuoteDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Quote(context.Background(), "user-1", PlaceInput{
		Items:      []catalog.CartItem{{ProductID: hamperID, Quantity: 1}},
		Address:    shipping.Address{City: "Unknown City", State: "Unknown State"},
		CouponCode: "FLAT200",
	})
	require.NoError(t, err)
	require.Equal(t, pricing.Money(150000), b.Subtotal)
	require.Equal(t, pricing.Money(20000), b.Discount)
	require.Equal(t, pricing.Money(130000), b.TotalAmount)
	require.Equal(t, "Rest of India", b.Delivery.Zone)
	require.Equal(t, pricing.Money(20000), b.Delivery.DeliveryCharge)
	require.Equal(t, pricing.Money(150000), b.Payable)
	require.Empty(t, f.store.orders)
	require.Empty(t, f.scheduler.calls)
}

func placeOrder(t *testing.T, f *fixture, userID, code string) Order {
	t.Helper()
	res, err := f.svc.Place(context.Background(), userID, PlaceInput{
		Items:      []catalog.CartItem{{ProductID: teaID, Quantity: 4}},
		Address:    mumbai(),
		CouponCode: code,
	})
	require.NoError(t, err)
	return res.Order
}

func TestGetChecksOwnership(t *testing.T) {
	f := newFixture(t)
	o := placeOrder(t, f, "user-1", "")

	got, err := f.svc.Get(context.Background(), "user-1", o.ID)
	require.NoError(t, err)
	require.Equal(t, o.ID, got.ID)

	_, err = f.svc.Get(context.Background(), "user-2", o.ID)
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.svc.Get(context.Background(), "user-1", "not-a-uuid")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.now = fixedNow.Add(time.Duration(i) * time.Minute)
		placeOrder(t, f, "user-1", "")
	}
	placeOrder(t, f, "user-2", "")

	page, total, err := f.svc.List(context.Background(), "user-1", 1, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 2)
	require.True(t, page[0].CreatedAt.After(page[1].CreatedAt))
}

func TestTransitionFollowsStateMachine(t *testing.T) {
	f := newFixture(t)
	o := placeOrder(t, f, "user-1", "")

	_, err := f.svc.Transition(context.Background(), o.ID, StatusShipped)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Transition(context.Background(), o.ID, StatusPaid)
	require.ErrorIs(t, err, ErrInvalidTransition)

	cancelled, err := f.svc.Transition(context.Background(), o.ID, StatusCancelled)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.True(t, f.events.has(events.TopicOrderCancelled))
	require.True(t, f.events.has(events.TopicOrderStatusChanged))

	_, err = f.svc.Transition(context.Background(), o.ID, StatusDraft)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCanTransitionTable(t *testing.T) {
	require.True(t, CanTransition(StatusDraft, StatusAwaitingPayment))
	require.True(t, CanTransition(StatusAwaitingPayment, StatusPaid))
	require.True(t, CanTransition(StatusPaid, StatusShipped))
	require.True(t, CanTransition(StatusShipped, StatusCompleted))
	require.False(t, CanTransition(StatusDraft, StatusPaid))
	require.False(t, CanTransition(StatusCompleted, StatusCancelled))
	require.False(t, CanTransition(StatusCancelled, StatusDraft))
	require.False(t, CanTransition(Status("unknown"), StatusDraft))

	s, err := ParseStatus(" Shipped ")
	require.NoError(t, err)
	require.Equal(t, StatusShipped, s)
	_, err = ParseStatus("lost")
	require.Error(t, err)
}

func beginPayment(t *testing.T, f *fixture, o Order) Order {
	t.Helper()
	updated, err := f.svc.BeginPayment(context.Background(), o, Payment{Provider: "mock", Method: "card", Fee: 2900, GatewayOrderID: "gw_1"})
	require.NoError(t, err)
	return updated
}

func TestSettleMarksPaidAndRedeemsCoupon(t *testing.T) {
	f := newFixture(t)
	o := beginPayment(t, f, placeOrder(t, f, "user-1", "FESTIVE10"))
	require.Equal(t, StatusAwaitingPayment, o.Status)
	require.Equal(t, o.Payable()+2900, o.GatewayAmount())

	byGateway, err := f.svc.GetByGatewayOrder(context.Background(), "gw_1")
	require.NoError(t, err)
	require.Equal(t, o.ID, byGateway.ID)

	res, err := f.svc.Settle(context.Background(), o, "pay_1")
	require.NoError(t, err)
	require.True(t, res.CouponRedeemed)
	require.NoError(t, res.CouponErr)
	require.Equal(t, StatusPaid, res.Order.Status)
	require.Equal(t, "pay_1", res.Order.Payment.PaymentID)
	require.Equal(t, []string{"user-1"}, f.store.coupons[o.CouponID].UsedBy)
	require.True(t, f.events.has(events.TopicOrderPaid))
	require.True(t, f.events.has(events.TopicCouponRedeemed))

	_, err = f.svc.Settle(context.Background(), res.Order, "pay_1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSettleKeepsPaymentWhenCouponAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	first := beginPayment(t, f, placeOrder(t, f, "user-1", "FESTIVE10"))
	second := beginPayment(t, f, placeOrder(t, f, "user-1", "FESTIVE10"))

	_, err := f.svc.Settle(context.Background(), first, "pay_1")
	require.NoError(t, err)

	res, err := f.svc.Settle(context.Background(), second, "pay_2")
	require.NoError(t, err)
	require.False(t, res.CouponRedeemed)
	require.ErrorIs(t, res.CouponErr, coupon.ErrCouponAlreadyUsed)
	require.Equal(t, StatusPaid, f.store.orders[second.ID].Status)
	require.Len(t, f.store.coupons[first.CouponID].UsedBy, 1)
	require.True(t, f.events.has(events.TopicCouponRedeemConflict))
}

func TestSettleRollsBackOnInfraError(t *testing.T) {
	f := newFixture(t)
	o := beginPayment(t, f, placeOrder(t, f, "user-1", ""))
	f.store.failTx = errors.New("connection reset")

	_, err := f.svc.Settle(context.Background(), o, "pay_1")
	require.EqualError(t, err, "connection reset")
	require.Equal(t, StatusAwaitingPayment, f.store.orders[o.ID].Status)
}

func TestExpireIfUnpaid(t *testing.T) {
	f := newFixture(t)
	o := placeOrder(t, f, "user-1", "")

	cancelled, err := f.svc.ExpireIfUnpaid(context.Background(), o.ID)
	require.ErrorIs(t, err, ErrPaymentWindowOpen)
	require.False(t, cancelled)

	f.now = fixedNow.Add(31 * time.Minute)
	cancelled, err = f.svc.ExpireIfUnpaid(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, StatusCancelled, f.store.orders[o.ID].Status)

	cancelled, err = f.svc.ExpireIfUnpaid(context.Background(), o.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestExpireSkipsPaidOrders(t *testing.T) {
	f := newFixture(t)
	o := beginPayment(t, f, placeOrder(t, f, "user-1", ""))
	_, err := f.svc.Settle(context.Background(), o, "pay_1")
	require.NoError(t, err)

	f.now = fixedNow.Add(time.Hour)
	cancelled, err := f.svc.ExpireIfUnpaid(context.Background(), o.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
	require.Equal(t, StatusPaid, f.store.orders[o.ID].Status)
}

func TestPlaceRejectsOverflowingQuantity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:   []catalog.CartItem{{ProductID: teaID, Quantity: 368934881474191033}},
		Address: mumbai(),
	})
	require.ErrorIs(t, err, pricing.ErrAmountOverflow)
	require.Empty(t, f.store.orders)
}

func TestPlaceRejectsNothingPayable(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Place(context.Background(), "user-1", PlaceInput{
		Items:   []catalog.CartItem{{ProductID: freebieID, Quantity: 3}},
		Address: mumbai(),
	})
	require.ErrorIs(t, err, ErrNothingPayable)
	require.Empty(t, f.store.orders)

	b, err := f.svc.Quote(context.Background(), "user-1", PlaceInput{
		Items:   []catalog.CartItem{{ProductID: freebieID, Quantity: 3}},
		Address: mumbai(),
	})
	require.NoError(t, err)
	require.Zero(t, b.Payable)
}

func TestCaptureAfterExpiryIsRecordedAsOrphaned(t *testing.T) {
	f := newFixture(t)
	o := beginPayment(t, f, placeOrder(t, f, "user-1", ""))

	f.now = fixedNow.Add(31 * time.Minute)
	cancelled, err := f.svc.ExpireIfUnpaid(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	expired, err := f.svc.Get(context.Background(), "", o.ID)
	require.NoError(t, err)
	_, err = f.svc.Settle(context.Background(), expired, "pay_late")
	require.ErrorIs(t, err, ErrPaymentOrphaned)
	require.Equal(t, StatusCancelled, f.store.orders[o.ID].Status)

	payload := f.events.payload(t, events.TopicPaymentOrphaned)
	require.Equal(t, "pay_late", payload["paymentId"])
	require.Equal(t, "gw_1", payload["gatewayOrderId"])
	require.EqualValues(t, expired.GatewayAmount(), payload["amount"])
}

func TestSettleCancelledWithoutGatewayOrder(t *testing.T) {
	f := newFixture(t)
	o := placeOrder(t, f, "user-1", "")
	cancelled, err := f.svc.Transition(context.Background(), o.ID, StatusCancelled)
	require.NoError(t, err)

	_, err = f.svc.Settle(context.Background(), cancelled, "pay_1")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.False(t, f.events.has(events.TopicPaymentOrphaned))
}
