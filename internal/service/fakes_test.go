package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/checkoutflow/internal/address"
	"github.com/utafrali/checkoutflow/internal/cart"
	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/event"
	"github.com/utafrali/checkoutflow/internal/flow"
	"github.com/utafrali/checkoutflow/internal/ledger"
	"github.com/utafrali/checkoutflow/internal/payment"
	"github.com/utafrali/checkoutflow/internal/payment/gateway"
	"github.com/utafrali/checkoutflow/internal/payment/gateway/mock"
	"github.com/utafrali/checkoutflow/internal/pricing"
	"github.com/utafrali/checkoutflow/internal/repository"
	redisrepo "github.com/utafrali/checkoutflow/internal/repository/redis"
	"github.com/utafrali/checkoutflow/internal/shipping"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	pkgkafka "github.com/utafrali/checkoutflow/pkg/kafka"
)

// --- Session store ---

type memSessions struct {
	mu        sync.Mutex
	sessions  map[string]*domain.CheckoutSession
	updateErr error
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*domain.CheckoutSession)}
}

func cloneSession(s *domain.CheckoutSession) *domain.CheckoutSession {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out domain.CheckoutSession
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *memSessions) Create(_ context.Context, s *domain.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memSessions) GetByID(_ context.Context, id string) (*domain.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *memSessions) Update(_ context.Context, s *domain.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.sessions[s.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if stored.Version != s.Version {
		return apperrors.Conflict("checkout session was modified concurrently")
	}
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memSessions) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.CheckoutSession, error) {
	return m.list(limit, func(s *domain.CheckoutSession) bool {
		return s.Status == domain.StatusActive && !s.Submitting() && s.ExpiresAt.Before(before)
	}), nil
}

func (m *memSessions) ListStuckSubmitting(_ context.Context, before time.Time, limit int) ([]domain.CheckoutSession, error) {
	return m.list(limit, func(s *domain.CheckoutSession) bool {
		return s.Submitting() && s.UpdatedAt.Before(before)
	}), nil
}

func (m *memSessions) list(limit int, match func(*domain.CheckoutSession) bool) []domain.CheckoutSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CheckoutSession
	for _, s := range m.sessions {
		if len(out) == limit {
			break
		}
		if match(s) {
			out = append(out, *cloneSession(s))
		}
	}
	return out
}

// stored returns the persisted copy of a session.
func (m *memSessions) stored(id string) *domain.CheckoutSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSession(m.sessions[id])
}

// edit changes the persisted copy directly, bypassing the version check.
func (m *memSessions) edit(id string, fn func(*domain.CheckoutSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.sessions[id])
}

// --- Gift card store ---

type memGiftCards struct {
	mu    sync.Mutex
	cards map[string]*domain.GiftCard
	holds map[string]*domain.GiftCardHold
}

func newMemGiftCards(cards ...domain.GiftCard) *memGiftCards {
	m := &memGiftCards{
		cards: make(map[string]*domain.GiftCard),
		holds: make(map[string]*domain.GiftCardHold),
	}
	for i := range cards {
		c := cards[i]
		m.cards[c.ID] = &c
	}
	return m
}

func (m *memGiftCards) GetByID(_ context.Context, id string) (*domain.GiftCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cpy := *c
	return &cpy, nil
}

func (m *memGiftCards) Hold(_ context.Context, in repository.HoldInput) (*domain.GiftCardHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cards[in.CardID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	now := time.Now().UTC()
	var held int64
	for _, h := range m.holds {
		if h.ID != in.Replaces && h.CardID == in.CardID && h.Status == domain.HoldActive && h.ExpiresAt.After(now) {
			held += h.Amount
		}
	}
	if c.Balance-held < in.Amount {
		return nil, repository.ErrInsufficientBalance
	}

	h := &domain.GiftCardHold{
		ID:         uuid.New().String(),
		CardID:     in.CardID,
		CheckoutID: in.CheckoutID,
		Amount:     in.Amount,
		Status:     domain.HoldActive,
		ExpiresAt:  in.ExpiresAt,
		CreatedAt:  now,
	}
	m.holds[h.ID] = h
	cpy := *h
	return &cpy, nil
}

func (m *memGiftCards) Release(_ context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[holdID]; ok && h.Status == domain.HoldActive {
		h.Status = domain.HoldReleased
	}
	return nil
}

func (m *memGiftCards) IsHoldActive(_ context.Context, holdID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	return ok && h.Status == domain.HoldActive && h.ExpiresAt.After(now), nil
}

func (m *memGiftCards) ReleaseExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, h := range m.holds {
		if h.Status == domain.HoldActive && !h.ExpiresAt.After(now) {
			h.Status = domain.HoldReleased
			n++
		}
	}
	return n, nil
}

// capture debits the captured amounts and releases the remaining holds of
// the checkout.
func (m *memGiftCards) capture(checkoutID string, captures []domain.GiftCardCapture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range captures {
		h, ok := m.holds[c.HoldID]
		if !ok || h.Status != domain.HoldActive {
			return apperrors.Ledger(apperrors.CodeGiftCardInvalid, "gift card hold is no longer active")
		}
		if m.cards[c.CardID].Balance < c.Amount {
			return apperrors.Ledger(apperrors.CodeGiftCardInsufficientBal, "gift card balance is too low")
		}
	}
	for _, c := range captures {
		m.holds[c.HoldID].Status = domain.HoldCaptured
		m.cards[c.CardID].Balance -= c.Amount
	}
	for _, h := range m.holds {
		if h.CheckoutID == checkoutID && h.Status == domain.HoldActive {
			h.Status = domain.HoldReleased
		}
	}
	return nil
}

func (m *memGiftCards) balance(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cards[id].Balance
}

func (m *memGiftCards) activeHolds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.holds {
		if h.Status == domain.HoldActive {
			n++
		}
	}
	return n
}

// lapse moves every hold's expiry into the past.
func (m *memGiftCards) lapse() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		h.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

// --- Discount and order stores ---

type memDiscounts struct {
	mu    sync.Mutex
	rules map[string]domain.DiscountRule
}

func (m *memDiscounts) GetByCode(_ context.Context, code string) (*domain.DiscountRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[domain.NormalizeCode(code)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &r, nil
}

func (m *memDiscounts) recordUsage(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[code]; ok {
		r.UsageCount++
		m.rules[code] = r
	}
}

func (m *memDiscounts) usage(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules[code].UsageCount
}

type memOrders struct {
	mu        sync.Mutex
	sessions  *memSessions
	giftCards *memGiftCards
	discounts *memDiscounts
	orders    map[string]*domain.Order
	commitErr error
}

func (m *memOrders) Commit(ctx context.Context, in repository.CommitInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	if err := m.giftCards.capture(in.Session.ID, in.Captures); err != nil {
		return err
	}
	for _, code := range in.Order.DiscountCodes {
		m.discounts.recordUsage(code)
	}
	if err := m.sessions.Update(ctx, in.Session); err != nil {
		return err
	}
	m.orders[in.Order.CheckoutID] = in.Order
	return nil
}

func (m *memOrders) GetByCheckoutID(_ context.Context, checkoutID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[checkoutID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// --- Cart and events ---

type staticCarts struct {
	carts map[string]*cart.Cart
}

func (s *staticCarts) GetCart(_ context.Context, userID string) (*cart.Cart, error) {
	c, ok := s.carts[userID]
	if !ok {
		return &cart.Cart{UserID: userID}, nil
	}
	return c, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, _ *pkgkafka.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recordingPublisher) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

// --- Test Helpers ---

const testUser = "user-1"

type testEnv struct {
	svc       *CheckoutService
	sessions  *memSessions
	giftCards *memGiftCards
	discounts *memDiscounts
	orders    *memOrders
	gateway   *mock.Gateway
	events    *recordingPublisher
	redis     *miniredis.Miniredis
	guard     *redisrepo.SubmissionGuard
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv(t *testing.T, gw *mock.Gateway) *testEnv {
	t.Helper()
	logger := newTestLogger()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := newMemSessions()
	giftCards := newMemGiftCards(
		domain.GiftCard{ID: "GC-BIG", Balance: 10000, Currency: "USD", Active: true},
		domain.GiftCard{ID: "GC-SMALL", Balance: 1000, Currency: "USD", Active: true},
	)
	discounts := &memDiscounts{rules: map[string]domain.DiscountRule{
		"SAVE10":   {Code: "SAVE10", Kind: domain.DiscountPercentage, Value: 1000, Active: true},
		"SHIPFREE": {Code: "SHIPFREE", Kind: domain.DiscountFreeShipping, Active: true},
	}}
	orders := &memOrders{
		sessions:  sessions,
		giftCards: giftCards,
		discounts: discounts,
		orders:    make(map[string]*domain.Order),
	}
	carts := &staticCarts{carts: map[string]*cart.Cart{
		testUser: {ID: "cart-1", UserID: testUser, Currency: "usd", Items: []domain.LineItem{
			{ProductID: "p-1", Name: "Desk lamp", UnitPrice: 2500, Quantity: 2, Taxable: true},
		}},
	}}

	validator := address.NewValidator(address.DefaultRules())
	registry := payment.NewRegistry(gw)
	events := &recordingPublisher{}
	guard := redisrepo.NewSubmissionGuard(client)

	svc := NewCheckoutService(Dependencies{
		Sessions:  sessions,
		Orders:    orders,
		Guard:     guard,
		Carts:     carts,
		Shipping:  shipping.NewTableProvider(map[string]int{"US": 700, "DE": 1500}, 0),
		Addresses: validator,
		Ledger:    ledger.New(discounts, giftCards, 30*time.Minute, logger),
		Calc:      pricing.NewCalculator(pricing.NewTaxTable(map[string]int{"US-TX": 800}, 0)),
		Machine:   flow.NewMachine(validator, registry),
		Payments:  registry,
		Events:    event.NewProducer(events, logger),
	}, Options{
		RetryInterval:     time.Millisecond,
		ChargeTimeout:     time.Second,
		StrictConsistency: true,
	}, logger)

	return &testEnv{
		svc:       svc,
		sessions:  sessions,
		giftCards: giftCards,
		discounts: discounts,
		orders:    orders,
		gateway:   gw,
		events:    events,
		redis:     mr,
		guard:     guard,
	}
}

func texasAddress() domain.Address {
	return domain.Address{
		FullName:   "Ada Lovelace",
		Line1:      "500 Congress Ave",
		City:       "Austin",
		Region:     "tx",
		PostalCode: "78701",
		Country:    "us",
	}
}

func testCard(number string) *gateway.CardDetails {
	return &gateway.CardDetails{Number: number, ExpMonth: 12, ExpYear: time.Now().Year() + 1, CVC: "123"}
}

// readyForReview walks a fresh session through every input step with the
// given card and leaves it on review.
func (e *testEnv) readyForReview(t *testing.T, cardNumber string) *domain.CheckoutSession {
	t.Helper()
	ctx := context.Background()

	s, err := e.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = e.svc.SetShippingAddress(ctx, s.ID, testUser, texasAddress())
	require.NoError(t, err)
	_, err = e.svc.NextStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	_, err = e.svc.SelectShippingMethod(ctx, s.ID, testUser, shipping.MethodStandard)
	require.NoError(t, err)
	_, err = e.svc.NextStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	_, err = e.svc.SetBillingAddress(ctx, s.ID, testUser, BillingInput{SameAsShipping: true})
	require.NoError(t, err)
	_, err = e.svc.NextStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	_, err = e.svc.SetPaymentMethod(ctx, s.ID, testUser, PaymentInput{Kind: domain.PaymentKindCard, Card: testCard(cardNumber)})
	require.NoError(t, err)
	s, err = e.svc.NextStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, domain.StepReview, s.CurrentStep)
	return s
}
