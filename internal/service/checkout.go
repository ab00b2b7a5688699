package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/checkoutflow/internal/address"
	"github.com/utafrali/checkoutflow/internal/cart"
	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/event"
	"github.com/utafrali/checkoutflow/internal/flow"
	"github.com/utafrali/checkoutflow/internal/ledger"
	"github.com/utafrali/checkoutflow/internal/payment"
	"github.com/utafrali/checkoutflow/internal/payment/gateway"
	"github.com/utafrali/checkoutflow/internal/pricing"
	"github.com/utafrali/checkoutflow/internal/repository"
	"github.com/utafrali/checkoutflow/internal/shipping"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

const defaultCurrency = "USD"

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	SessionTTL        time.Duration
	ChargeTimeout     time.Duration
	MaxChargeAttempts int
	RetryInterval     time.Duration
	LockTTL           time.Duration
	StuckAfter        time.Duration
	SweepBatchSize    int
	StrictConsistency bool
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 30 * time.Minute
	}
	if o.ChargeTimeout <= 0 {
		o.ChargeTimeout = 15 * time.Second
	}
	if o.MaxChargeAttempts <= 0 {
		o.MaxChargeAttempts = 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = o.LockTTL
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = 100
	}
	return o
}

// Dependencies are the collaborators of CheckoutService.
type Dependencies struct {
	Sessions  repository.SessionRepository
	Orders    repository.OrderRepository
	Guard     repository.SubmissionGuard
	Carts     cart.Provider
	Shipping  shipping.RateProvider
	Addresses *address.Validator
	Ledger    *ledger.Ledger
	Calc      *pricing.Calculator
	Machine   *flow.Machine
	Payments  *payment.Registry
	Events    *event.Producer
}

// CheckoutService orchestrates checkout sessions: every intent loads the
// session, mutates it, refreshes derived state and persists it under the
// session's version guard.
type CheckoutService struct {
	sessions  repository.SessionRepository
	orders    repository.OrderRepository
	guard     repository.SubmissionGuard
	carts     cart.Provider
	shipping  shipping.RateProvider
	addresses *address.Validator
	ledger    *ledger.Ledger
	calc      *pricing.Calculator
	machine   *flow.Machine
	payments  *payment.Registry
	events    *event.Producer
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewCheckoutService creates a new checkout service.
func NewCheckoutService(deps Dependencies, opts Options, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{
		sessions:  deps.Sessions,
		orders:    deps.Orders,
		guard:     deps.Guard,
		carts:     deps.Carts,
		shipping:  deps.Shipping,
		addresses: deps.Addresses,
		ledger:    deps.Ledger,
		calc:      deps.Calc,
		machine:   deps.Machine,
		payments:  deps.Payments,
		events:    deps.Events,
		opts:      opts.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BillingInput sets the billing address, or marks it as the shipping address.
type BillingInput struct {
	SameAsShipping bool
	Address        *domain.Address
}

// PaymentInput selects a payment variant. Card details are tokenized and
// never stored.
type PaymentInput struct {
	Kind string
	Card *gateway.CardDetails
}

// Refresh recomputes totals and re-evaluates every step. It is the single
// derivation applied after each mutation.
func (s *CheckoutService) Refresh(session *domain.CheckoutSession) {
	session.Totals = s.calc.Compute(session)
	s.machine.Evaluate(session)
}

// DescribePayment returns a label for the method that would settle the
// session, or an empty string when none is ready.
func (s *CheckoutService) DescribePayment(session *domain.CheckoutSession) string {
	method, err := s.payments.Resolve(session)
	if err != nil || !method.IsReady() {
		return ""
	}
	return method.Describe()
}

// StartCheckout creates a session from the shopper's cart.
func (s *CheckoutService) StartCheckout(ctx context.Context, userID string) (*domain.CheckoutSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.Unauthorized("user id is required")
	}

	c, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if len(c.Items) == 0 {
		return nil, apperrors.InvalidInput("cart is empty")
	}

	currency := strings.ToUpper(c.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	now := s.now()
	session := &domain.CheckoutSession{
		ID:          uuid.New().String(),
		UserID:      userID,
		Currency:    currency,
		Status:      domain.StatusActive,
		Items:       c.Items,
		CurrentStep: domain.StepAddress,
		ExpiresAt:   now.Add(s.opts.SessionTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.Refresh(session)

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	if err := s.events.PublishCheckoutStarted(ctx, session); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish checkout.started event",
			slog.String("checkout_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "checkout started",
		slog.String("checkout_id", session.ID),
		slog.String("user_id", userID),
		slog.Int("items", session.ItemCount()),
		slog.Int64("subtotal", session.Totals.Subtotal),
	)
	return session, nil
}

// GetCheckout returns the shopper's session. A session found past its expiry
// is expired on the spot and reported as gone.
func (s *CheckoutService) GetCheckout(ctx context.Context, id, userID string) (*domain.CheckoutSession, error) {
	return s.loadOwned(ctx, id, userID)
}

// SetShippingAddress stores a validated shipping address and re-quotes the
// shipping options for it. A selected method no longer offered is cleared.
func (s *CheckoutService) SetShippingAddress(ctx context.Context, id, userID string, addr domain.Address) (*domain.CheckoutSession, error) {
	addr = addr.Normalized()
	if res := s.addresses.Validate(addr); !res.Valid {
		return nil, apperrors.Validation(string(domain.StepAddress), res.FieldErrors)
	}

	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		options, err := s.shipping.Quote(ctx, addr, session.Items)
		if err != nil {
			return fmt.Errorf("quote shipping: %w", err)
		}

		session.ShippingAddress = &addr
		session.ShippingOptions = options
		if session.ShippingMethod != nil && !offered(options, session.ShippingMethod.ID) {
			s.logger.InfoContext(ctx, "selected shipping method no longer offered",
				slog.String("checkout_id", session.ID),
				slog.String("shipping_method", session.ShippingMethod.ID),
			)
			session.ShippingMethod = nil
		}
		return nil
	})
}

// SetBillingAddress stores the billing address or marks it as the shipping
// address.
func (s *CheckoutService) SetBillingAddress(ctx context.Context, id, userID string, in BillingInput) (*domain.CheckoutSession, error) {
	var billing *domain.Address
	if !in.SameAsShipping {
		if in.Address == nil {
			return nil, apperrors.Validation(string(domain.StepBilling),
				map[string]string{"billing_address": "is required"})
		}
		addr := in.Address.Normalized()
		if res := s.addresses.Validate(addr); !res.Valid {
			return nil, apperrors.Validation(string(domain.StepBilling), res.FieldErrors)
		}
		billing = &addr
	}

	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		session.BillingSameAsShipping = in.SameAsShipping
		session.BillingAddress = billing
		return nil
	})
}

// ListShippingMethods returns the options quoted for the shipping address.
func (s *CheckoutService) ListShippingMethods(ctx context.Context, id, userID string) ([]domain.ShippingMethod, error) {
	session, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if session.ShippingAddress == nil {
		return nil, apperrors.Validation(string(domain.StepAddress),
			map[string]string{"shipping_address": "is required"})
	}
	if session.ShippingOptions == nil {
		return []domain.ShippingMethod{}, nil
	}
	return session.ShippingOptions, nil
}

// SelectShippingMethod chooses one of the quoted shipping options.
func (s *CheckoutService) SelectShippingMethod(ctx context.Context, id, userID, methodID string) (*domain.CheckoutSession, error) {
	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		for _, opt := range session.ShippingOptions {
			if opt.ID == methodID {
				selected := opt
				session.ShippingMethod = &selected
				return nil
			}
		}
		return apperrors.InvalidInput(fmt.Sprintf("shipping method %q is not offered for this address", methodID))
	})
}

// ApplyDiscountCode applies a promotional code.
func (s *CheckoutService) ApplyDiscountCode(ctx context.Context, id, userID, code string) (*domain.CheckoutSession, error) {
	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		_, err := s.ledger.ApplyDiscountCode(ctx, session, code)
		return err
	})
}

// RemoveDiscountCode removes an applied promotional code.
func (s *CheckoutService) RemoveDiscountCode(ctx context.Context, id, userID, code string) (*domain.CheckoutSession, error) {
	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		if !s.ledger.RemoveDiscountCode(session, code) {
			return apperrors.Ledger(apperrors.CodeDiscountNotFound,
				fmt.Sprintf("discount code %s is not applied", domain.NormalizeCode(code)))
		}
		return nil
	})
}

// RedeemGiftCard holds amount on a gift card for this session. A hold the
// new one replaces is released only once the session is saved; if the save
// fails the new hold is released and the previous one stays in force.
func (s *CheckoutService) RedeemGiftCard(ctx context.Context, id, userID, cardID string, amount int64) (*domain.CheckoutSession, error) {
	var placed *domain.GiftCardRedemption
	var replaced string

	session, err := s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		previous, _ := session.GiftCard(strings.TrimSpace(cardID))
		r, err := s.ledger.RedeemGiftCard(ctx, session, cardID, amount)
		if err == nil {
			replaced = previous.HoldID
		}
		placed = r
		return err
	})
	if err != nil {
		if placed != nil {
			s.releaseHold(ctx, id, placed.HoldID, "failed to release gift card hold after save failure")
		}
		return nil, err
	}
	if replaced != "" && replaced != placed.HoldID {
		s.releaseHold(ctx, id, replaced, "failed to release replaced gift card hold")
	}
	return session, nil
}

// ReleaseGiftCard releases a redeemed gift card.
func (s *CheckoutService) ReleaseGiftCard(ctx context.Context, id, userID, cardID string) (*domain.CheckoutSession, error) {
	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		return s.ledger.ReleaseGiftCard(ctx, session, cardID)
	})
}

// SetPaymentMethod tokenizes and stores the payment selection.
func (s *CheckoutService) SetPaymentMethod(ctx context.Context, id, userID string, in PaymentInput) (*domain.CheckoutSession, error) {
	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		sel, err := s.payments.Tokenize(ctx, in.Kind, in.Card)
		if err != nil {
			return err
		}
		session.Payment = sel
		return nil
	})
}

// NextStep advances one step when the current step is valid.
func (s *CheckoutService) NextStep(ctx context.Context, id, userID string) (*domain.CheckoutSession, error) {
	return s.mutate(ctx, id, userID, s.machine.Next)
}

// PreviousStep moves back one step.
func (s *CheckoutService) PreviousStep(ctx context.Context, id, userID string) (*domain.CheckoutSession, error) {
	return s.mutate(ctx, id, userID, s.machine.Back)
}

// GoToStep jumps to an input step.
func (s *CheckoutService) GoToStep(ctx context.Context, id, userID, step string) (*domain.CheckoutSession, error) {
	target, ok := domain.ParseStep(step)
	if !ok {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown step %q", step))
	}
	return s.mutate(ctx, id, userID, func(session *domain.CheckoutSession) error {
		return s.machine.GoTo(session, target)
	})
}

// Abandon closes the session and releases its gift card holds. While a
// submission is in flight the cancel is only recorded; the submission
// settles it once the charge outcome is known.
func (s *CheckoutService) Abandon(ctx context.Context, id, userID string) (*domain.CheckoutSession, error) {
	session, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if session.Submitting() {
		if err := s.guard.MarkCancelled(ctx, id, s.opts.LockTTL); err != nil {
			return nil, fmt.Errorf("mark submission cancelled: %w", err)
		}
		s.logger.InfoContext(ctx, "cancel requested during submission",
			slog.String("checkout_id", id),
		)
		return session, nil
	}
	if session.IsTerminal() {
		return nil, apperrors.Consistency(fmt.Sprintf("checkout is already %s", session.Status))
	}

	released := len(session.GiftCards)
	if err := s.ledger.ReleaseAll(ctx, session); err != nil {
		s.logger.WarnContext(ctx, "some gift card holds were not released",
			slog.String("checkout_id", id),
			slog.String("error", err.Error()),
		)
	}
	released -= len(session.GiftCards)
	session.Status = domain.StatusAbandoned

	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, err
	}

	if err := s.events.PublishCheckoutAbandoned(ctx, session, released); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish checkout.abandoned event",
			slog.String("checkout_id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "checkout abandoned",
		slog.String("checkout_id", id),
		slog.String("step", string(session.CurrentStep)),
	)
	return session, nil
}

// GetOrder returns the order placed from the session.
func (s *CheckoutService) GetOrder(ctx context.Context, id, userID string) (*domain.Order, error) {
	session, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if session.OrderID == "" {
		return nil, apperrors.NotFound("order for checkout", id)
	}

	order, err := s.orders.GetByCheckoutID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("order for checkout", id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// mutate runs fn against the shopper's session and persists the result. fn
// must leave the session untouched when it fails.
func (s *CheckoutService) mutate(ctx context.Context, id, userID string, fn func(*domain.CheckoutSession) error) (*domain.CheckoutSession, error) {
	session, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.machine.Mutable(session); err != nil {
		return nil, err
	}

	if err := fn(session); err != nil {
		return nil, err
	}

	s.Refresh(session)
	session.ExpiresAt = s.now().Add(s.opts.SessionTTL)

	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// loadOwned loads a session and checks that userID owns it. Sessions of
// other users are reported as not found.
func (s *CheckoutService) loadOwned(ctx context.Context, id, userID string) (*domain.CheckoutSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.Unauthorized("user id is required")
	}

	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("checkout", id)
		}
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	if session.UserID != userID {
		return nil, apperrors.NotFound("checkout", id)
	}

	if session.IsExpired(s.now()) && !session.Submitting() {
		if err := s.expire(ctx, session); err != nil {
			s.logger.ErrorContext(ctx, "failed to expire checkout session",
				slog.String("checkout_id", id),
				slog.String("error", err.Error()),
			)
		}
		return nil, apperrors.Gone(fmt.Sprintf("checkout %s has expired", id))
	}
	return session, nil
}

// releaseHold releases a hold outside the session save. A failure only
// delays the release until the hold expires.
func (s *CheckoutService) releaseHold(ctx context.Context, checkoutID, holdID, failureMsg string) {
	if err := s.ledger.ReleaseHold(context.WithoutCancel(ctx), holdID); err != nil {
		s.logger.WarnContext(ctx, failureMsg,
			slog.String("checkout_id", checkoutID),
			slog.String("hold_id", holdID),
			slog.String("error", err.Error()),
		)
	}
}

func offered(options []domain.ShippingMethod, id string) bool {
	for _, opt := range options {
		if opt.ID == id {
			return true
		}
	}
	return false
}
