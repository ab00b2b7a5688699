package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/payment/gateway"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// ChargeRequest is a single charge attempt. IdempotencyKey stays the same
// across retries of one attempt.
type ChargeRequest struct {
	CheckoutID     string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Method is a payment variant able to settle a checkout.
type Method interface {
	// Kind returns the variant tag.
	Kind() string
	// IsReady reports whether the method can be charged as configured.
	IsReady() bool
	// Describe returns a short human-readable label, e.g. "visa ending in 4242".
	Describe() string
	// Charge settles the amount. Failures are payment errors carrying one
	// of the CodePayment* codes.
	Charge(ctx context.Context, req ChargeRequest) (*domain.PaymentConfirmation, error)
	// Refund reverses a confirmed charge.
	Refund(ctx context.Context, conf *domain.PaymentConfirmation) error
}

// Card charges a tokenized card through a gateway.
type Card struct {
	gateway   gateway.Gateway
	selection domain.PaymentSelection
	now       func() time.Time
}

// Kind returns the variant tag.
func (c *Card) Kind() string {
	return domain.PaymentKindCard
}

// IsReady reports whether a card token is present.
func (c *Card) IsReady() bool {
	return c.selection.Token != ""
}

// Describe returns the card label.
func (c *Card) Describe() string {
	if c.selection.Last4 == "" {
		return "card"
	}
	return fmt.Sprintf("%s ending in %s", c.selection.Brand, c.selection.Last4)
}

// Charge charges the card.
func (c *Card) Charge(ctx context.Context, req ChargeRequest) (*domain.PaymentConfirmation, error) {
	res, err := c.gateway.Charge(ctx, &gateway.ChargeInput{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Token:          c.selection.Token,
		IdempotencyKey: req.IdempotencyKey,
		Reference:      req.CheckoutID,
		Description:    "checkout " + req.CheckoutID,
	})
	if err != nil {
		return nil, chargeError(err)
	}

	return &domain.PaymentConfirmation{
		Method:         domain.PaymentKindCard,
		Reference:      res.ProviderPaymentID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Description:    c.Describe(),
		ChargedAt:      c.now(),
	}, nil
}

// Refund reverses the charge through the gateway.
func (c *Card) Refund(ctx context.Context, conf *domain.PaymentConfirmation) error {
	if err := c.gateway.Refund(ctx, &gateway.RefundInput{
		ProviderPaymentID: conf.Reference,
		Amount:            conf.Amount,
		Currency:          conf.Currency,
		Reason:            "order could not be recorded",
	}); err != nil {
		return fmt.Errorf("refund %s: %w", conf.Reference, err)
	}
	return nil
}

func chargeError(err error) error {
	switch {
	case errors.Is(err, gateway.ErrFraudHold):
		return apperrors.Payment(apperrors.CodePaymentFraudHold, "the payment is under review; please use another method or contact support")
	case errors.Is(err, gateway.ErrDeclined), errors.Is(err, gateway.ErrInvalidCard):
		return apperrors.Payment(apperrors.CodePaymentDeclined, "the card was declined")
	case errors.Is(err, gateway.ErrUnavailable):
		return apperrors.Payment(apperrors.CodePaymentUnavailable, "the payment provider is temporarily unavailable; you were not charged")
	default:
		return apperrors.Payment(apperrors.CodePaymentNetworkError, "the payment provider could not be reached")
	}
}

// GiftCardOnly settles a checkout fully covered by gift cards and discounts.
// Nothing is charged here; card balances are debited when the order commits.
type GiftCardOnly struct {
	amountDue int64
	now       func() time.Time
}

// Kind returns the variant tag.
func (g *GiftCardOnly) Kind() string {
	return domain.PaymentKindGiftCardOnly
}

// IsReady reports whether nothing is left to pay.
func (g *GiftCardOnly) IsReady() bool {
	return g.amountDue == 0
}

// Describe returns the method label.
func (g *GiftCardOnly) Describe() string {
	return "paid in full with gift cards"
}

// Charge returns a local confirmation. A non-zero amount is a caller bug.
func (g *GiftCardOnly) Charge(_ context.Context, req ChargeRequest) (*domain.PaymentConfirmation, error) {
	if req.Amount != 0 {
		return nil, apperrors.Consistency(fmt.Sprintf("gift card only payment cannot collect %d", req.Amount))
	}
	return &domain.PaymentConfirmation{
		Method:         domain.PaymentKindGiftCardOnly,
		Reference:      "giftcard-" + req.CheckoutID,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Description:    g.Describe(),
		ChargedAt:      g.now(),
	}, nil
}

// Refund is a no-op; captured gift card holds are rolled back with the order
// transaction.
func (g *GiftCardOnly) Refund(context.Context, *domain.PaymentConfirmation) error {
	return nil
}
