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

// Registry resolves the payment method of a session.
type Registry struct {
	gateway gateway.Gateway
	now     func() time.Time
}

// NewRegistry creates a registry whose card variant uses gw.
func NewRegistry(gw gateway.Gateway) *Registry {
	return &Registry{gateway: gw, now: func() time.Time { return time.Now().UTC() }}
}

// SupportsIdempotency reports whether card charges may be retried safely.
func (r *Registry) SupportsIdempotency() bool {
	return r.gateway.SupportsIdempotency()
}

// Resolve returns the method that will settle the session. A session with
// nothing left to pay always resolves to GiftCardOnly, whatever was selected.
func (r *Registry) Resolve(s *domain.CheckoutSession) (Method, error) {
	if s.Totals.GrandTotal == 0 && len(s.Items) > 0 {
		return &GiftCardOnly{amountDue: 0, now: r.now}, nil
	}
	if s.Payment == nil {
		return nil, apperrors.Validation(string(domain.StepPayment),
			map[string]string{"payment": "a payment method is required"})
	}
	switch s.Payment.Kind {
	case domain.PaymentKindCard:
		return &Card{gateway: r.gateway, selection: *s.Payment, now: r.now}, nil
	case domain.PaymentKindGiftCardOnly:
		return &GiftCardOnly{amountDue: s.Totals.GrandTotal, now: r.now}, nil
	default:
		return nil, apperrors.InvalidInput(fmt.Sprintf("unsupported payment method %q", s.Payment.Kind))
	}
}

// Ready reports whether the session's payment step is satisfied, with the
// field errors to show when it is not.
func (r *Registry) Ready(s *domain.CheckoutSession) (bool, map[string]string) {
	method, err := r.Resolve(s)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && len(appErr.Fields) > 0 {
			return false, appErr.Fields
		}
		return false, map[string]string{"payment": err.Error()}
	}
	if !method.IsReady() {
		if method.Kind() == domain.PaymentKindGiftCardOnly {
			return false, map[string]string{"payment": "gift cards do not cover the order total"}
		}
		return false, map[string]string{"payment": "card details are incomplete"}
	}
	return true, nil
}

// Tokenize turns raw payment details into a selection that can be stored on
// the session. Only the card variant needs details.
func (r *Registry) Tokenize(ctx context.Context, kind string, card *gateway.CardDetails) (*domain.PaymentSelection, error) {
	switch kind {
	case domain.PaymentKindGiftCardOnly:
		return &domain.PaymentSelection{Kind: kind}, nil
	case domain.PaymentKindCard:
	default:
		return nil, apperrors.InvalidInput(fmt.Sprintf("unsupported payment method %q", kind))
	}

	if card == nil {
		return nil, apperrors.Validation(string(domain.StepPayment),
			map[string]string{"card": "card details are required"})
	}
	tok, err := r.gateway.Tokenize(ctx, card)
	if err != nil {
		var invalid *gateway.InvalidCardError
		if errors.As(err, &invalid) {
			return nil, apperrors.Validation(string(domain.StepPayment), invalid.Fields)
		}
		if errors.Is(err, gateway.ErrInvalidCard) {
			return nil, apperrors.Validation(string(domain.StepPayment),
				map[string]string{"card_number": "was rejected"})
		}
		return nil, chargeError(err)
	}

	return &domain.PaymentSelection{
		Kind:     domain.PaymentKindCard,
		Token:    tok.Token,
		Brand:    tok.Brand,
		Last4:    tok.Last4,
		ExpMonth: tok.ExpMonth,
		ExpYear:  tok.ExpYear,
	}, nil
}
