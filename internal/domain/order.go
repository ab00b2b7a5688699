package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PaymentConfirmation is the result of a successful charge.
type PaymentConfirmation struct {
	Method         string    `json:"method"`
	Reference      string    `json:"reference"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Description    string    `json:"description"`
	ChargedAt      time.Time `json:"charged_at"`
}

// Order is the immutable record of a completed checkout. It is only built by
// NewOrder and shares no memory with the session it came from.
type Order struct {
	ID              string              `json:"id"`
	CheckoutID      string              `json:"checkout_id"`
	UserID          string              `json:"user_id"`
	Currency        string              `json:"currency"`
	Items           []LineItem          `json:"items"`
	ShippingAddress Address             `json:"shipping_address"`
	BillingAddress  Address             `json:"billing_address"`
	ShippingMethod  ShippingMethod      `json:"shipping_method"`
	DiscountCodes   []string            `json:"discount_codes,omitempty"`
	GiftCards       []GiftCardCapture   `json:"gift_cards,omitempty"`
	Totals          Totals              `json:"totals"`
	Payment         PaymentConfirmation `json:"payment"`
	CreatedAt       time.Time           `json:"created_at"`
}

// NewOrder freezes a submitted session into an order.
func NewOrder(s *CheckoutSession, captures []GiftCardCapture, payment PaymentConfirmation, now time.Time) (*Order, error) {
	if s == nil {
		return nil, errors.New("nil checkout session")
	}
	if s.ShippingAddress == nil {
		return nil, errors.New("order requires a shipping address")
	}
	billing := s.EffectiveBillingAddress()
	if billing == nil {
		return nil, errors.New("order requires a billing address")
	}
	if s.ShippingMethod == nil {
		return nil, errors.New("order requires a shipping method")
	}
	if payment.Amount != s.Totals.GrandTotal {
		return nil, errors.New("charged amount does not match grand total")
	}

	items := make([]LineItem, len(s.Items))
	copy(items, s.Items)

	var codes []string
	for _, d := range s.Discounts {
		codes = append(codes, d.Code)
	}

	var cards []GiftCardCapture
	if len(captures) > 0 {
		cards = make([]GiftCardCapture, len(captures))
		copy(cards, captures)
	}

	return &Order{
		ID:              uuid.New().String(),
		CheckoutID:      s.ID,
		UserID:          s.UserID,
		Currency:        s.Currency,
		Items:           items,
		ShippingAddress: *s.ShippingAddress,
		BillingAddress:  *billing,
		ShippingMethod:  *s.ShippingMethod,
		DiscountCodes:   codes,
		GiftCards:       cards,
		Totals:          s.Totals,
		Payment:         payment,
		CreatedAt:       now,
	}, nil
}
