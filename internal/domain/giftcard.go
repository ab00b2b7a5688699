package domain

import "time"

// GiftCard is a stored-value card. ID is the code printed on the card.
type GiftCard struct {
	ID        string     `json:"id"`
	Balance   int64      `json:"balance"`
	Currency  string     `json:"currency"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// Usable reports whether the card can be redeemed at now in currency.
func (g GiftCard) Usable(now time.Time, currency string) bool {
	if !g.Active || g.Currency != currency {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// GiftCardRedemption is a soft hold of part of a gift card's balance against
// a checkout session. The balance is only debited when the order commits.
type GiftCardRedemption struct {
	CardID    string    `json:"card_id"`
	Amount    int64     `json:"amount"`
	HoldID    string    `json:"hold_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Gift card hold status constants.
const (
	HoldActive   = "active"
	HoldCaptured = "captured"
	HoldReleased = "released"
)

// GiftCardHold is the persisted reservation backing a redemption.
type GiftCardHold struct {
	ID         string    `json:"id"`
	CardID     string    `json:"card_id"`
	CheckoutID string    `json:"checkout_id"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// GiftCardCapture is the amount actually debited from one card when an order
// commits. It never exceeds the held amount.
type GiftCardCapture struct {
	CardID string `json:"card_id"`
	HoldID string `json:"hold_id"`
	Amount int64  `json:"amount"`
}
