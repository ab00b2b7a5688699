package domain

import (
	"time"
)

// Checkout session status constants.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
	StatusExpired   = "expired"
)

// ValidStatuses returns all valid checkout session statuses.
func ValidStatuses() []string {
	return []string{StatusActive, StatusCompleted, StatusAbandoned, StatusExpired}
}

// IsValidStatus checks if the given status string is a valid checkout status.
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// Step identifies a position in the checkout flow.
type Step string

// Checkout steps in flow order. StepFailed is transient: a failed submission
// lands back on StepReview with the failure attached.
const (
	StepAddress    Step = "address"
	StepShipping   Step = "shipping"
	StepBilling    Step = "billing"
	StepPayment    Step = "payment"
	StepReview     Step = "review"
	StepSubmitting Step = "submitting"
	StepSuccess    Step = "success"
	StepFailed     Step = "failed"
)

// InputSteps are the user-editable steps, in order.
var InputSteps = []Step{StepAddress, StepShipping, StepBilling, StepPayment, StepReview}

// Index returns the position of the step in the flow, or -1 for unknown steps.
func (s Step) Index() int {
	switch s {
	case StepAddress:
		return 0
	case StepShipping:
		return 1
	case StepBilling:
		return 2
	case StepPayment:
		return 3
	case StepReview:
		return 4
	case StepSubmitting, StepFailed:
		return 5
	case StepSuccess:
		return 6
	default:
		return -1
	}
}

// IsInput reports whether the step is one of the user-editable steps.
func (s Step) IsInput() bool {
	i := s.Index()
	return i >= 0 && i <= StepReview.Index()
}

// ParseStep returns the step named by s.
func ParseStep(s string) (Step, bool) {
	step := Step(s)
	return step, step.Index() >= 0
}

// StepStatus is the derived validity of a single step.
type StepStatus string

// Step status constants.
const (
	StepIncomplete StepStatus = "incomplete"
	StepValid      StepStatus = "valid"
	StepInvalid    StepStatus = "invalid"
	StepInFlight   StepStatus = "submitting"
)

// LineItem is a cart line copied into the checkout session.
type LineItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Taxable   bool   `json:"taxable"`
}

// LineTotal returns unit price times quantity in minor units.
func (l LineItem) LineTotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// ShippingMethod is one shipping option offered for an address.
type ShippingMethod struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Carrier       string `json:"carrier,omitempty"`
	Cost          int64  `json:"cost"`
	EstimatedDays int    `json:"estimated_days"`
}

// Payment method kinds.
const (
	PaymentKindCard         = "card"
	PaymentKindGiftCardOnly = "gift_card_only"
)

// PaymentSelection is the chosen payment variant together with its tokenized
// credentials. Raw card data never reaches the session.
type PaymentSelection struct {
	Kind     string `json:"kind"`
	Token    string `json:"token,omitempty"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

// Totals holds the derived monetary summary of a session, in minor units.
type Totals struct {
	Subtotal       int64 `json:"subtotal"`
	DiscountAmount int64 `json:"discount_amount"`
	ShippingCost   int64 `json:"shipping_cost"`
	Tax            int64 `json:"tax"`
	GiftCardCredit int64 `json:"gift_card_credit"`
	GrandTotal     int64 `json:"grand_total"`
}

// Failure records why the last submission attempt did not complete.
// RequiresConfirmation is set when the outcome of a charge is unknown; the
// next submission must then be explicitly confirmed by the shopper.
type Failure struct {
	Code                 string    `json:"code"`
	Message              string    `json:"message"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	OccurredAt           time.Time `json:"occurred_at"`
}

// CheckoutSession is the aggregate root of a single checkout flow.
type CheckoutSession struct {
	ID                    string                     `json:"id"`
	UserID                string                     `json:"user_id"`
	Currency              string                     `json:"currency"`
	Status                string                     `json:"status"`
	Items                 []LineItem                 `json:"items"`
	ShippingAddress       *Address                   `json:"shipping_address,omitempty"`
	BillingAddress        *Address                   `json:"billing_address,omitempty"`
	BillingSameAsShipping bool                       `json:"billing_same_as_shipping"`
	ShippingOptions       []ShippingMethod           `json:"shipping_options,omitempty"`
	ShippingMethod        *ShippingMethod            `json:"shipping_method,omitempty"`
	Discounts             []DiscountRule             `json:"discounts,omitempty"`
	GiftCards             []GiftCardRedemption       `json:"gift_cards,omitempty"`
	Payment               *PaymentSelection          `json:"payment,omitempty"`
	Totals                Totals                     `json:"totals"`
	CurrentStep           Step                       `json:"current_step"`
	StepStatus            map[Step]StepStatus        `json:"step_status"`
	StepErrors            map[Step]map[string]string `json:"step_errors,omitempty"`
	Failure               *Failure                   `json:"failure,omitempty"`
	OrderID               string                     `json:"order_id,omitempty"`
	Version               int                        `json:"version"`
	ExpiresAt             time.Time                  `json:"expires_at"`
	CreatedAt             time.Time                  `json:"created_at"`
	UpdatedAt             time.Time                  `json:"updated_at"`
}

// IsExpired returns true if the session has passed its expiration time.
func (s *CheckoutSession) IsExpired(now time.Time) bool {
	return s.Status == StatusActive && now.After(s.ExpiresAt)
}

// IsTerminal returns true if the session is in a final state.
func (s *CheckoutSession) IsTerminal() bool {
	return s.Status != StatusActive || s.CurrentStep == StepSuccess
}

// Subtotal returns the sum of all line totals.
func (s *CheckoutSession) Subtotal() int64 {
	var total int64
	for _, item := range s.Items {
		total += item.LineTotal()
	}
	return total
}

// ItemCount returns the total number of units across all line items.
func (s *CheckoutSession) ItemCount() int {
	var n int
	for _, item := range s.Items {
		n += item.Quantity
	}
	return n
}

// EffectiveBillingAddress returns the billing address, falling back to the
// shipping address when billing is marked as the same.
func (s *CheckoutSession) EffectiveBillingAddress() *Address {
	if s.BillingSameAsShipping {
		return s.ShippingAddress
	}
	return s.BillingAddress
}

// HasDiscount reports whether the code is already applied. Codes compare
// case-insensitively.
func (s *CheckoutSession) HasDiscount(code string) bool {
	return s.discountIndex(code) >= 0
}

// RemoveDiscount drops the discount with the given code. It reports whether
// anything was removed.
func (s *CheckoutSession) RemoveDiscount(code string) bool {
	i := s.discountIndex(code)
	if i < 0 {
		return false
	}
	s.Discounts = append(s.Discounts[:i], s.Discounts[i+1:]...)
	return true
}

func (s *CheckoutSession) discountIndex(code string) int {
	norm := NormalizeCode(code)
	for i, d := range s.Discounts {
		if NormalizeCode(d.Code) == norm {
			return i
		}
	}
	return -1
}

// GiftCard returns the redemption for cardID, if any.
func (s *CheckoutSession) GiftCard(cardID string) (GiftCardRedemption, bool) {
	for _, gc := range s.GiftCards {
		if gc.CardID == cardID {
			return gc, true
		}
	}
	return GiftCardRedemption{}, false
}

// PutGiftCard records a redemption, replacing any existing one for the same
// card while keeping its position.
func (s *CheckoutSession) PutGiftCard(r GiftCardRedemption) {
	for i, gc := range s.GiftCards {
		if gc.CardID == r.CardID {
			s.GiftCards[i] = r
			return
		}
	}
	s.GiftCards = append(s.GiftCards, r)
}

// RemoveGiftCard drops the redemption for cardID and returns it.
func (s *CheckoutSession) RemoveGiftCard(cardID string) (GiftCardRedemption, bool) {
	for i, gc := range s.GiftCards {
		if gc.CardID == cardID {
			s.GiftCards = append(s.GiftCards[:i], s.GiftCards[i+1:]...)
			return gc, true
		}
	}
	return GiftCardRedemption{}, false
}

// AmountDueByCard is the amount the shopper still has to pay with a card.
func (s *CheckoutSession) AmountDueByCard() int64 {
	return s.Totals.GrandTotal
}

// Submitting reports whether a submission is in flight.
func (s *CheckoutSession) Submitting() bool {
	return s.CurrentStep == StepSubmitting
}
