package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/utafrali/checkoutflow/internal/domain"
)

var bpsScale = decimal.NewFromInt(10000)

// Calculator derives session totals. It is stateless apart from the tax
// table and safe for concurrent use.
type Calculator struct {
	tax TaxTable
}

// NewCalculator creates a totals calculator using the given tax table.
func NewCalculator(tax TaxTable) *Calculator {
	return &Calculator{tax: tax}
}

// Compute returns the totals for the session without modifying it. The
// stages run in a fixed order: subtotal, amount discounts, shipping, tax,
// gift-card credit. Every stage rounds half-to-even to whole minor units.
func (c *Calculator) Compute(s *domain.CheckoutSession) domain.Totals {
	var t domain.Totals
	var taxable int64
	for _, item := range s.Items {
		line := item.LineTotal()
		t.Subtotal += line
		if item.Taxable {
			taxable += line
		}
	}

	freeShipping := false
	for _, rule := range s.Discounts {
		if rule.Kind == domain.DiscountFreeShipping {
			freeShipping = true
			continue
		}
		amount := DiscountAmount(rule, t.Subtotal)
		if remaining := t.Subtotal - t.DiscountAmount; amount > remaining {
			amount = remaining
		}
		t.DiscountAmount += amount
	}

	if s.ShippingMethod != nil && !freeShipping {
		t.ShippingCost = s.ShippingMethod.Cost
	}

	t.Tax = ApplyBps(c.taxBase(t, taxable), c.tax.RateFor(s.ShippingAddress))

	due := t.Subtotal - t.DiscountAmount + t.ShippingCost + t.Tax
	var held int64
	for _, gc := range s.GiftCards {
		held += gc.Amount
	}
	t.GiftCardCredit = min(held, due)
	t.GrandTotal = due - t.GiftCardCredit
	return t
}

// taxBase is subtotal minus discount plus shipping, excluding the
// non-taxable share of the discounted merchandise.
func (c *Calculator) taxBase(t domain.Totals, taxable int64) int64 {
	if t.Subtotal == 0 {
		return max(t.ShippingCost, 0)
	}
	nonTaxable := t.Subtotal - taxable
	nonTaxableDiscount := decimal.NewFromInt(t.DiscountAmount).
		Mul(decimal.NewFromInt(nonTaxable)).
		Div(decimal.NewFromInt(t.Subtotal)).
		RoundBank(0).IntPart()
	base := t.Subtotal - t.DiscountAmount + t.ShippingCost - (nonTaxable - nonTaxableDiscount)
	return max(base, 0)
}

// DiscountAmount returns what a single amount rule takes off subtotal,
// before clamping against other discounts. Free-shipping rules return 0.
func DiscountAmount(rule domain.DiscountRule, subtotal int64) int64 {
	var amount int64
	switch rule.Kind {
	case domain.DiscountPercentage:
		amount = ApplyBps(subtotal, rule.Value)
	case domain.DiscountFixedAmount:
		amount = rule.Value
	default:
		return 0
	}
	if rule.MaxDiscount > 0 && amount > rule.MaxDiscount {
		amount = rule.MaxDiscount
	}
	return min(max(amount, 0), subtotal)
}

// ApplyBps returns amount × bps / 10000 rounded half-to-even.
func ApplyBps(amount, bps int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(bpsScale).
		RoundBank(0).IntPart()
}

// AllocateGiftCardCredit splits the applied credit across redemptions in the
// order they were added. A card is never captured for more than it holds.
func AllocateGiftCardCredit(redemptions []domain.GiftCardRedemption, credit int64) []domain.GiftCardCapture {
	var out []domain.GiftCardCapture
	for _, r := range redemptions {
		if credit <= 0 {
			break
		}
		amount := min(r.Amount, credit)
		out = append(out, domain.GiftCardCapture{CardID: r.CardID, HoldID: r.HoldID, Amount: amount})
		credit -= amount
	}
	return out
}
