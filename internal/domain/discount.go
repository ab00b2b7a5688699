package domain

import (
	"strings"
	"time"
)

// Discount kinds.
const (
	DiscountPercentage   = "percentage"
	DiscountFixedAmount  = "fixed_amount"
	DiscountFreeShipping = "free_shipping"
)

// DiscountRule is a promotional code definition. Value is in basis points
// for percentage rules and in minor units for fixed-amount rules.
type DiscountRule struct {
	Code        string     `json:"code"`
	Kind        string     `json:"kind"`
	Value       int64      `json:"value"`
	MinSubtotal int64      `json:"min_subtotal,omitempty"`
	MaxDiscount int64      `json:"max_discount,omitempty"`
	Stackable   bool       `json:"stackable"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	MaxUsage    int        `json:"max_usage,omitempty"`
	UsageCount  int        `json:"usage_count"`
	Active      bool       `json:"active"`
}

// IsAmount reports whether the rule reduces the merchandise amount, as
// opposed to waiving shipping.
func (r DiscountRule) IsAmount() bool {
	return r.Kind == DiscountPercentage || r.Kind == DiscountFixedAmount
}

// InWindow reports whether now falls inside the rule's validity window.
func (r DiscountRule) InWindow(now time.Time) bool {
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && !now.Before(*r.EndsAt) {
		return false
	}
	return true
}

// UsageExhausted reports whether the rule has hit its redemption limit.
func (r DiscountRule) UsageExhausted() bool {
	return r.MaxUsage > 0 && r.UsageCount >= r.MaxUsage
}

// NormalizeCode canonicalizes a discount code for comparison and lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
