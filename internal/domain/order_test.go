package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submittedSession() *CheckoutSession {
	return &CheckoutSession{
		ID:                    "c-1",
		UserID:                "u-1",
		Currency:              "USD",
		Items:                 []LineItem{{ProductID: "p-1", UnitPrice: 5000, Quantity: 1, Taxable: true}},
		ShippingAddress:       &Address{FullName: "Ada", Line1: "1 Main", City: "Austin", PostalCode: "78701", Country: "US"},
		BillingSameAsShipping: true,
		ShippingMethod:        &ShippingMethod{ID: "standard", Cost: 700},
		Discounts:             []DiscountRule{{Code: "SAVE10", Kind: DiscountPercentage, Value: 1000}},
		Totals:                Totals{Subtotal: 5000, DiscountAmount: 500, ShippingCost: 700, Tax: 416, GrandTotal: 5616},
	}
}

func TestNewOrder_CopiesSession(t *testing.T) {
	s := submittedSession()
	now := time.Now().UTC()
	captures := []GiftCardCapture{{CardID: "GC-1", HoldID: "h-1", Amount: 100}}

	order, err := NewOrder(s, captures, PaymentConfirmation{Method: PaymentKindCard, Reference: "ch_1", Amount: 5616}, now)
	require.NoError(t, err)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, "c-1", order.CheckoutID)
	assert.Equal(t, []string{"SAVE10"}, order.DiscountCodes)
	assert.Equal(t, s.Totals, order.Totals)
	assert.Equal(t, "Ada", order.BillingAddress.FullName)
	assert.Equal(t, now, order.CreatedAt)

	// Later session mutations must not leak into the order.
	s.Items[0].Quantity = 9
	s.ShippingAddress.City = "Dallas"
	captures[0].Amount = 1
	assert.Equal(t, 1, order.Items[0].Quantity)
	assert.Equal(t, "Austin", order.ShippingAddress.City)
	assert.Equal(t, int64(100), order.GiftCards[0].Amount)
}

func TestNewOrder_Rejects(t *testing.T) {
	conf := PaymentConfirmation{Amount: 5616}

	_, err := NewOrder(nil, nil, conf, time.Now())
	assert.Error(t, err)

	s := submittedSession()
	s.ShippingMethod = nil
	_, err = NewOrder(s, nil, conf, time.Now())
	assert.Error(t, err)

	s = submittedSession()
	s.BillingSameAsShipping = false
	_, err = NewOrder(s, nil, conf, time.Now())
	assert.Error(t, err)

	s = submittedSession()
	_, err = NewOrder(s, nil, PaymentConfirmation{Amount: 1}, time.Now())
	assert.Error(t, err)
}
