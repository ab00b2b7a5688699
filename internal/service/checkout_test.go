package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/event"
	"github.com/utafrali/checkoutflow/internal/payment/gateway/mock"
	"github.com/utafrali/checkoutflow/internal/shipping"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

func appErrorCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestStartCheckout_Success(t *testing.T) {
	env := newTestEnv(t, mock.New())

	s, err := env.svc.StartCheckout(context.Background(), testUser)
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, domain.StepAddress, s.CurrentStep)
	assert.Equal(t, int64(5000), s.Totals.Subtotal)
	assert.Equal(t, int64(5000), s.Totals.GrandTotal)
	assert.Equal(t, domain.StepIncomplete, s.StepStatus[domain.StepAddress])
	assert.True(t, s.ExpiresAt.After(time.Now()))

	assert.Equal(t, s.ID, env.sessions.stored(s.ID).ID)
	assert.Equal(t, []string{event.TopicCheckoutStarted}, env.events.published())
}

func TestStartCheckout_EmptyCart(t *testing.T) {
	env := newTestEnv(t, mock.New())

	_, err := env.svc.StartCheckout(context.Background(), "user-without-cart")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestStartCheckout_RequiresUser(t *testing.T) {
	env := newTestEnv(t, mock.New())

	_, err := env.svc.StartCheckout(context.Background(), " ")
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))
}

func TestGetCheckout_OtherUserIsNotFound(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	_, err = env.svc.GetCheckout(ctx, s.ID, "someone-else")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = env.svc.GetCheckout(ctx, "missing", testUser)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestSetShippingAddress_InvalidLeavesSessionUntouched(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	addr := texasAddress()
	addr.PostalCode = "ABC"
	_, err = env.svc.SetShippingAddress(ctx, s.ID, testUser, addr)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeValidation, appErr.Code)
	assert.Equal(t, "address", appErr.Step)
	assert.Contains(t, appErr.Fields, "postal_code")

	stored := env.sessions.stored(s.ID)
	assert.Nil(t, stored.ShippingAddress)
	assert.Equal(t, s.Version, stored.Version)
}

func TestSetShippingAddress_NormalizesAndQuotes(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	s, err = env.svc.SetShippingAddress(ctx, s.ID, testUser, texasAddress())
	require.NoError(t, err)

	require.NotNil(t, s.ShippingAddress)
	assert.Equal(t, "US", s.ShippingAddress.Country)
	assert.Equal(t, "TX", s.ShippingAddress.Region)
	assert.Equal(t, domain.StepValid, s.StepStatus[domain.StepAddress])

	methods, err := env.svc.ListShippingMethods(ctx, s.ID, testUser)
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.Equal(t, shipping.MethodStandard, methods[0].ID)
	assert.Equal(t, int64(700), methods[0].Cost)
}

func TestSetShippingAddress_ClearsMethodNoLongerOffered(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = env.svc.SetShippingAddress(ctx, s.ID, testUser, texasAddress())
	require.NoError(t, err)
	_, err = env.svc.NextStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	_, err = env.svc.SelectShippingMethod(ctx, s.ID, testUser, shipping.MethodExpress)
	require.NoError(t, err)
	s, err = env.svc.NextStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, domain.StepBilling, s.CurrentStep)

	unserved := domain.Address{FullName: "Ada", Line1: "1 Rue", City: "Paris", PostalCode: "75001", Country: "FR"}
	s, err = env.svc.SetShippingAddress(ctx, s.ID, testUser, unserved)
	require.NoError(t, err)

	assert.Nil(t, s.ShippingMethod)
	assert.Empty(t, s.ShippingOptions)
	assert.Equal(t, domain.StepShipping, s.CurrentStep)
	assert.Equal(t, int64(0), s.Totals.ShippingCost)
}

func TestListShippingMethods_RequiresAddress(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	_, err = env.svc.ListShippingMethods(ctx, s.ID, testUser)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestSelectShippingMethod_MustBeOffered(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = env.svc.SetShippingAddress(ctx, s.ID, testUser, texasAddress())
	require.NoError(t, err)

	_, err = env.svc.SelectShippingMethod(ctx, s.ID, testUser, "teleport")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestSetBillingAddress(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	_, err = env.svc.SetBillingAddress(ctx, s.ID, testUser, BillingInput{})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "billing", appErr.Step)

	billing := domain.Address{FullName: "Ada", Line1: "Unter den Linden 1", City: "Berlin", PostalCode: "10117", Country: "de"}
	s, err = env.svc.SetBillingAddress(ctx, s.ID, testUser, BillingInput{Address: &billing})
	require.NoError(t, err)
	require.NotNil(t, s.BillingAddress)
	assert.Equal(t, "DE", s.BillingAddress.Country)
	assert.False(t, s.BillingSameAsShipping)

	s, err = env.svc.SetBillingAddress(ctx, s.ID, testUser, BillingInput{SameAsShipping: true})
	require.NoError(t, err)
	assert.Nil(t, s.BillingAddress)
	assert.True(t, s.BillingSameAsShipping)
}

func TestNavigation(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	_, err = env.svc.NextStep(ctx, s.ID, testUser)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeValidation, appErr.Code)
	assert.Equal(t, "address", appErr.Step)

	_, err = env.svc.GoToStep(ctx, s.ID, testUser, "payment")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = env.svc.GoToStep(ctx, s.ID, testUser, "checkout-of-doom")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	_, err = env.svc.SetShippingAddress(ctx, s.ID, testUser, texasAddress())
	require.NoError(t, err)
	s, err = env.svc.NextStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, domain.StepShipping, s.CurrentStep)

	s, err = env.svc.PreviousStep(ctx, s.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, domain.StepAddress, s.CurrentStep)

	s, err = env.svc.GoToStep(ctx, s.ID, testUser, "shipping")
	require.NoError(t, err)
	assert.Equal(t, domain.StepShipping, s.CurrentStep)
}

func TestDiscountCode_ApplyRemoveRoundTrip(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()
	s := env.readyForReview(t, mock.CardSuccess)
	before := s.Totals

	s, err := env.svc.ApplyDiscountCode(ctx, s.ID, testUser, " save10 ")
	require.NoError(t, err)
	assert.Equal(t, int64(500), s.Totals.DiscountAmount)

	_, err = env.svc.ApplyDiscountCode(ctx, s.ID, testUser, "SAVE10")
	assert.Equal(t, apperrors.CodeDiscountAlreadyApplied, appErrorCode(t, err))

	_, err = env.svc.ApplyDiscountCode(ctx, s.ID, testUser, "NOPE")
	assert.Equal(t, apperrors.CodeDiscountNotFound, appErrorCode(t, err))

	s, err = env.svc.RemoveDiscountCode(ctx, s.ID, testUser, "save10")
	require.NoError(t, err)
	assert.Empty(t, s.Discounts)
	assert.Equal(t, before, s.Totals)

	_, err = env.svc.RemoveDiscountCode(ctx, s.ID, testUser, "SAVE10")
	assert.Equal(t, apperrors.CodeDiscountNotFound, appErrorCode(t, err))
}

func TestRedeemGiftCard_InsufficientBalanceLeavesRedemptionsUnchanged(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	s, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-SMALL", 400)
	require.NoError(t, err)
	require.Len(t, s.GiftCards, 1)

	_, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-BIG", 20000)
	assert.Equal(t, apperrors.CodeGiftCardInsufficientBal, appErrorCode(t, err))

	stored := env.sessions.stored(s.ID)
	require.Len(t, stored.GiftCards, 1)
	assert.Equal(t, "GC-SMALL", stored.GiftCards[0].CardID)
	assert.Equal(t, int64(400), stored.Totals.GiftCardCredit)
	assert.Equal(t, 1, env.giftCards.activeHolds())
}

func TestRedeemGiftCard_HoldsCompeteAcrossSessions(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	first, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	second, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	_, err = env.svc.RedeemGiftCard(ctx, first.ID, testUser, "GC-SMALL", 800)
	require.NoError(t, err)

	_, err = env.svc.RedeemGiftCard(ctx, second.ID, testUser, "GC-SMALL", 800)
	assert.Equal(t, apperrors.CodeGiftCardInsufficientBal, appErrorCode(t, err))
	assert.Empty(t, env.sessions.stored(second.ID).GiftCards)
}

func TestRedeemGiftCard_ReleasesHoldWhenSaveFails(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	env.sessions.updateErr = errors.New("connection refused")
	_, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-SMALL", 500)
	require.Error(t, err)

	assert.Equal(t, 0, env.giftCards.activeHolds())
}

func TestRedeemGiftCard_ReplacementKeepsPreviousHoldWhenSaveFails(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	s, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-BIG", 2000)
	require.NoError(t, err)
	oldHold := s.GiftCards[0].HoldID

	env.sessions.updateErr = errors.New("connection refused")
	_, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-BIG", 3000)
	require.Error(t, err)

	stored := env.sessions.stored(s.ID)
	require.Len(t, stored.GiftCards, 1)
	assert.Equal(t, int64(2000), stored.GiftCards[0].Amount)
	assert.Equal(t, oldHold, stored.GiftCards[0].HoldID)
	active, err := env.giftCards.IsHoldActive(ctx, oldHold, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, 1, env.giftCards.activeHolds())

	env.sessions.updateErr = nil
	s, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-BIG", 3000)
	require.NoError(t, err)
	require.Len(t, s.GiftCards, 1)
	assert.Equal(t, int64(3000), s.GiftCards[0].Amount)
	assert.NotEqual(t, oldHold, s.GiftCards[0].HoldID)
	assert.Equal(t, 1, env.giftCards.activeHolds())
}

func TestReleaseGiftCard(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-SMALL", 500)
	require.NoError(t, err)

	s, err = env.svc.ReleaseGiftCard(ctx, s.ID, testUser, "GC-SMALL")
	require.NoError(t, err)
	assert.Empty(t, s.GiftCards)
	assert.Equal(t, int64(0), s.Totals.GiftCardCredit)
	assert.Equal(t, 0, env.giftCards.activeHolds())

	_, err = env.svc.ReleaseGiftCard(ctx, s.ID, testUser, "GC-SMALL")
	assert.NoError(t, err)
}

func TestSetPaymentMethod_InvalidCard(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	_, err = env.svc.SetPaymentMethod(ctx, s.ID, testUser, PaymentInput{Kind: domain.PaymentKindCard, Card: testCard("1234")})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "payment", appErr.Step)
	assert.Contains(t, appErr.Fields, "card_number")
	assert.Nil(t, env.sessions.stored(s.ID).Payment)

	_, err = env.svc.SetPaymentMethod(ctx, s.ID, testUser, PaymentInput{Kind: "cheque"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestSetPaymentMethod_StoresTokenOnly(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	s, err = env.svc.SetPaymentMethod(ctx, s.ID, testUser, PaymentInput{Kind: domain.PaymentKindCard, Card: testCard(mock.CardSuccess)})
	require.NoError(t, err)
	require.NotNil(t, s.Payment)
	assert.Equal(t, "4242", s.Payment.Last4)
	assert.NotEmpty(t, s.Payment.Token)
	assert.Equal(t, "visa ending in 4242", env.svc.DescribePayment(s))
}

func TestAbandon_ReleasesHolds(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-SMALL", 500)
	require.NoError(t, err)

	s, err = env.svc.Abandon(ctx, s.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, s.Status)
	assert.Empty(t, s.GiftCards)
	assert.Equal(t, 0, env.giftCards.activeHolds())
	assert.Contains(t, env.events.published(), event.TopicCheckoutAbandoned)

	_, err = env.svc.Abandon(ctx, s.ID, testUser)
	assert.True(t, errors.Is(err, apperrors.ErrConsistency))

	_, err = env.svc.ApplyDiscountCode(ctx, s.ID, testUser, "SAVE10")
	assert.True(t, errors.Is(err, apperrors.ErrConsistency))
}

func TestMutation_OnExpiredSessionIsGone(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-SMALL", 500)
	require.NoError(t, err)

	env.sessions.edit(s.ID, func(cs *domain.CheckoutSession) {
		cs.ExpiresAt = time.Now().Add(-time.Minute)
	})

	_, err = env.svc.ApplyDiscountCode(ctx, s.ID, testUser, "SAVE10")
	assert.True(t, errors.Is(err, apperrors.ErrGone))

	stored := env.sessions.stored(s.ID)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	assert.Equal(t, 0, env.giftCards.activeHolds())
	assert.Contains(t, env.events.published(), event.TopicCheckoutExpired)
}

func TestGetOrder_NoOrderYet(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	_, err = env.svc.GetOrder(ctx, s.ID, testUser)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(nil))
	assert.Equal(t, "payment_declined", outcomeLabel(apperrors.Payment(apperrors.CodePaymentDeclined, "no")))
	assert.Equal(t, "consistency_error", outcomeLabel(apperrors.Consistency("busy")))
	assert.Equal(t, "error", outcomeLabel(errors.New("boom")))
}
