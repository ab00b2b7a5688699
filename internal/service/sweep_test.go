package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/event"
	"github.com/utafrali/checkoutflow/internal/payment/gateway/mock"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

func TestExpireStaleSessions_ExpiresAndReleases(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	stale, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = env.svc.RedeemGiftCard(ctx, stale.ID, testUser, "GC-SMALL", 300)
	require.NoError(t, err)
	fresh, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)

	env.sessions.edit(stale.ID, func(cs *domain.CheckoutSession) {
		cs.ExpiresAt = time.Now().Add(-time.Minute)
	})

	res, err := env.svc.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Recovered)

	stored := env.sessions.stored(stale.ID)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	assert.Empty(t, stored.GiftCards)
	assert.Equal(t, 0, env.giftCards.activeHolds())
	assert.Equal(t, domain.StatusActive, env.sessions.stored(fresh.ID).Status)
	assert.Contains(t, env.events.published(), event.TopicCheckoutExpired)

	res, err = env.svc.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
}

func TestExpireStaleSessions_ReleasesLapsedHolds(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()

	s, err := env.svc.StartCheckout(ctx, testUser)
	require.NoError(t, err)
	_, err = env.svc.RedeemGiftCard(ctx, s.ID, testUser, "GC-SMALL", 300)
	require.NoError(t, err)
	env.giftCards.lapse()

	res, err := env.svc.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ReleasedHolds)
	assert.Equal(t, 0, env.giftCards.activeHolds())
}

func TestExpireStaleSessions_RecoversStuckSubmission(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()
	s := env.readyForReview(t, mock.CardSuccess)

	env.sessions.edit(s.ID, func(cs *domain.CheckoutSession) {
		cs.CurrentStep = domain.StepSubmitting
		cs.UpdatedAt = time.Now().Add(-time.Hour)
	})

	res, err := env.svc.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)

	stored := env.sessions.stored(s.ID)
	assert.Equal(t, domain.StepReview, stored.CurrentStep)
	require.NotNil(t, stored.Failure)
	assert.Equal(t, apperrors.CodePaymentNetworkError, stored.Failure.Code)
	assert.True(t, stored.Failure.RequiresConfirmation)

	_, err = env.svc.Submit(ctx, s.ID, testUser, SubmitInput{})
	assert.Equal(t, apperrors.CodePaymentConfirmationRequired, appErrorCode(t, err))

	_, err = env.svc.Submit(ctx, s.ID, testUser, SubmitInput{Confirm: true})
	require.NoError(t, err)
}

func TestExpireStaleSessions_SkipsSubmissionStillInFlight(t *testing.T) {
	env := newTestEnv(t, mock.New())
	ctx := context.Background()
	s := env.readyForReview(t, mock.CardSuccess)

	env.sessions.edit(s.ID, func(cs *domain.CheckoutSession) {
		cs.CurrentStep = domain.StepSubmitting
		cs.UpdatedAt = time.Now().Add(-time.Hour)
	})
	_, acquired, err := env.guard.Acquire(ctx, s.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	res, err := env.svc.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, domain.StepSubmitting, env.sessions.stored(s.ID).CurrentStep)
}
