package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// SweepResult summarizes one pass of ExpireStaleSessions.
type SweepResult struct {
	Expired       int
	Recovered     int
	ReleasedHolds int64
}

// ExpireStaleSessions expires active sessions past their TTL, settles
// submissions that never finished and releases gift card holds whose TTL has
// lapsed. Sessions changed concurrently are left for the next pass.
func (s *CheckoutService) ExpireStaleSessions(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	expired, err := s.sessions.ListExpired(ctx, now, s.opts.SweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired sessions: %w", err)
	}
	for i := range expired {
		if err := s.expire(ctx, &expired[i]); err != nil {
			if !errors.Is(err, apperrors.ErrConflict) {
				s.logger.WarnContext(ctx, "failed to expire checkout session",
					slog.String("checkout_id", expired[i].ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		res.Expired++
	}

	stuck, err := s.sessions.ListStuckSubmitting(ctx, now.Add(-s.opts.StuckAfter), s.opts.SweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list stuck submissions: %w", err)
	}
	for i := range stuck {
		ok, err := s.recoverSubmission(ctx, &stuck[i])
		if err != nil {
			s.logger.WarnContext(ctx, "failed to recover stuck submission",
				slog.String("checkout_id", stuck[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			res.Recovered++
		}
	}

	released, err := s.ledger.ReleaseExpiredHolds(ctx)
	if err != nil {
		return res, err
	}
	res.ReleasedHolds = released

	sweptSessionsTotal.WithLabelValues("expired").Add(float64(res.Expired))
	sweptSessionsTotal.WithLabelValues("recovered").Add(float64(res.Recovered))

	if res.Expired > 0 || res.Recovered > 0 || res.ReleasedHolds > 0 {
		s.logger.InfoContext(ctx, "expiry sweep finished",
			slog.Int("expired", res.Expired),
			slog.Int("recovered", res.Recovered),
			slog.Int64("released_holds", res.ReleasedHolds),
		)
	}
	return res, nil
}

// expire closes an active session past its TTL and releases its holds.
func (s *CheckoutService) expire(ctx context.Context, session *domain.CheckoutSession) error {
	before := len(session.GiftCards)
	if err := s.ledger.ReleaseAll(ctx, session); err != nil {
		s.logger.WarnContext(ctx, "some gift card holds were not released",
			slog.String("checkout_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
	released := before - len(session.GiftCards)
	session.Status = domain.StatusExpired

	if err := s.sessions.Update(ctx, session); err != nil {
		return err
	}

	if err := s.events.PublishCheckoutExpired(ctx, session, released); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish checkout.expired event",
			slog.String("checkout_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "checkout expired",
		slog.String("checkout_id", session.ID),
		slog.String("step", string(session.CurrentStep)),
		slog.Int("released_gift_cards", released),
	)
	return nil
}

// recoverSubmission returns a session left in submitting to review. The
// charge may or may not have gone through, so the next submission must be
// confirmed. A submission still holding the guard is left alone.
func (s *CheckoutService) recoverSubmission(ctx context.Context, session *domain.CheckoutSession) (bool, error) {
	token, acquired, err := s.guard.Acquire(ctx, session.ID, s.opts.LockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire submission guard: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer s.releaseGuard(ctx, session.ID, token)

	cancelled := s.consumeCancel(ctx, session.ID)
	cause := apperrors.Payment(apperrors.CodePaymentNetworkError,
		"the last payment attempt did not finish; please review and confirm before paying again")
	if err := s.settleFailure(ctx, session, cause, true, cancelled); err != nil {
		return false, err
	}
	return true, nil
}
