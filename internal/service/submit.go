package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/payment"
	"github.com/utafrali/checkoutflow/internal/pricing"
	"github.com/utafrali/checkoutflow/internal/repository"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// CodeOrderCommitFailed is recorded on the session when the charge succeeded
// but the order could not be stored and the charge was refunded.
const CodeOrderCommitFailed = "ORDER_COMMIT_FAILED"

// SubmitInput carries the shopper's submission options.
type SubmitInput struct {
	// Confirm acknowledges that an earlier charge with an unknown outcome may
	// have gone through.
	Confirm bool
}

// Submit charges the session and turns it into an order. Only one
// submission per session runs at a time; the loser of a race gets a
// consistency error. The charge runs detached from ctx so a disconnecting
// client never interrupts it.
func (s *CheckoutService) Submit(ctx context.Context, id, userID string, in SubmitInput) (order *domain.Order, err error) {
	defer func() {
		submissionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	}()

	token, acquired, err := s.guard.Acquire(ctx, id, s.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire submission guard: %w", err)
	}
	if !acquired {
		return nil, apperrors.Consistency("a submission is already in progress")
	}
	defer s.releaseGuard(ctx, id, token)

	session, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.machine.Mutable(session); err != nil {
		return nil, err
	}
	if f := session.Failure; f != nil && f.RequiresConfirmation && !in.Confirm {
		return nil, apperrors.Payment(apperrors.CodePaymentConfirmationRequired,
			"a previous payment attempt may have gone through; confirm to pay again").
			WithStep(string(domain.StepReview))
	}

	s.checkTotals(ctx, session)
	if err := s.ledger.RevalidateDiscounts(ctx, session); err != nil {
		return nil, err
	}
	if err := s.machine.BeginSubmission(session); err != nil {
		return nil, err
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "checkout submission started",
		slog.String("checkout_id", id),
		slog.Int64("grand_total", session.Totals.GrandTotal),
	)

	lost, err := s.ledger.LostHolds(ctx, session)
	if err != nil {
		return nil, s.fail(ctx, session, apperrors.Internal(err), false, false)
	}
	if len(lost) > 0 {
		for _, r := range lost {
			session.RemoveGiftCard(r.CardID)
		}
		return nil, s.fail(ctx, session, apperrors.Ledger(apperrors.CodeGiftCardInvalid,
			fmt.Sprintf("the hold on gift card %s has lapsed; please redeem it again", lost[0].CardID)), false, false)
	}

	method, err := s.payments.Resolve(session)
	if err != nil {
		return nil, s.fail(ctx, session, asAppError(err), false, false)
	}

	req := payment.ChargeRequest{
		CheckoutID:     session.ID,
		Amount:         session.Totals.GrandTotal,
		Currency:       session.Currency,
		IdempotencyKey: uuid.New().String(),
	}
	conf, chargeErr := s.charge(ctx, method, req)
	cancelled := s.consumeCancel(ctx, id)

	if chargeErr != nil {
		// A network error that outlived every retry may still have settled
		// under this key, and the next submit uses a new one.
		unknown := apperrors.HasCode(chargeErr, apperrors.CodePaymentNetworkError)
		return nil, s.fail(ctx, session, asAppError(chargeErr), unknown, cancelled)
	}
	if cancelled {
		s.logger.WarnContext(ctx, "cancel arrived after the charge succeeded; completing the order",
			slog.String("checkout_id", id),
		)
	}

	return s.placeOrder(ctx, session, method, conf)
}

// placeOrder commits the order for a charged session. When the commit fails
// the charge is refunded and the session returns to review.
func (s *CheckoutService) placeOrder(ctx context.Context, session *domain.CheckoutSession, method payment.Method, conf *domain.PaymentConfirmation) (*domain.Order, error) {
	detached := context.WithoutCancel(ctx)

	captures := pricing.AllocateGiftCardCredit(session.GiftCards, session.Totals.GiftCardCredit)
	order, err := domain.NewOrder(session, captures, *conf, s.now())
	if err != nil {
		return nil, s.compensate(ctx, session, method, conf, apperrors.Internal(err))
	}

	done := *session
	done.OrderID = order.ID
	if err := s.machine.CompleteSubmission(&done, nil); err != nil {
		return nil, s.compensate(ctx, session, method, conf, asAppError(err))
	}

	if err := s.orders.Commit(detached, repository.CommitInput{
		Order:    order,
		Session:  &done,
		Captures: captures,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to commit order",
			slog.String("checkout_id", session.ID),
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) || !errors.Is(err, apperrors.ErrLedger) {
			appErr = apperrors.Internal(err)
			appErr.Code = CodeOrderCommitFailed
			appErr.Message = "the order could not be recorded; the payment was refunded"
		}
		return nil, s.compensate(ctx, session, method, conf, appErr)
	}
	*session = done

	if err := s.events.PublishCheckoutCompleted(detached, session, order); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish checkout.completed event",
			slog.String("checkout_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "checkout completed",
		slog.String("checkout_id", session.ID),
		slog.String("order_id", order.ID),
		slog.String("payment_method", method.Kind()),
		slog.Int64("grand_total", order.Totals.GrandTotal),
	)
	return order, nil
}

// charge settles req through method. Network failures are retried with
// exponential backoff only for card charges on a gateway that honors
// idempotency keys; every retry reuses the same key.
func (s *CheckoutService) charge(ctx context.Context, method payment.Method, req payment.ChargeRequest) (*domain.PaymentConfirmation, error) {
	detached := context.WithoutCancel(ctx)

	attempts := uint(1)
	if s.retriable(method) {
		attempts = uint(s.opts.MaxChargeAttempts)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval

	op := func() (*domain.PaymentConfirmation, error) {
		attemptCtx, cancel := context.WithTimeout(detached, s.opts.ChargeTimeout)
		defer cancel()

		conf, err := method.Charge(attemptCtx, req)
		chargeAttemptsTotal.WithLabelValues(method.Kind(), outcomeLabel(err)).Inc()
		if err != nil && !apperrors.HasCode(err, apperrors.CodePaymentNetworkError) {
			return nil, backoff.Permanent(err)
		}
		return conf, err
	}

	return backoff.Retry(detached, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WarnContext(ctx, "charge attempt failed, retrying",
				slog.String("checkout_id", req.CheckoutID),
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
}

func (s *CheckoutService) retriable(method payment.Method) bool {
	return method.Kind() == domain.PaymentKindCard && s.payments.SupportsIdempotency()
}

// fail settles an in-flight submission as failed and returns cause attached
// to the review step.
func (s *CheckoutService) fail(ctx context.Context, session *domain.CheckoutSession, cause *apperrors.AppError, requiresConfirmation, cancelled bool) error {
	if err := s.settleFailure(ctx, session, cause, requiresConfirmation, cancelled); err != nil {
		// The sweeper recovers sessions left in submitting.
		s.logger.ErrorContext(ctx, "failed to save failed submission",
			slog.String("checkout_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
	return cause.WithStep(string(domain.StepReview))
}

// settleFailure moves a submitting session back to review with the failure
// attached and saves it. A submission cancelled by the shopper is abandoned
// instead and its holds are released.
func (s *CheckoutService) settleFailure(ctx context.Context, session *domain.CheckoutSession, cause *apperrors.AppError, requiresConfirmation, cancelled bool) error {
	detached := context.WithoutCancel(ctx)

	failure := &domain.Failure{
		Code:                 cause.Code,
		Message:              cause.Message,
		RequiresConfirmation: requiresConfirmation,
	}
	if err := s.machine.CompleteSubmission(session, failure); err != nil {
		return err
	}

	released := 0
	if cancelled {
		before := len(session.GiftCards)
		if err := s.ledger.ReleaseAll(detached, session); err != nil {
			s.logger.WarnContext(ctx, "some gift card holds were not released",
				slog.String("checkout_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
		released = before - len(session.GiftCards)
		session.Status = domain.StatusAbandoned
	}
	s.Refresh(session)

	if err := s.sessions.Update(detached, session); err != nil {
		return err
	}

	var pubErr error
	if cancelled {
		pubErr = s.events.PublishCheckoutAbandoned(detached, session, released)
	} else {
		pubErr = s.events.PublishCheckoutFailed(detached, session)
	}
	if pubErr != nil {
		s.logger.ErrorContext(ctx, "failed to publish checkout event",
			slog.String("checkout_id", session.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	s.logger.WarnContext(ctx, "checkout submission failed",
		slog.String("checkout_id", session.ID),
		slog.String("code", cause.Code),
		slog.Bool("requires_confirmation", requiresConfirmation),
		slog.Bool("cancelled", cancelled),
	)
	return nil
}

// compensate refunds a charge whose order could not be placed and fails the
// submission.
func (s *CheckoutService) compensate(ctx context.Context, session *domain.CheckoutSession, method payment.Method, conf *domain.PaymentConfirmation, cause *apperrors.AppError) error {
	if err := method.Refund(context.WithoutCancel(ctx), conf); err != nil {
		s.logger.ErrorContext(ctx, "refund after failed order commit did not go through",
			slog.String("checkout_id", session.ID),
			slog.String("payment_reference", conf.Reference),
			slog.Int64("amount", conf.Amount),
			slog.String("error", err.Error()),
		)
	}
	return s.fail(ctx, session, cause, false, false)
}

// checkTotals compares the stored totals with a fresh computation. Drift is
// a bug: it panics in strict mode and is otherwise corrected.
func (s *CheckoutService) checkTotals(ctx context.Context, session *domain.CheckoutSession) {
	want := s.calc.Compute(session)
	if want == session.Totals {
		return
	}
	if s.opts.StrictConsistency {
		panic(fmt.Sprintf("checkout %s: stored totals %+v differ from computed %+v", session.ID, session.Totals, want))
	}
	s.logger.ErrorContext(ctx, "stored totals drifted, correcting",
		slog.String("checkout_id", session.ID),
		slog.Int64("stored_grand_total", session.Totals.GrandTotal),
		slog.Int64("computed_grand_total", want.GrandTotal),
	)
	session.Totals = want
}

func (s *CheckoutService) releaseGuard(ctx context.Context, id, token string) {
	if err := s.guard.Release(context.WithoutCancel(ctx), id, token); err != nil {
		s.logger.WarnContext(ctx, "failed to release submission guard",
			slog.String("checkout_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CheckoutService) consumeCancel(ctx context.Context, id string) bool {
	cancelled, err := s.guard.Cancelled(context.WithoutCancel(ctx), id)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read cancel marker",
			slog.String("checkout_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	return cancelled
}

// asAppError returns err as an AppError, wrapping unknown errors as internal.
func asAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.Internal(err)
}
