package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/repository"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// Ledger applies discount codes and gift card redemptions to a session.
// Operations either succeed completely or leave the session untouched;
// callers recompute totals afterwards.
type Ledger struct {
	discounts repository.DiscountRepository
	giftCards repository.GiftCardRepository
	holdTTL   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a ledger backed by the given stores.
func New(discounts repository.DiscountRepository, giftCards repository.GiftCardRepository, holdTTL time.Duration, logger *slog.Logger) *Ledger {
	return &Ledger{
		discounts: discounts,
		giftCards: giftCards,
		holdTTL:   holdTTL,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ApplyDiscountCode validates code against the session and appends the rule.
func (l *Ledger) ApplyDiscountCode(ctx context.Context, s *domain.CheckoutSession, code string) (*domain.DiscountRule, error) {
	norm := domain.NormalizeCode(code)
	if norm == "" {
		return nil, apperrors.InvalidInput("discount code is required")
	}
	if s.HasDiscount(norm) {
		return nil, apperrors.Ledger(apperrors.CodeDiscountAlreadyApplied,
			fmt.Sprintf("discount code %s is already applied", norm))
	}

	rule, err := l.discounts.GetByCode(ctx, norm)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Ledger(apperrors.CodeDiscountNotFound,
				fmt.Sprintf("discount code %s does not exist", norm))
		}
		return nil, fmt.Errorf("get discount rule: %w", err)
	}

	if reason := ineligibility(*rule, s, l.now()); reason != "" {
		return nil, apperrors.Ledger(apperrors.CodeDiscountIneligible, reason)
	}
	if other := stackingConflict(*rule, s.Discounts); other != "" {
		return nil, apperrors.Ledger(apperrors.CodeDiscountIneligible,
			fmt.Sprintf("discount code %s cannot be combined with %s", norm, other))
	}

	s.Discounts = append(s.Discounts, *rule)
	return rule, nil
}

// RemoveDiscountCode drops an applied code. Removing a code that is not
// applied is a no-op.
func (l *Ledger) RemoveDiscountCode(s *domain.CheckoutSession, code string) bool {
	return s.RemoveDiscount(code)
}

// RevalidateDiscounts re-checks every applied code against its current
// definition. A code that became ineligible since it was applied fails the
// check.
func (l *Ledger) RevalidateDiscounts(ctx context.Context, s *domain.CheckoutSession) error {
	now := l.now()
	for _, applied := range s.Discounts {
		current, err := l.discounts.GetByCode(ctx, domain.NormalizeCode(applied.Code))
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return apperrors.Ledger(apperrors.CodeDiscountIneligible,
					fmt.Sprintf("discount code %s is no longer available", applied.Code)).WithStep(string(domain.StepReview))
			}
			return fmt.Errorf("revalidate discount %s: %w", applied.Code, err)
		}
		if reason := ineligibility(*current, s, now); reason != "" {
			return apperrors.Ledger(apperrors.CodeDiscountIneligible, reason).WithStep(string(domain.StepReview))
		}
	}
	return nil
}

func ineligibility(rule domain.DiscountRule, s *domain.CheckoutSession, now time.Time) string {
	switch {
	case !rule.Active:
		return fmt.Sprintf("discount code %s is not active", rule.Code)
	case !rule.InWindow(now):
		return fmt.Sprintf("discount code %s is not valid at this time", rule.Code)
	case rule.UsageExhausted():
		return fmt.Sprintf("discount code %s has reached its usage limit", rule.Code)
	case s.Subtotal() < rule.MinSubtotal:
		return fmt.Sprintf("discount code %s requires a subtotal of at least %d", rule.Code, rule.MinSubtotal)
	}
	return ""
}

// stackingConflict returns the code of an applied discount that rule may not
// be combined with. Free-shipping rules combine with anything; amount rules
// combine only when both sides are stackable.
func stackingConflict(rule domain.DiscountRule, applied []domain.DiscountRule) string {
	if !rule.IsAmount() {
		return ""
	}
	for _, d := range applied {
		if d.IsAmount() && !(d.Stackable && rule.Stackable) {
			return d.Code
		}
	}
	return ""
}

// RedeemGiftCard places a hold for amount on the card and records the
// redemption on the session. Redeeming a card already on the session
// replaces its hold; the replaced hold stays active and the caller releases
// it once the session is saved.
func (l *Ledger) RedeemGiftCard(ctx context.Context, s *domain.CheckoutSession, cardID string, amount int64) (*domain.GiftCardRedemption, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return nil, apperrors.InvalidInput("gift card code is required")
	}
	if amount <= 0 {
		return nil, apperrors.InvalidInput("gift card amount must be greater than 0")
	}

	card, err := l.giftCards.GetByID(ctx, cardID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Ledger(apperrors.CodeGiftCardInvalid, "gift card does not exist")
		}
		return nil, fmt.Errorf("get gift card: %w", err)
	}

	now := l.now()
	if !card.Usable(now, s.Currency) {
		return nil, apperrors.Ledger(apperrors.CodeGiftCardInvalid, "gift card cannot be used for this order")
	}
	if amount > card.Balance {
		return nil, apperrors.Ledger(apperrors.CodeGiftCardInsufficientBal,
			fmt.Sprintf("gift card balance is %d", card.Balance))
	}

	previous, _ := s.GiftCard(cardID)
	hold, err := l.giftCards.Hold(ctx, repository.HoldInput{
		CardID:     cardID,
		CheckoutID: s.ID,
		Amount:     amount,
		ExpiresAt:  now.Add(l.holdTTL),
		Replaces:   previous.HoldID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, apperrors.Ledger(apperrors.CodeGiftCardInsufficientBal,
				"gift card available balance is too low")
		}
		return nil, fmt.Errorf("hold gift card: %w", err)
	}

	redemption := domain.GiftCardRedemption{
		CardID:    cardID,
		Amount:    amount,
		HoldID:    hold.ID,
		ExpiresAt: hold.ExpiresAt,
	}
	s.PutGiftCard(redemption)

	l.logger.InfoContext(ctx, "gift card held",
		slog.String("checkout_id", s.ID),
		slog.String("hold_id", hold.ID),
		slog.Int64("amount", amount),
	)
	return &redemption, nil
}

// ReleaseGiftCard releases the card's hold and removes the redemption.
// Releasing a card that is not on the session is a no-op.
func (l *Ledger) ReleaseGiftCard(ctx context.Context, s *domain.CheckoutSession, cardID string) error {
	r, ok := s.GiftCard(strings.TrimSpace(cardID))
	if !ok {
		return nil
	}
	if err := l.giftCards.Release(ctx, r.HoldID); err != nil {
		return fmt.Errorf("release gift card hold: %w", err)
	}
	s.RemoveGiftCard(r.CardID)
	return nil
}

// ReleaseAll releases every hold on the session. Redemptions whose hold could
// not be released stay on the session; they lapse at their TTL.
func (l *Ledger) ReleaseAll(ctx context.Context, s *domain.CheckoutSession) error {
	var errs []error
	kept := s.GiftCards[:0]
	for _, r := range s.GiftCards {
		if err := l.giftCards.Release(ctx, r.HoldID); err != nil {
			errs = append(errs, fmt.Errorf("release hold %s: %w", r.HoldID, err))
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	s.GiftCards = kept
	return errors.Join(errs...)
}

// LostHolds returns the redemptions whose hold is no longer active.
func (l *Ledger) LostHolds(ctx context.Context, s *domain.CheckoutSession) ([]domain.GiftCardRedemption, error) {
	now := l.now()
	var lost []domain.GiftCardRedemption
	for _, r := range s.GiftCards {
		active, err := l.giftCards.IsHoldActive(ctx, r.HoldID, now)
		if err != nil {
			return nil, fmt.Errorf("check hold %s: %w", r.HoldID, err)
		}
		if !active {
			lost = append(lost, r)
		}
	}
	return lost, nil
}

// ReleaseExpiredHolds releases holds whose TTL has lapsed, including holds
// orphaned by sessions that no longer reference them.
func (l *Ledger) ReleaseExpiredHolds(ctx context.Context) (int64, error) {
	n, err := l.giftCards.ReleaseExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("release expired holds: %w", err)
	}
	return n, nil
}

// ReleaseHold releases a single hold that is not, or no longer, recorded on
// a session.
func (l *Ledger) ReleaseHold(ctx context.Context, holdID string) error {
	if err := l.giftCards.Release(ctx, holdID); err != nil {
		return fmt.Errorf("release gift card hold: %w", err)
	}
	return nil
}
