package repository

import (
	"context"
	"errors"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
)

// ErrInsufficientBalance is returned by GiftCardRepository.Hold when the
// card's available balance cannot cover the requested amount.
var ErrInsufficientBalance = errors.New("insufficient gift card balance")

// SessionRepository defines the interface for checkout session persistence.
type SessionRepository interface {
	// Create inserts a new checkout session into the store.
	Create(ctx context.Context, session *domain.CheckoutSession) error

	// GetByID retrieves a checkout session by its unique identifier.
	GetByID(ctx context.Context, id string) (*domain.CheckoutSession, error)

	// Update persists the session if its stored version still equals
	// session.Version, then increments Version. A stale version yields a
	// Conflict error.
	Update(ctx context.Context, session *domain.CheckoutSession) error

	// ListExpired returns active sessions whose expiry is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.CheckoutSession, error)

	// ListStuckSubmitting returns sessions left in the submitting step since
	// before the given time.
	ListStuckSubmitting(ctx context.Context, before time.Time, limit int) ([]domain.CheckoutSession, error)
}

// CommitInput is everything that must become durable atomically when an
// order is placed.
type CommitInput struct {
	Order    *domain.Order
	Session  *domain.CheckoutSession
	Captures []domain.GiftCardCapture
}

// OrderRepository persists placed orders.
type OrderRepository interface {
	// Commit inserts the order, captures gift card holds, records discount
	// usage and saves the completed session in one transaction.
	Commit(ctx context.Context, in CommitInput) error

	// GetByCheckoutID retrieves the order placed from a checkout session.
	GetByCheckoutID(ctx context.Context, checkoutID string) (*domain.Order, error)
}

// DiscountRepository reads discount rule definitions.
type DiscountRepository interface {
	// GetByCode retrieves a rule by its normalized code.
	GetByCode(ctx context.Context, code string) (*domain.DiscountRule, error)
}

// HoldInput describes a gift card hold request.
type HoldInput struct {
	CardID     string
	CheckoutID string
	Amount     int64
	ExpiresAt  time.Time
	// Replaces is an existing hold of the same checkout that the new hold
	// supersedes. Its amount is not counted against the balance, but it
	// stays active until the caller releases it.
	Replaces string
}

// GiftCardRepository manages gift cards and the soft holds placed on them.
type GiftCardRepository interface {
	// GetByID retrieves a gift card by its code.
	GetByID(ctx context.Context, id string) (*domain.GiftCard, error)

	// Hold reserves part of a card's balance. It fails with
	// ErrInsufficientBalance when balance minus other active holds is below
	// the requested amount.
	Hold(ctx context.Context, in HoldInput) (*domain.GiftCardHold, error)

	// Release releases an active hold. Releasing an unknown or already
	// released hold is not an error.
	Release(ctx context.Context, holdID string) error

	// IsHoldActive reports whether the hold is still active and unexpired.
	IsHoldActive(ctx context.Context, holdID string, now time.Time) (bool, error)

	// ReleaseExpired releases every active hold that expired before now.
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
}

// SubmissionGuard serializes submissions of one checkout session across
// processes.
type SubmissionGuard interface {
	// Acquire takes the guard for the session. It returns false if another
	// submission holds it.
	Acquire(ctx context.Context, checkoutID string, ttl time.Duration) (token string, acquired bool, err error)

	// Release gives up the guard if token still owns it.
	Release(ctx context.Context, checkoutID, token string) error

	// MarkCancelled records that the shopper cancelled while a submission
	// was in flight.
	MarkCancelled(ctx context.Context, checkoutID string, ttl time.Duration) error

	// Cancelled reports and clears the cancel marker.
	Cancelled(ctx context.Context, checkoutID string) (bool, error)
}
