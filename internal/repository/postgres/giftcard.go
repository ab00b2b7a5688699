package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/repository"
	"github.com/utafrali/checkoutflow/pkg/database"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

const (
	sqlGetGiftCard = `
		SELECT id, balance, currency, expires_at, active
		FROM gift_cards
		WHERE id = $1`

	sqlLockGiftCard = `
		SELECT balance
		FROM gift_cards
		WHERE id = $1
		FOR UPDATE`

	sqlReleaseHold = `
		UPDATE gift_card_holds
		SET status = 'released', updated_at = NOW()
		WHERE id = $1 AND status = 'active'`

	sqlSumActiveHolds = `
		SELECT COALESCE(SUM(amount), 0)
		FROM gift_card_holds
		WHERE card_id = $1 AND status = 'active' AND expires_at > $2 AND id::text <> $3`

	sqlInsertHold = `
		INSERT INTO gift_card_holds (id, card_id, checkout_id, amount, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlHoldActive = `
		SELECT EXISTS(
			SELECT 1 FROM gift_card_holds
			WHERE id = $1 AND status = 'active' AND expires_at > $2
		)`

	sqlReleaseExpiredHolds = `
		UPDATE gift_card_holds
		SET status = 'released', updated_at = NOW()
		WHERE status = 'active' AND expires_at <= $1`
)

// GiftCardRepository implements repository.GiftCardRepository using PostgreSQL.
type GiftCardRepository struct {
	db  database.DBTX
	now func() time.Time
}

// NewGiftCardRepository creates a new PostgreSQL-backed gift card repository.
func NewGiftCardRepository(db database.DBTX) *GiftCardRepository {
	return &GiftCardRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// GetByID retrieves a gift card by its code.
func (r *GiftCardRepository) GetByID(ctx context.Context, id string) (card *domain.GiftCard, err error) {
	ctx, end := database.TraceQuery(ctx, "GetGiftCard", sqlGetGiftCard)
	defer func() { end(err) }()

	var gc domain.GiftCard
	err = r.db.QueryRow(ctx, sqlGetGiftCard, id).Scan(
		&gc.ID,
		&gc.Balance,
		&gc.Currency,
		&gc.ExpiresAt,
		&gc.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan gift card: %w", err)
	}
	return &gc, nil
}

// Hold reserves part of a card's balance. The card row is locked for the
// duration so concurrent holds on the same card serialize.
func (r *GiftCardRepository) Hold(ctx context.Context, in repository.HoldInput) (hold *domain.GiftCardHold, err error) {
	ctx, end := database.TraceQuery(ctx, "HoldGiftCard", sqlInsertHold)
	defer func() { end(err) }()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	if err := tx.QueryRow(ctx, sqlLockGiftCard, in.CardID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("lock gift card: %w", err)
	}

	now := r.now()
	var held int64
	if err := tx.QueryRow(ctx, sqlSumActiveHolds, in.CardID, now, in.Replaces).Scan(&held); err != nil {
		return nil, fmt.Errorf("sum active holds: %w", err)
	}
	if balance-held < in.Amount {
		return nil, repository.ErrInsufficientBalance
	}

	hold = &domain.GiftCardHold{
		ID:         uuid.New().String(),
		CardID:     in.CardID,
		CheckoutID: in.CheckoutID,
		Amount:     in.Amount,
		Status:     domain.HoldActive,
		ExpiresAt:  in.ExpiresAt,
		CreatedAt:  now,
	}
	_, err = tx.Exec(ctx, sqlInsertHold,
		hold.ID, hold.CardID, hold.CheckoutID, hold.Amount, hold.Status, hold.ExpiresAt, hold.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert gift card hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return hold, nil
}

// Release releases an active hold. Unknown or settled holds are ignored.
func (r *GiftCardRepository) Release(ctx context.Context, holdID string) (err error) {
	ctx, end := database.TraceQuery(ctx, "ReleaseGiftCardHold", sqlReleaseHold)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, sqlReleaseHold, holdID); err != nil {
		return fmt.Errorf("release gift card hold: %w", err)
	}
	return nil
}

// IsHoldActive reports whether the hold is active and unexpired at now.
func (r *GiftCardRepository) IsHoldActive(ctx context.Context, holdID string, now time.Time) (active bool, err error) {
	ctx, end := database.TraceQuery(ctx, "GiftCardHoldActive", sqlHoldActive)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, sqlHoldActive, holdID, now).Scan(&active); err != nil {
		return false, fmt.Errorf("check gift card hold: %w", err)
	}
	return active, nil
}

// ReleaseExpired releases every active hold whose expiry is not after now and
// returns how many were released.
func (r *GiftCardRepository) ReleaseExpired(ctx context.Context, now time.Time) (n int64, err error) {
	ctx, end := database.TraceQuery(ctx, "ReleaseExpiredHolds", sqlReleaseExpiredHolds)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, sqlReleaseExpiredHolds, now)
	if err != nil {
		return 0, fmt.Errorf("release expired holds: %w", err)
	}
	return ct.RowsAffected(), nil
}
