package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/repository"
	"github.com/utafrali/checkoutflow/pkg/database"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

const (
	sqlInsertOrder = `
		INSERT INTO orders (
			id, checkout_id, user_id, currency, items,
			shipping_address, billing_address, shipping_method,
			discount_codes, gift_cards, totals, payment, grand_total, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12, $13, $14
		)`

	sqlCaptureHold = `
		UPDATE gift_card_holds
		SET status = 'captured', updated_at = NOW()
		WHERE id = $1 AND card_id = $2 AND status = 'active' AND amount >= $3`

	sqlDebitGiftCard = `
		UPDATE gift_cards
		SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1`

	sqlReleaseCheckoutHolds = `
		UPDATE gift_card_holds
		SET status = 'released', updated_at = NOW()
		WHERE checkout_id = $1 AND status = 'active'`

	sqlIncrementDiscountUsage = `
		UPDATE discount_rules
		SET usage_count = usage_count + 1
		WHERE code = $1 AND (max_usage = 0 OR usage_count < max_usage)`

	sqlGetOrderByCheckout = `
		SELECT id, checkout_id, user_id, currency, items,
			shipping_address, billing_address, shipping_method,
			discount_codes, gift_cards, totals, payment, created_at
		FROM orders
		WHERE checkout_id = $1`
)

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	db database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// Commit makes a placed order durable. Within one transaction it inserts the
// order, captures the listed gift card holds and debits their cards, releases
// any other active holds of the session, counts discount usage and saves the
// completed session under its version guard.
func (r *OrderRepository) Commit(ctx context.Context, in repository.CommitInput) (err error) {
	ctx, end := database.TraceQuery(ctx, "CommitOrder", sqlInsertOrder)
	defer func() { end(err) }()

	if in.Order == nil || in.Session == nil {
		return errors.New("commit requires an order and a session")
	}
	o := in.Order

	docs := make([][]byte, 0, 8)
	for _, f := range []struct {
		name string
		v    any
	}{
		{"items", o.Items},
		{"shipping address", o.ShippingAddress},
		{"billing address", o.BillingAddress},
		{"shipping method", o.ShippingMethod},
		{"discount codes", nonNil(o.DiscountCodes)},
		{"gift cards", nonNil(o.GiftCards)},
		{"totals", o.Totals},
		{"payment", o.Payment},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return fmt.Errorf("marshal order %s: %w", f.name, err)
		}
		docs = append(docs, b)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, sqlInsertOrder,
		o.ID, o.CheckoutID, o.UserID, o.Currency, docs[0],
		docs[1], docs[2], docs[3],
		docs[4], docs[5], docs[6], docs[7], o.Totals.GrandTotal, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, c := range in.Captures {
		if c.Amount <= 0 {
			continue
		}
		ct, err := tx.Exec(ctx, sqlCaptureHold, c.HoldID, c.CardID, c.Amount)
		if err != nil {
			return fmt.Errorf("capture gift card hold %s: %w", c.HoldID, err)
		}
		if ct.RowsAffected() == 0 {
			return apperrors.Ledger(apperrors.CodeGiftCardInvalid,
				fmt.Sprintf("gift card hold %s is no longer active", c.HoldID))
		}

		ct, err = tx.Exec(ctx, sqlDebitGiftCard, c.Amount, c.CardID)
		if err != nil {
			return fmt.Errorf("debit gift card %s: %w", c.CardID, err)
		}
		if ct.RowsAffected() == 0 {
			return apperrors.Ledger(apperrors.CodeGiftCardInsufficientBal,
				fmt.Sprintf("gift card %s cannot cover %d", c.CardID, c.Amount))
		}
	}

	if _, err := tx.Exec(ctx, sqlReleaseCheckoutHolds, in.Session.ID); err != nil {
		return fmt.Errorf("release remaining holds: %w", err)
	}

	for _, code := range o.DiscountCodes {
		ct, err := tx.Exec(ctx, sqlIncrementDiscountUsage, code)
		if err != nil {
			return fmt.Errorf("record discount usage %s: %w", code, err)
		}
		if ct.RowsAffected() == 0 {
			return apperrors.Ledger(apperrors.CodeDiscountIneligible,
				fmt.Sprintf("discount code %s has reached its usage limit", code))
		}
	}

	if err := updateSession(ctx, tx, in.Session); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetByCheckoutID retrieves the order placed from the given checkout session.
func (r *OrderRepository) GetByCheckoutID(ctx context.Context, checkoutID string) (order *domain.Order, err error) {
	ctx, end := database.TraceQuery(ctx, "GetOrderByCheckout", sqlGetOrderByCheckout)
	defer func() { end(err) }()

	var (
		o                                           domain.Order
		items, shipping, billing, method, discounts []byte
		giftCards, totals, payment                  []byte
	)

	err = r.db.QueryRow(ctx, sqlGetOrderByCheckout, checkoutID).Scan(
		&o.ID,
		&o.CheckoutID,
		&o.UserID,
		&o.Currency,
		&items,
		&shipping,
		&billing,
		&method,
		&discounts,
		&giftCards,
		&totals,
		&payment,
		&o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	for _, f := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"items", items, &o.Items},
		{"shipping address", shipping, &o.ShippingAddress},
		{"billing address", billing, &o.BillingAddress},
		{"shipping method", method, &o.ShippingMethod},
		{"discount codes", discounts, &o.DiscountCodes},
		{"gift cards", giftCards, &o.GiftCards},
		{"totals", totals, &o.Totals},
		{"payment", payment, &o.Payment},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal order %s: %w", f.name, err)
		}
	}

	return &o, nil
}
