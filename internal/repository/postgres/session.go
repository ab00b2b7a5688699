package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/pkg/database"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

const sessionColumns = `id, user_id, currency, status, current_step, items,
			shipping_address, billing_address, billing_same_as_shipping,
			shipping_options, shipping_method, discounts, gift_cards, payment,
			totals, step_status, step_errors, failure, order_id, version,
			expires_at, created_at, updated_at`

const (
	sqlInsertSession = `
		INSERT INTO checkout_sessions (` + sessionColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23
		)`

	sqlGetSession = `
		SELECT ` + sessionColumns + `
		FROM checkout_sessions
		WHERE id = $1`

	sqlUpdateSession = `
		UPDATE checkout_sessions
		SET status = $1, current_step = $2, items = $3,
			shipping_address = $4, billing_address = $5, billing_same_as_shipping = $6,
			shipping_options = $7, shipping_method = $8, discounts = $9, gift_cards = $10,
			payment = $11, totals = $12, step_status = $13, step_errors = $14,
			failure = $15, order_id = $16, expires_at = $17, updated_at = $18,
			version = version + 1
		WHERE id = $19 AND version = $20`

	sqlListExpiredSessions = `
		SELECT ` + sessionColumns + `
		FROM checkout_sessions
		WHERE status = 'active' AND current_step <> 'submitting' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	sqlListStuckSessions = `
		SELECT ` + sessionColumns + `
		FROM checkout_sessions
		WHERE status = 'active' AND current_step = 'submitting' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
)

// SessionRepository implements repository.SessionRepository using PostgreSQL.
type SessionRepository struct {
	db database.DBTX
}

// NewSessionRepository creates a new PostgreSQL-backed session repository.
func NewSessionRepository(db database.DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// sessionDocs holds the JSONB encodings of a session's composite fields.
type sessionDocs struct {
	items, shipping, billing, options, method, discounts []byte
	giftCards, payment, totals, stepStatus, stepErrors   []byte
	failure                                              []byte
}

func marshalSession(s *domain.CheckoutSession) (*sessionDocs, error) {
	var (
		d   sessionDocs
		err error
	)
	fields := []struct {
		name string
		dst  *[]byte
		v    any
		null bool
	}{
		{"items", &d.items, nonNil(s.Items), false},
		{"shipping address", &d.shipping, s.ShippingAddress, s.ShippingAddress == nil},
		{"billing address", &d.billing, s.BillingAddress, s.BillingAddress == nil},
		{"shipping options", &d.options, nonNil(s.ShippingOptions), false},
		{"shipping method", &d.method, s.ShippingMethod, s.ShippingMethod == nil},
		{"discounts", &d.discounts, nonNil(s.Discounts), false},
		{"gift cards", &d.giftCards, nonNil(s.GiftCards), false},
		{"payment", &d.payment, s.Payment, s.Payment == nil},
		{"totals", &d.totals, s.Totals, false},
		{"step status", &d.stepStatus, s.StepStatus, false},
		{"step errors", &d.stepErrors, s.StepErrors, len(s.StepErrors) == 0},
		{"failure", &d.failure, s.Failure, s.Failure == nil},
	}
	for _, f := range fields {
		if f.null {
			continue
		}
		if *f.dst, err = json.Marshal(f.v); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.name, err)
		}
	}
	return &d, nil
}

// Create inserts a new checkout session into the database.
func (r *SessionRepository) Create(ctx context.Context, session *domain.CheckoutSession) (err error) {
	ctx, end := database.TraceQuery(ctx, "CreateSession", sqlInsertSession)
	defer func() { end(err) }()

	docs, err := marshalSession(session)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sqlInsertSession,
		session.ID,
		session.UserID,
		session.Currency,
		session.Status,
		string(session.CurrentStep),
		docs.items,
		docs.shipping,
		docs.billing,
		session.BillingSameAsShipping,
		docs.options,
		docs.method,
		docs.discounts,
		docs.giftCards,
		docs.payment,
		docs.totals,
		docs.stepStatus,
		docs.stepErrors,
		docs.failure,
		nullableString(session.OrderID),
		session.Version,
		session.ExpiresAt,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

// GetByID retrieves a checkout session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (session *domain.CheckoutSession, err error) {
	ctx, end := database.TraceQuery(ctx, "GetSession", sqlGetSession)
	defer func() { end(err) }()

	session, err = scanSession(r.db.QueryRow(ctx, sqlGetSession, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan checkout session: %w", err)
	}
	return session, nil
}

// Update persists the session guarded by its version. On success the
// session's Version and UpdatedAt reflect the stored row.
func (r *SessionRepository) Update(ctx context.Context, session *domain.CheckoutSession) (err error) {
	ctx, end := database.TraceQuery(ctx, "UpdateSession", sqlUpdateSession)
	defer func() { end(err) }()

	return updateSession(ctx, r.db, session)
}

func updateSession(ctx context.Context, db database.DBTX, session *domain.CheckoutSession) error {
	docs, err := marshalSession(session)
	if err != nil {
		return err
	}

	updatedAt := time.Now().UTC()

	ct, err := db.Exec(ctx, sqlUpdateSession,
		session.Status,
		string(session.CurrentStep),
		docs.items,
		docs.shipping,
		docs.billing,
		session.BillingSameAsShipping,
		docs.options,
		docs.method,
		docs.discounts,
		docs.giftCards,
		docs.payment,
		docs.totals,
		docs.stepStatus,
		docs.stepErrors,
		docs.failure,
		nullableString(session.OrderID),
		session.ExpiresAt,
		updatedAt,
		session.ID,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("update checkout session: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("checkout session %s was modified concurrently", session.ID))
	}

	session.Version++
	session.UpdatedAt = updatedAt
	return nil
}

// ListExpired returns active, non-submitting sessions that expired before the
// given time, oldest first.
func (r *SessionRepository) ListExpired(ctx context.Context, before time.Time, limit int) (sessions []domain.CheckoutSession, err error) {
	ctx, end := database.TraceQuery(ctx, "ListExpiredSessions", sqlListExpiredSessions)
	defer func() { end(err) }()

	return r.list(ctx, sqlListExpiredSessions, before, limit)
}

// ListStuckSubmitting returns sessions that have been in the submitting step
// since before the given time.
func (r *SessionRepository) ListStuckSubmitting(ctx context.Context, before time.Time, limit int) (sessions []domain.CheckoutSession, err error) {
	ctx, end := database.TraceQuery(ctx, "ListStuckSessions", sqlListStuckSessions)
	defer func() { end(err) }()

	return r.list(ctx, sqlListStuckSessions, before, limit)
}

func (r *SessionRepository) list(ctx context.Context, query string, args ...any) ([]domain.CheckoutSession, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkout sessions: %w", err)
	}
	defer rows.Close()

	sessions := []domain.CheckoutSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkout session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkout session rows: %w", err)
	}

	return sessions, nil
}

// scanSession scans a single session from a row or rows cursor.
func scanSession(row pgx.Row) (*domain.CheckoutSession, error) {
	var (
		session     domain.CheckoutSession
		currentStep string
		orderID     *string
		docs        sessionDocs
	)

	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Currency,
		&session.Status,
		&currentStep,
		&docs.items,
		&docs.shipping,
		&docs.billing,
		&session.BillingSameAsShipping,
		&docs.options,
		&docs.method,
		&docs.discounts,
		&docs.giftCards,
		&docs.payment,
		&docs.totals,
		&docs.stepStatus,
		&docs.stepErrors,
		&docs.failure,
		&orderID,
		&session.Version,
		&session.ExpiresAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}

	session.CurrentStep = domain.Step(currentStep)
	if orderID != nil {
		session.OrderID = *orderID
	}

	if err := unmarshalSession(&session, &docs); err != nil {
		return nil, err
	}
	return &session, nil
}

// unmarshalSession deserializes the JSONB columns onto the session.
func unmarshalSession(s *domain.CheckoutSession, d *sessionDocs) error {
	fields := []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"items", d.items, &s.Items},
		{"shipping address", d.shipping, &s.ShippingAddress},
		{"billing address", d.billing, &s.BillingAddress},
		{"shipping options", d.options, &s.ShippingOptions},
		{"shipping method", d.method, &s.ShippingMethod},
		{"discounts", d.discounts, &s.Discounts},
		{"gift cards", d.giftCards, &s.GiftCards},
		{"payment", d.payment, &s.Payment},
		{"totals", d.totals, &s.Totals},
		{"step status", d.stepStatus, &s.StepStatus},
		{"step errors", d.stepErrors, &s.StepErrors},
		{"failure", d.failure, &s.Failure},
	}
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return fmt.Errorf("unmarshal %s: %w", f.name, err)
		}
	}

	if s.Items == nil {
		s.Items = []domain.LineItem{}
	}
	if s.StepStatus == nil {
		s.StepStatus = map[domain.Step]domain.StepStatus{}
	}
	return nil
}

// nonNil keeps empty JSONB arrays as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// nullableString returns nil if the string is empty, otherwise a pointer to the string.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
