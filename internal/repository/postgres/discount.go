package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/pkg/database"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

const sqlGetDiscountByCode = `
		SELECT code, kind, value, min_subtotal, max_discount, stackable,
			starts_at, ends_at, max_usage, usage_count, active
		FROM discount_rules
		WHERE code = $1`

// DiscountRepository implements repository.DiscountRepository using PostgreSQL.
type DiscountRepository struct {
	db database.DBTX
}

// NewDiscountRepository creates a new PostgreSQL-backed discount repository.
func NewDiscountRepository(db database.DBTX) *DiscountRepository {
	return &DiscountRepository{db: db}
}

// GetByCode retrieves a discount rule. The code is normalized before lookup.
func (r *DiscountRepository) GetByCode(ctx context.Context, code string) (rule *domain.DiscountRule, err error) {
	ctx, end := database.TraceQuery(ctx, "GetDiscountByCode", sqlGetDiscountByCode)
	defer func() { end(err) }()

	var d domain.DiscountRule
	err = r.db.QueryRow(ctx, sqlGetDiscountByCode, domain.NormalizeCode(code)).Scan(
		&d.Code,
		&d.Kind,
		&d.Value,
		&d.MinSubtotal,
		&d.MaxDiscount,
		&d.Stackable,
		&d.StartsAt,
		&d.EndsAt,
		&d.MaxUsage,
		&d.UsageCount,
		&d.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan discount rule: %w", err)
	}

	return &d, nil
}
