package discounts

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/member-portal/backend/internal/models"
)

// Repository handles discount code persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a discount code repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByCode returns a code by case-insensitive match, or nil if none.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	const q = `SELECT id, code, discount_type, discount_value, expiry_date, max_uses, times_used, is_active,
			created_at, updated_at
		FROM discount_codes WHERE LOWER(code) = LOWER($1)`
	var d models.DiscountCode
	err := r.pool.QueryRow(ctx, q, code).Scan(&d.ID, &d.Code, &d.DiscountType, &d.DiscountValue, &d.ExpiryDate,
		&d.MaxUses, &d.TimesUsed, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}
