package credentials

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/member-portal/backend/internal/models"
)

// Repository persists external credentials, one row per integration.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a credential repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the credential for an integration, or nil if none was ever authorized.
func (r *Repository) Get(ctx context.Context, integration string) (*models.ExternalCredential, error) {
	const q = `SELECT integration, access_token, refresh_token, expires_at, updated_at
		FROM external_credentials WHERE integration = $1`
	var c models.ExternalCredential
	err := r.pool.QueryRow(ctx, q, integration).Scan(&c.Integration, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// UpdateIfUnchanged stores next only if expires_at still equals prevExpiresAt. It reports
// false when another refresher already replaced the row.
func (r *Repository) UpdateIfUnchanged(ctx context.Context, integration string, prevExpiresAt time.Time, next models.ExternalCredential) (bool, error) {
	const q = `UPDATE external_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW()
		WHERE integration = $1 AND expires_at = $5`
	tag, err := r.pool.Exec(ctx, q, integration, next.AccessToken, next.RefreshToken, next.ExpiresAt, prevExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
