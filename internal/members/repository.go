package members

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/member-portal/backend/internal/models"
)

const memberColumns = `id, email, COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(organization_id,''),
	external_contact_id, role_id, COALESCE(excluded_features, '{}'), onboarding_completed, last_synced,
	created_at, updated_at`

// Repository handles member, team member and role persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a members repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetTeamMemberByEmail returns a team member by email, or nil if none.
func (r *Repository) GetTeamMemberByEmail(ctx context.Context, email string) (*models.TeamMember, error) {
	const q = `SELECT id, email, COALESCE(first_name,''), COALESCE(last_name,''), role_id, created_at
		FROM team_members WHERE LOWER(email) = LOWER($1)`
	var t models.TeamMember
	err := r.pool.QueryRow(ctx, q, email).Scan(&t.ID, &t.Email, &t.FirstName, &t.LastName, &t.RoleID, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// GetMemberByEmail returns a member by email, or nil if none.
func (r *Repository) GetMemberByEmail(ctx context.Context, email string) (*models.Member, error) {
	return scanMember(r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE LOWER(email) = LOWER($1)`, email))
}

// GetMemberByExternalContactID returns the member linked to a CRM contact, or nil if none.
func (r *Repository) GetMemberByExternalContactID(ctx context.Context, contactID string) (*models.Member, error) {
	return scanMember(r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE external_contact_id = $1`, contactID))
}

// CreateMember inserts a member and fills ID and timestamps.
func (r *Repository) CreateMember(ctx context.Context, m *models.Member) error {
	const q = `INSERT INTO members (id, email, first_name, last_name, organization_id, external_contact_id, role_id,
			excluded_features, onboarding_completed, last_synced)
		VALUES (gen_random_uuid(), $1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`
	if m.ExcludedFeatures == nil {
		m.ExcludedFeatures = []string{}
	}
	return r.pool.QueryRow(ctx, q, m.Email, m.FirstName, m.LastName, m.Organization.String(), m.ExternalContactID,
		m.RoleID, m.ExcludedFeatures, m.OnboardingCompleted, m.LastSynced).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

// UpdateMemberIdentity rewrites the email and names of a merged member.
func (r *Repository) UpdateMemberIdentity(ctx context.Context, m *models.Member) error {
	const q = `UPDATE members SET email = $1, first_name = $2, last_name = $3, last_synced = NOW(), updated_at = NOW()
		WHERE id = $4
		RETURNING last_synced, updated_at`
	return r.pool.QueryRow(ctx, q, m.Email, m.FirstName, m.LastName, m.ID).Scan(&m.LastSynced, &m.UpdatedAt)
}

// DefaultRoleID returns the role flagged as default, or nil when none is configured.
func (r *Repository) DefaultRoleID(ctx context.Context) (*uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM roles WHERE is_default ORDER BY name LIMIT 1`).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

func scanMember(row pgx.Row) (*models.Member, error) {
	var m models.Member
	var orgRef string
	err := row.Scan(&m.ID, &m.Email, &m.FirstName, &m.LastName, &orgRef, &m.ExternalContactID, &m.RoleID,
		&m.ExcludedFeatures, &m.OnboardingCompleted, &m.LastSynced, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.Organization = models.ParseOrgRef(orgRef)
	return &m, nil
}
