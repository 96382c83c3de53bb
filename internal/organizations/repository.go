package organizations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/member-portal/backend/internal/models"
)

const selectColumns = `id, name, external_account_id, email_domains, program_ticket_balances,
	training_fund_balance, training_fund_eligible, last_synced, created_at, updated_at`

// Repository handles organization persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an organizations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create creates an organization.
func (r *Repository) Create(ctx context.Context, org *models.Organization) error {
	const q = `INSERT INTO organizations (id, name, external_account_id, email_domains, program_ticket_balances,
			training_fund_balance, training_fund_eligible, last_synced)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	if org.ProgramTicketBalances == nil {
		org.ProgramTicketBalances = models.TicketBalances{}
	}
	if org.EmailDomains == nil {
		org.EmailDomains = []string{}
	}
	balances, err := json.Marshal(org.ProgramTicketBalances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}
	return r.pool.QueryRow(ctx, q, org.Name, org.ExternalAccountID, org.EmailDomains, string(balances),
		org.TrainingFundBalance, org.TrainingFundEligible, org.LastSynced).
		Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
}

// GetByID returns an organization by ID, or nil if none.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return ScanOrganization(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM organizations WHERE id = $1`, id))
}

// GetByExternalAccountID returns the organization linked to an external account, or nil if none.
func (r *Repository) GetByExternalAccountID(ctx context.Context, accountID string) (*models.Organization, error) {
	return ScanOrganization(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM organizations WHERE external_account_id = $1`, accountID))
}

// RefreshExternal overwrites the fields cached from the external account.
func (r *Repository) RefreshExternal(ctx context.Context, org *models.Organization) error {
	const q = `UPDATE organizations
		SET name = $1, training_fund_balance = $2, training_fund_eligible = $3, last_synced = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`
	return r.pool.QueryRow(ctx, q, org.Name, org.TrainingFundBalance, org.TrainingFundEligible, org.LastSynced, org.ID).
		Scan(&org.UpdatedAt)
}

// ScanOrganization scans one row selected with the standard column list. A missing row yields nil, nil.
func ScanOrganization(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	var balances []byte
	err := row.Scan(&o.ID, &o.Name, &o.ExternalAccountID, &o.EmailDomains, &balances,
		&o.TrainingFundBalance, &o.TrainingFundEligible, &o.LastSynced, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	o.ProgramTicketBalances = models.TicketBalances{}
	if len(balances) > 0 {
		if err := json.Unmarshal(balances, &o.ProgramTicketBalances); err != nil {
			return nil, fmt.Errorf("decode program_ticket_balances: %w", err)
		}
	}
	return &o, nil
}

// SelectColumns is the column list ScanOrganization expects.
func SelectColumns() string { return selectColumns }
