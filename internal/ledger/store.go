package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/member-portal/backend/internal/models"
)

// Tx is the unit of work a ledger mutation runs in. Implementations must hold the organization
// row lock from LockOrganization until the unit commits or rolls back. Lock order is always
// organization first, then transaction row.
type Tx interface {
	// LockOrganization loads and locks the organization row; nil when it does not exist.
	LockOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	SaveBalances(ctx context.Context, orgID uuid.UUID, balances models.TicketBalances) error
	InsertTransaction(ctx context.Context, t *models.TicketTransaction) error
	// GetTransaction reads a row without locking; nil when missing.
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.TicketTransaction, error)
	// LockTransaction reads and locks a row; nil when missing.
	LockTransaction(ctx context.Context, id uuid.UUID) (*models.TicketTransaction, error)
	// UpdateCancellation writes cancelled_at, cancellation_reason and notes.
	UpdateCancellation(ctx context.Context, t *models.TicketTransaction) error
	PaymentReferenceExists(ctx context.Context, ref string) (bool, error)
}

// Store opens units of work and serves the read side.
type Store interface {
	// InTx runs fn in one atomic unit: everything fn wrote commits together or not at all.
	InTx(ctx context.Context, fn func(Tx) error) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	// ListTransactions returns rows for an organization, oldest first; program "" means all.
	ListTransactions(ctx context.Context, orgID uuid.UUID, program string) ([]models.TicketTransaction, error)
}

// Archiver receives committed rows for off-site retention.
type Archiver interface {
	Archive(ctx context.Context, t models.TicketTransaction)
}
