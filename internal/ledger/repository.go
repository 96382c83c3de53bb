package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/internal/organizations"
)

const transactionColumns = `id, organization_id, program_name, transaction_type, quantity, booking_reference,
	payment_reference, related_transaction_id, cancelled_at, cancellation_reason, notes, created_by, created_at`

// uniquePaymentReference is the partial unique index on purchase payment references.
const uniquePaymentReference = "program_ticket_transactions_payment_reference_key"

// Repository is the Postgres ledger store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Pool exposes the pool so other stores can open units of work that include ledger writes.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

// InTx runs fn in a database transaction.
func (r *Repository) InTx(ctx context.Context, fn func(Tx) error) error {
	return RunInTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(NewTxRepository(tx))
	})
}

// RunInTx begins a transaction, runs fn and commits when fn succeeds.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetOrganization reads an organization without locking.
func (r *Repository) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return organizations.ScanOrganization(r.pool.QueryRow(ctx,
		`SELECT `+organizations.SelectColumns()+` FROM organizations WHERE id = $1`, id))
}

// ListTransactions returns an organization's rows oldest first.
func (r *Repository) ListTransactions(ctx context.Context, orgID uuid.UUID, program string) ([]models.TicketTransaction, error) {
	const q = `SELECT ` + transactionColumns + `
		FROM program_ticket_transactions
		WHERE organization_id = $1 AND ($2 = '' OR program_name = $2)
		ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, q, orgID, program)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.TicketTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

// TxRepository implements Tx on an open pgx transaction.
type TxRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction.
func NewTxRepository(tx pgx.Tx) *TxRepository {
	return &TxRepository{tx: tx}
}

// Tx returns the underlying transaction.
func (r *TxRepository) Tx() pgx.Tx { return r.tx }

// LockOrganization selects the organization row FOR UPDATE.
func (r *TxRepository) LockOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return organizations.ScanOrganization(r.tx.QueryRow(ctx,
		`SELECT `+organizations.SelectColumns()+` FROM organizations WHERE id = $1 FOR UPDATE`, id))
}

// SaveBalances overwrites the balance map.
func (r *TxRepository) SaveBalances(ctx context.Context, orgID uuid.UUID, balances models.TicketBalances) error {
	const q = `UPDATE organizations SET program_ticket_balances = $1, updated_at = NOW() WHERE id = $2`
	raw, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}
	_, err = r.tx.Exec(ctx, q, string(raw), orgID)
	return err
}

// InsertTransaction appends a row and fills ID and CreatedAt.
func (r *TxRepository) InsertTransaction(ctx context.Context, t *models.TicketTransaction) error {
	const q = `INSERT INTO program_ticket_transactions (id, organization_id, program_name, transaction_type, quantity,
			booking_reference, payment_reference, related_transaction_id, notes, created_by)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`
	err := r.tx.QueryRow(ctx, q, t.OrganizationID, t.ProgramName, string(t.TransactionType), t.Quantity,
		t.BookingReference, t.PaymentReference, t.RelatedTransactionID, t.Notes, t.CreatedBy).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == uniquePaymentReference {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetTransaction reads a row without locking.
func (r *TxRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*models.TicketTransaction, error) {
	return scanTransaction(r.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM program_ticket_transactions WHERE id = $1`, id))
}

// LockTransaction selects a row FOR UPDATE.
func (r *TxRepository) LockTransaction(ctx context.Context, id uuid.UUID) (*models.TicketTransaction, error) {
	return scanTransaction(r.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM program_ticket_transactions WHERE id = $1 FOR UPDATE`, id))
}

// UpdateCancellation writes the cancellation columns and notes.
func (r *TxRepository) UpdateCancellation(ctx context.Context, t *models.TicketTransaction) error {
	const q = `UPDATE program_ticket_transactions
		SET cancelled_at = $1, cancellation_reason = $2, notes = $3
		WHERE id = $4`
	_, err := r.tx.Exec(ctx, q, t.CancelledAt, t.CancellationReason, t.Notes, t.ID)
	return err
}

// PaymentReferenceExists reports whether a purchase already carries ref.
func (r *TxRepository) PaymentReferenceExists(ctx context.Context, ref string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM program_ticket_transactions
		WHERE payment_reference = $1 AND transaction_type = 'purchase')`
	var exists bool
	err := r.tx.QueryRow(ctx, q, ref).Scan(&exists)
	return exists, err
}

func scanTransaction(row pgx.Row) (*models.TicketTransaction, error) {
	var t models.TicketTransaction
	var typ string
	err := row.Scan(&t.ID, &t.OrganizationID, &t.ProgramName, &typ, &t.Quantity, &t.BookingReference,
		&t.PaymentReference, &t.RelatedTransactionID, &t.CancelledAt, &t.CancellationReason, &t.Notes,
		&t.CreatedBy, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.TransactionType = models.TransactionType(typ)
	return &t, nil
}
