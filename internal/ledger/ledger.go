package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/member-portal/backend/internal/metrics"
	"github.com/member-portal/backend/internal/models"
)

// Ledger keeps each organization's program ticket balance in step with its transaction log.
// Every mutation writes the log row and the balance in the same unit of work.
type Ledger struct {
	store    Store
	archiver Archiver
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Result is returned by every mutation.
type Result struct {
	Transaction *models.TicketTransaction `json:"transaction"`
	Refund      *models.TicketTransaction `json:"refund,omitempty"`
	Quantity    int                       `json:"quantity"`
	Balance     int                       `json:"balance"`
}

// Verification compares the stored balance with the one implied by the log.
type Verification struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Program        string    `json:"program"`
	Stored         int       `json:"stored"`
	Expected       int       `json:"expected"`
	Consistent     bool      `json:"consistent"`
}

// New creates a ledger. archiver may be nil.
func New(store Store, archiver Archiver, rec *metrics.Recorder, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, archiver: archiver, metrics: rec, logger: logger, now: time.Now}
}

// Purchase credits qty tickets to a program. A non-empty paymentRef may be credited only once.
func (l *Ledger) Purchase(ctx context.Context, orgID uuid.UUID, program string, qty int, paymentRef, actor string) (*Result, error) {
	program = strings.TrimSpace(program)
	if err := validate(program, qty); err != nil {
		return nil, err
	}
	var res *Result
	err := l.store.InTx(ctx, func(tx Tx) error {
		org, err := lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		row := &models.TicketTransaction{
			OrganizationID:  orgID,
			ProgramName:     program,
			TransactionType: models.TransactionPurchase,
			Quantity:        qty,
			CreatedBy:       actor,
		}
		if ref := strings.TrimSpace(paymentRef); ref != "" {
			dup, err := tx.PaymentReferenceExists(ctx, ref)
			if err != nil {
				return fmt.Errorf("check payment reference: %w", err)
			}
			if dup {
				return ErrDuplicatePayment
			}
			row.PaymentReference = &ref
		}
		balances := org.ProgramTicketBalances.Clone()
		balances[program] += qty
		if err := tx.InsertTransaction(ctx, row); err != nil {
			return err
		}
		if err := tx.SaveBalances(ctx, orgID, balances); err != nil {
			return fmt.Errorf("save balances: %w", err)
		}
		res = &Result{Transaction: row, Quantity: qty, Balance: balances[program]}
		return nil
	})
	l.metrics.LedgerMutation("purchase", err)
	if err != nil {
		return nil, err
	}
	l.logger.Info("program tickets purchased",
		zap.String("organization_id", orgID.String()),
		zap.String("program", program),
		zap.Int("quantity", qty),
		zap.Int("balance", res.Balance),
	)
	l.archive(ctx, res.Transaction)
	return res, nil
}

// Consume debits qty tickets in its own unit of work.
func (l *Ledger) Consume(ctx context.Context, orgID uuid.UUID, program string, qty int, bookingRef, actor string) (*Result, error) {
	var res *Result
	err := l.store.InTx(ctx, func(tx Tx) error {
		var err error
		res, err = l.ConsumeTx(ctx, tx, orgID, program, qty, bookingRef, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Committed(ctx, res)
	return res, nil
}

// ConsumeTx debits qty tickets inside a unit of work owned by the caller, so the debit commits
// or rolls back together with whatever else the caller writes. Call Committed once the unit commits.
func (l *Ledger) ConsumeTx(ctx context.Context, tx Tx, orgID uuid.UUID, program string, qty int, bookingRef, actor string) (*Result, error) {
	program = strings.TrimSpace(program)
	if err := validate(program, qty); err != nil {
		l.metrics.LedgerMutation("consume", err)
		return nil, err
	}
	res, err := l.consume(ctx, tx, orgID, program, qty, bookingRef, actor)
	l.metrics.LedgerMutation("consume", err)
	return res, err
}

func (l *Ledger) consume(ctx context.Context, tx Tx, orgID uuid.UUID, program string, qty int, bookingRef, actor string) (*Result, error) {
	org, err := lockOrganization(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	available := org.ProgramTicketBalances.Get(program)
	if available < qty {
		return nil, &InsufficientBalanceError{OrganizationID: orgID, Program: program, Requested: qty, Available: available}
	}
	row := &models.TicketTransaction{
		OrganizationID:  orgID,
		ProgramName:     program,
		TransactionType: models.TransactionUsage,
		Quantity:        qty,
		CreatedBy:       actor,
	}
	if ref := strings.TrimSpace(bookingRef); ref != "" {
		row.BookingReference = &ref
	}
	balances := org.ProgramTicketBalances.Clone()
	balances[program] = available - qty
	if err := tx.InsertTransaction(ctx, row); err != nil {
		return nil, err
	}
	if err := tx.SaveBalances(ctx, orgID, balances); err != nil {
		return nil, fmt.Errorf("save balances: %w", err)
	}
	return &Result{Transaction: row, Quantity: qty, Balance: balances[program]}, nil
}

// Committed runs the after-commit side effects of a mutation made with ConsumeTx.
func (l *Ledger) Committed(ctx context.Context, res *Result) {
	if res == nil || res.Transaction == nil {
		return
	}
	t := res.Transaction
	l.metrics.TicketsDebited(t.ProgramName, t.Quantity)
	l.logger.Info("program tickets consumed",
		zap.String("organization_id", t.OrganizationID.String()),
		zap.String("program", t.ProgramName),
		zap.Int("quantity", t.Quantity),
		zap.Int("balance", res.Balance),
	)
	l.archive(ctx, t)
}

// Cancel marks a usage row cancelled, appends a compensating refund row and restores the balance.
func (l *Ledger) Cancel(ctx context.Context, txID uuid.UUID, reason, actor string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	var res *Result
	err := l.store.InTx(ctx, func(tx Tx) error {
		row, err := findTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		org, err := lockOrganization(ctx, tx, row.OrganizationID)
		if err != nil {
			return err
		}
		if row, err = relock(ctx, tx, txID); err != nil {
			return err
		}
		if row.TransactionType != models.TransactionUsage {
			return ErrNotAUsageTransaction
		}
		if row.IsCancelled() {
			return ErrAlreadyCancelled
		}

		now := l.now().UTC()
		row.CancelledAt = &now
		if reason != "" {
			row.CancellationReason = &reason
		}
		note := "cancelled by " + actorOrSystem(actor)
		if reason != "" {
			note += ": " + reason
		}
		row.Notes = appendNote(row.Notes, now, note)
		if err := tx.UpdateCancellation(ctx, row); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}

		related := row.ID
		refund := &models.TicketTransaction{
			OrganizationID:       row.OrganizationID,
			ProgramName:          row.ProgramName,
			TransactionType:      models.TransactionRefund,
			Quantity:             row.Quantity,
			BookingReference:     row.BookingReference,
			RelatedTransactionID: &related,
			Notes:                "refund of " + row.ID.String(),
			CreatedBy:            actor,
		}
		if err := tx.InsertTransaction(ctx, refund); err != nil {
			return err
		}
		balances := org.ProgramTicketBalances.Clone()
		balances[row.ProgramName] += row.Quantity
		if err := tx.SaveBalances(ctx, row.OrganizationID, balances); err != nil {
			return fmt.Errorf("save balances: %w", err)
		}
		res = &Result{Transaction: row, Refund: refund, Quantity: row.Quantity, Balance: balances[row.ProgramName]}
		return nil
	})
	l.metrics.LedgerMutation("cancel", err)
	if err != nil {
		return nil, err
	}
	l.logger.Info("ticket transaction cancelled",
		zap.String("transaction_id", txID.String()),
		zap.String("program", res.Transaction.ProgramName),
		zap.Int("quantity", res.Quantity),
		zap.Int("balance", res.Balance),
	)
	l.archive(ctx, res.Transaction)
	l.archive(ctx, res.Refund)
	return res, nil
}

// Reinstate re-applies a cancelled usage row: the debit is taken again and the cancellation cleared.
func (l *Ledger) Reinstate(ctx context.Context, txID uuid.UUID, actor string) (*Result, error) {
	var res *Result
	err := l.store.InTx(ctx, func(tx Tx) error {
		row, err := findTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		org, err := lockOrganization(ctx, tx, row.OrganizationID)
		if err != nil {
			return err
		}
		if row, err = relock(ctx, tx, txID); err != nil {
			return err
		}
		if !row.IsCancelled() {
			return ErrNotCancelled
		}
		available := org.ProgramTicketBalances.Get(row.ProgramName)
		if available < row.Quantity {
			return &InsufficientBalanceError{
				OrganizationID: row.OrganizationID,
				Program:        row.ProgramName,
				Requested:      row.Quantity,
				Available:      available,
			}
		}

		row.CancelledAt = nil
		row.CancellationReason = nil
		row.Notes = appendNote(row.Notes, l.now().UTC(), "reinstated by "+actorOrSystem(actor))
		if err := tx.UpdateCancellation(ctx, row); err != nil {
			return fmt.Errorf("clear cancellation: %w", err)
		}
		balances := org.ProgramTicketBalances.Clone()
		balances[row.ProgramName] = available - row.Quantity
		if err := tx.SaveBalances(ctx, row.OrganizationID, balances); err != nil {
			return fmt.Errorf("save balances: %w", err)
		}
		res = &Result{Transaction: row, Quantity: row.Quantity, Balance: balances[row.ProgramName]}
		return nil
	})
	l.metrics.LedgerMutation("reinstate", err)
	if err != nil {
		return nil, err
	}
	l.logger.Info("ticket transaction reinstated",
		zap.String("transaction_id", txID.String()),
		zap.String("program", res.Transaction.ProgramName),
		zap.Int("quantity", res.Quantity),
		zap.Int("balance", res.Balance),
	)
	l.archive(ctx, res.Transaction)
	return res, nil
}

// Balance returns the stored balance for one program.
func (l *Ledger) Balance(ctx context.Context, orgID uuid.UUID, program string) (int, error) {
	org, err := l.store.GetOrganization(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("get organization: %w", err)
	}
	if org == nil {
		return 0, ErrOrganizationNotFound
	}
	return org.ProgramTicketBalances.Get(strings.TrimSpace(program)), nil
}

// History lists an organization's transactions, oldest first. An empty program lists all.
func (l *Ledger) History(ctx context.Context, orgID uuid.UUID, program string) ([]models.TicketTransaction, error) {
	org, err := l.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}
	rows, err := l.store.ListTransactions(ctx, orgID, strings.TrimSpace(program))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return rows, nil
}

// Verify recomputes a program balance from the log and compares it with the stored value.
func (l *Ledger) Verify(ctx context.Context, orgID uuid.UUID, program string) (*Verification, error) {
	program = strings.TrimSpace(program)
	if program == "" {
		return nil, fmt.Errorf("%w: program is required", ErrInvalidArgument)
	}
	org, err := l.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}
	rows, err := l.store.ListTransactions(ctx, orgID, program)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	v := &Verification{
		OrganizationID: orgID,
		Program:        program,
		Stored:         org.ProgramTicketBalances.Get(program),
		Expected:       ExpectedBalance(rows),
	}
	v.Consistent = v.Stored == v.Expected
	if !v.Consistent {
		l.logger.Warn("program ticket balance drift",
			zap.String("organization_id", orgID.String()),
			zap.String("program", program),
			zap.Int("stored", v.Stored),
			zap.Int("expected", v.Expected),
		)
	}
	return v, nil
}

// ExpectedBalance is purchases minus usage rows that are not cancelled. Refund rows tied to a
// usage row are already accounted for by that row's cancellation; unattached refunds are credits.
func ExpectedBalance(rows []models.TicketTransaction) int {
	total := 0
	for _, t := range rows {
		switch t.TransactionType {
		case models.TransactionPurchase:
			total += t.Quantity
		case models.TransactionUsage:
			if !t.IsCancelled() {
				total -= t.Quantity
			}
		case models.TransactionRefund:
			if t.RelatedTransactionID == nil {
				total += t.Quantity
			}
		}
	}
	return total
}

func findTransaction(ctx context.Context, tx Tx, id uuid.UUID) (*models.TicketTransaction, error) {
	row, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if row == nil {
		return nil, ErrTransactionNotFound
	}
	return row, nil
}

// relock re-reads the row after the organization lock is held so checks see the latest state.
func relock(ctx context.Context, tx Tx, id uuid.UUID) (*models.TicketTransaction, error) {
	row, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	if row == nil {
		return nil, ErrTransactionNotFound
	}
	return row, nil
}

func lockOrganization(ctx context.Context, tx Tx, id uuid.UUID) (*models.Organization, error) {
	org, err := tx.LockOrganization(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock organization: %w", err)
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}
	return org, nil
}

func (l *Ledger) archive(ctx context.Context, t *models.TicketTransaction) {
	if l.archiver == nil || t == nil {
		return
	}
	l.archiver.Archive(ctx, *t)
}

func validate(program string, qty int) error {
	if program == "" {
		return fmt.Errorf("%w: program is required", ErrInvalidArgument)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	return nil
}

func appendNote(notes string, at time.Time, line string) string {
	entry := "[" + at.Format(time.RFC3339) + "] " + line
	if notes == "" {
		return entry
	}
	return notes + "\n" + entry
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "system"
	}
	return actor
}
