package worker

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/member-portal/backend/internal/bookings"
	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/pkg/queue"
)

// Enqueuer accepts jobs for the worker.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, payload queue.NotificationPayload) error
	EnqueueLedgerArchive(ctx context.Context, payload queue.LedgerArchivePayload) error
}

// BookingNotifier queues attendee notifications for committed bookings.
type BookingNotifier struct {
	q Enqueuer
}

// NewBookingNotifier creates a notifier backed by the job queue.
func NewBookingNotifier(q Enqueuer) *BookingNotifier {
	return &BookingNotifier{q: q}
}

// BookingCreated implements bookings.Notifier.
func (n *BookingNotifier) BookingCreated(ctx context.Context, note bookings.Notification) error {
	return n.q.EnqueueNotification(ctx, queue.NotificationPayload{
		BookingID:        note.BookingID,
		BookingReference: note.BookingReference,
		EventID:          note.EventID,
		EventTitle:       note.EventTitle,
		RecipientEmail:   note.Email,
		FirstName:        note.FirstName,
	})
}

// LedgerArchiver queues committed ledger rows for S3 archival. Failures are logged and never
// reach the caller, whose transaction has already committed.
type LedgerArchiver struct {
	q      Enqueuer
	logger *zap.Logger
}

// NewLedgerArchiver creates an archiver backed by the job queue.
func NewLedgerArchiver(q Enqueuer, logger *zap.Logger) *LedgerArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerArchiver{q: q, logger: logger}
}

// Archive implements ledger.Archiver.
func (a *LedgerArchiver) Archive(ctx context.Context, t models.TicketTransaction) {
	record, err := json.Marshal(t)
	if err != nil {
		a.logger.Error("marshal ledger row", zap.String("transaction_id", t.ID.String()), zap.Error(err))
		return
	}
	err = a.q.EnqueueLedgerArchive(ctx, queue.LedgerArchivePayload{
		TransactionID:  t.ID,
		OrganizationID: t.OrganizationID,
		Program:        t.ProgramName,
		CreatedAt:      t.CreatedAt,
		Record:         record,
	})
	if err != nil {
		a.logger.Warn("enqueue ledger archive", zap.String("transaction_id", t.ID.String()), zap.Error(err))
	}
}
