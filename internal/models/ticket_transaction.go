package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType is the kind of ledger row.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionRefund   TransactionType = "refund"
)

// TicketTransaction is one append-only row of the program ticket log. Usage rows are never
// deleted: a cancellation stamps CancelledAt and a refund row is appended.
type TicketTransaction struct {
	ID                   uuid.UUID       `json:"id"`
	OrganizationID       uuid.UUID       `json:"organization_id"`
	ProgramName          string          `json:"program_name"`
	TransactionType      TransactionType `json:"transaction_type"`
	Quantity             int             `json:"quantity"`
	BookingReference     *string         `json:"booking_reference,omitempty"`
	PaymentReference     *string         `json:"payment_reference,omitempty"`
	RelatedTransactionID *uuid.UUID      `json:"related_transaction_id,omitempty"`
	CancelledAt          *time.Time      `json:"cancelled_at,omitempty"`
	CancellationReason   *string         `json:"cancellation_reason,omitempty"`
	Notes                string          `json:"notes"`
	CreatedBy            string          `json:"created_by"`
	CreatedAt            time.Time       `json:"created_at"`
}

// IsCancelled reports whether a usage row is currently cancelled.
func (t *TicketTransaction) IsCancelled() bool { return t.CancelledAt != nil }
