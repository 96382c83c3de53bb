package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the program balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTransactionNotFound is returned for an unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrNotAUsageTransaction is returned when cancelling a purchase or refund row.
	ErrNotAUsageTransaction = errors.New("only usage transactions can be cancelled")
	// ErrNotCancelled is returned when reinstating a transaction that is not cancelled.
	ErrNotCancelled = errors.New("transaction is not cancelled")
	// ErrAlreadyCancelled is returned when cancelling a usage row twice.
	ErrAlreadyCancelled = errors.New("transaction already cancelled")
	// ErrDuplicatePayment is returned when a payment reference was already credited.
	ErrDuplicatePayment = errors.New("payment reference already recorded")
	// ErrOrganizationNotFound is returned when the organization row does not exist.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrInvalidArgument is returned for a missing program or non-positive quantity.
	ErrInvalidArgument = errors.New("invalid ledger argument")
)

// InsufficientBalanceError carries the requested and available quantities.
type InsufficientBalanceError struct {
	OrganizationID uuid.UUID
	Program        string
	Requested      int
	Available      int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s tickets: requested %d, available %d", e.Program, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsClientError reports whether err is a business-rule rejection rather than a fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrNotAUsageTransaction) ||
		errors.Is(err, ErrNotCancelled) ||
		errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrInvalidArgument)
}
