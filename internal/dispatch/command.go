package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/member-portal/backend/internal/bookings"
)

var (
	// ErrUnknownOperation is returned for an operation name outside the command set.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrValidation is returned when a request body does not decode into its command.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden is returned when the caller's role may not run the command.
	ErrForbidden = errors.New("insufficient permissions")
)

// Operation names accepted at POST /api/:operation.
const (
	OpResolveMember              = "resolve-member"
	OpValidateColleague          = "validate-colleague"
	OpPurchaseTickets            = "purchase-tickets"
	OpConsumeTickets             = "consume-tickets"
	OpCancelTicketTransaction    = "cancel-ticket-transaction"
	OpReinstateTicketTransaction = "reinstate-ticket-transaction"
	OpTicketBalance              = "ticket-balance"
	OpTicketHistory              = "ticket-history"
	OpVerifyTicketBalance        = "verify-ticket-balance"
	OpCreateBooking              = "create-booking"
	OpApplyDiscount              = "apply-discount"
)

// Command is one decoded request. The set of implementations is closed to this package.
type Command interface {
	Operation() string
	// MutatesLedger reports whether the command changes ticket balances directly.
	MutatesLedger() bool
	validate() error
}

// ResolveMember looks a member up locally, then in the CRM.
type ResolveMember struct {
	Email string `json:"email"`
}

// ValidateColleague checks that an invited colleague belongs to the organization.
type ValidateColleague struct {
	Email          string `json:"email"`
	OrganizationID string `json:"organization_id"`
}

// PurchaseTickets credits an organization's program balance.
type PurchaseTickets struct {
	OrganizationID   string `json:"organization_id"`
	Program          string `json:"program"`
	Quantity         int    `json:"quantity"`
	PaymentReference string `json:"payment_reference"`
}

// ConsumeTickets debits an organization's program balance.
type ConsumeTickets struct {
	OrganizationID   string `json:"organization_id"`
	Program          string `json:"program"`
	Quantity         int    `json:"quantity"`
	BookingReference string `json:"booking_reference"`
}

// CancelTicketTransaction refunds a usage row.
type CancelTicketTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Reason        string    `json:"reason"`
}

// ReinstateTicketTransaction reverses an earlier cancellation.
type ReinstateTicketTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// TicketBalance reads one program balance.
type TicketBalance struct {
	OrganizationID string `json:"organization_id"`
	Program        string `json:"program"`
}

// TicketHistory lists ledger rows, optionally for one program.
type TicketHistory struct {
	OrganizationID string `json:"organization_id"`
	Program        string `json:"program"`
}

// VerifyTicketBalance compares the stored balance with the ledger rows.
type VerifyTicketBalance struct {
	OrganizationID string `json:"organization_id"`
	Program        string `json:"program"`
}

// CreateBooking allocates a booking group paid with program tickets.
type CreateBooking struct {
	bookings.Request
}

// ApplyDiscount prices an amount against a discount code.
type ApplyDiscount struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

func (ResolveMember) Operation() string              { return OpResolveMember }
func (ValidateColleague) Operation() string          { return OpValidateColleague }
func (PurchaseTickets) Operation() string            { return OpPurchaseTickets }
func (ConsumeTickets) Operation() string             { return OpConsumeTickets }
func (CancelTicketTransaction) Operation() string    { return OpCancelTicketTransaction }
func (ReinstateTicketTransaction) Operation() string { return OpReinstateTicketTransaction }
func (TicketBalance) Operation() string              { return OpTicketBalance }
func (TicketHistory) Operation() string              { return OpTicketHistory }
func (VerifyTicketBalance) Operation() string        { return OpVerifyTicketBalance }
func (CreateBooking) Operation() string              { return OpCreateBooking }
func (ApplyDiscount) Operation() string              { return OpApplyDiscount }

func (ResolveMember) MutatesLedger() bool              { return false }
func (ValidateColleague) MutatesLedger() bool          { return false }
func (PurchaseTickets) MutatesLedger() bool            { return true }
func (ConsumeTickets) MutatesLedger() bool             { return true }
func (CancelTicketTransaction) MutatesLedger() bool    { return true }
func (ReinstateTicketTransaction) MutatesLedger() bool { return true }
func (TicketBalance) MutatesLedger() bool              { return false }
func (TicketHistory) MutatesLedger() bool              { return false }
func (VerifyTicketBalance) MutatesLedger() bool        { return false }
func (CreateBooking) MutatesLedger() bool              { return false }
func (ApplyDiscount) MutatesLedger() bool              { return false }

func (c ResolveMember) validate() error { return required("email", c.Email) }

func (c ValidateColleague) validate() error {
	return required("email", c.Email, "organization_id", c.OrganizationID)
}

func (c PurchaseTickets) validate() error {
	return required("organization_id", c.OrganizationID, "program", c.Program)
}

func (c ConsumeTickets) validate() error {
	return required("organization_id", c.OrganizationID, "program", c.Program)
}

func (c CancelTicketTransaction) validate() error { return requiredID("transaction_id", c.TransactionID) }

func (c ReinstateTicketTransaction) validate() error {
	return requiredID("transaction_id", c.TransactionID)
}

func (c TicketBalance) validate() error {
	return required("organization_id", c.OrganizationID, "program", c.Program)
}

func (c TicketHistory) validate() error { return required("organization_id", c.OrganizationID) }

func (c VerifyTicketBalance) validate() error {
	return required("organization_id", c.OrganizationID, "program", c.Program)
}

func (c CreateBooking) validate() error {
	if err := requiredID("event_id", c.EventID); err != nil {
		return err
	}
	return required("member_email", c.MemberEmail, "registration_mode", c.RegistrationMode, "program_tag", c.ProgramTag)
}

func (c ApplyDiscount) validate() error { return required("code", c.Code) }

// Decode turns an operation name and JSON body into a command.
func Decode(operation string, body []byte) (Command, error) {
	var cmd Command
	switch strings.ToLower(strings.TrimSpace(operation)) {
	case OpResolveMember:
		cmd = &ResolveMember{}
	case OpValidateColleague:
		cmd = &ValidateColleague{}
	case OpPurchaseTickets:
		cmd = &PurchaseTickets{}
	case OpConsumeTickets:
		cmd = &ConsumeTickets{}
	case OpCancelTicketTransaction:
		cmd = &CancelTicketTransaction{}
	case OpReinstateTicketTransaction:
		cmd = &ReinstateTicketTransaction{}
	case OpTicketBalance:
		cmd = &TicketBalance{}
	case OpTicketHistory:
		cmd = &TicketHistory{}
	case OpVerifyTicketBalance:
		cmd = &VerifyTicketBalance{}
	case OpCreateBooking:
		cmd = &CreateBooking{}
	case OpApplyDiscount:
		cmd = &ApplyDiscount{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, describeJSONError(err))
		}
	}
	cmd = deref(cmd)
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// deref converts the pointer used for decoding back to the value type the dispatcher switches on.
func deref(cmd Command) Command {
	switch c := cmd.(type) {
	case *ResolveMember:
		return *c
	case *ValidateColleague:
		return *c
	case *PurchaseTickets:
		return *c
	case *ConsumeTickets:
		return *c
	case *CancelTicketTransaction:
		return *c
	case *ReinstateTicketTransaction:
		return *c
	case *TicketBalance:
		return *c
	case *TicketHistory:
		return *c
	case *VerifyTicketBalance:
		return *c
	case *CreateBooking:
		return *c
	case *ApplyDiscount:
		return *c
	}
	return cmd
}

func required(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

func requiredID(name string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: missing %s", ErrValidation, name)
	}
	return nil
}

func describeJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return "invalid value for " + typeErr.Field
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "malformed JSON body"
	}
	return err.Error()
}
