package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/member-portal/backend/internal/auth"
	"github.com/member-portal/backend/internal/bookings"
	"github.com/member-portal/backend/internal/credentials"
	"github.com/member-portal/backend/internal/discounts"
	"github.com/member-portal/backend/internal/ledger"
	"github.com/member-portal/backend/internal/members"
	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/internal/organizations"
)

// Identity is the member reconciliation surface.
type Identity interface {
	ResolveMember(ctx context.Context, email string) (*models.MemberView, error)
	ValidateColleague(ctx context.Context, email, organizationID string) (*members.ColleagueResult, error)
}

// Ledger is the program ticket surface.
type Ledger interface {
	Purchase(ctx context.Context, orgID uuid.UUID, program string, qty int, paymentRef, actor string) (*ledger.Result, error)
	Consume(ctx context.Context, orgID uuid.UUID, program string, qty int, bookingRef, actor string) (*ledger.Result, error)
	Cancel(ctx context.Context, txID uuid.UUID, reason, actor string) (*ledger.Result, error)
	Reinstate(ctx context.Context, txID uuid.UUID, actor string) (*ledger.Result, error)
	Balance(ctx context.Context, orgID uuid.UUID, program string) (int, error)
	History(ctx context.Context, orgID uuid.UUID, program string) ([]models.TicketTransaction, error)
	Verify(ctx context.Context, orgID uuid.UUID, program string) (*ledger.Verification, error)
}

// Booker allocates bookings.
type Booker interface {
	CreateBooking(ctx context.Context, req bookings.Request) (*bookings.Group, error)
}

// Discounter applies discount codes.
type Discounter interface {
	Apply(ctx context.Context, code string, amount decimal.Decimal) (*discounts.Quote, error)
}

// Actor is the authenticated caller.
type Actor struct {
	Email string
	Role  string
}

// BalanceView is the ticket-balance result.
type BalanceView struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Program        string    `json:"program"`
	Balance        int       `json:"balance"`
}

// HistoryView is the ticket-history result.
type HistoryView struct {
	OrganizationID uuid.UUID                  `json:"organization_id"`
	Program        string                     `json:"program,omitempty"`
	Transactions   []models.TicketTransaction `json:"transactions"`
}

// Dispatcher runs decoded commands against the services.
type Dispatcher struct {
	identity  Identity
	ledger    Ledger
	booker    Booker
	discounts Discounter
	orgs      organizations.Finder
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(identity Identity, l Ledger, booker Booker, discounter Discounter, orgs organizations.Finder, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{identity: identity, ledger: l, booker: booker, discounts: discounter, orgs: orgs, logger: logger}
}

// Authorize checks the actor may run cmd.
func Authorize(actor Actor, cmd Command) error {
	if cmd.MutatesLedger() && actor.Role != auth.RoleAdmin && actor.Role != auth.RoleStaff {
		return fmt.Errorf("%w: %s requires admin or staff", ErrForbidden, cmd.Operation())
	}
	return nil
}

// Execute runs cmd on behalf of actor and returns the JSON-serialisable result.
func (d *Dispatcher) Execute(ctx context.Context, actor Actor, cmd Command) (interface{}, error) {
	if err := Authorize(actor, cmd); err != nil {
		return nil, err
	}
	switch c := cmd.(type) {
	case ResolveMember:
		return d.identity.ResolveMember(ctx, c.Email)
	case ValidateColleague:
		return d.identity.ValidateColleague(ctx, c.Email, c.OrganizationID)
	case PurchaseTickets:
		orgID, err := d.organizationID(ctx, c.OrganizationID)
		if err != nil {
			return nil, err
		}
		return d.ledger.Purchase(ctx, orgID, c.Program, c.Quantity, c.PaymentReference, actor.Email)
	case ConsumeTickets:
		orgID, err := d.organizationID(ctx, c.OrganizationID)
		if err != nil {
			return nil, err
		}
		return d.ledger.Consume(ctx, orgID, c.Program, c.Quantity, c.BookingReference, actor.Email)
	case CancelTicketTransaction:
		return d.ledger.Cancel(ctx, c.TransactionID, c.Reason, actor.Email)
	case ReinstateTicketTransaction:
		return d.ledger.Reinstate(ctx, c.TransactionID, actor.Email)
	case TicketBalance:
		orgID, err := d.organizationID(ctx, c.OrganizationID)
		if err != nil {
			return nil, err
		}
		bal, err := d.ledger.Balance(ctx, orgID, c.Program)
		if err != nil {
			return nil, err
		}
		return &BalanceView{OrganizationID: orgID, Program: c.Program, Balance: bal}, nil
	case TicketHistory:
		orgID, err := d.organizationID(ctx, c.OrganizationID)
		if err != nil {
			return nil, err
		}
		rows, err := d.ledger.History(ctx, orgID, c.Program)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []models.TicketTransaction{}
		}
		return &HistoryView{OrganizationID: orgID, Program: c.Program, Transactions: rows}, nil
	case VerifyTicketBalance:
		orgID, err := d.organizationID(ctx, c.OrganizationID)
		if err != nil {
			return nil, err
		}
		return d.ledger.Verify(ctx, orgID, c.Program)
	case CreateBooking:
		req := c.Request
		req.Actor = actor.Email
		return d.booker.CreateBooking(ctx, req)
	case ApplyDiscount:
		return d.discounts.Apply(ctx, c.Code, c.Amount)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, cmd.Operation())
	}
}

// organizationID resolves a local id or external account id to the local organization id.
func (d *Dispatcher) organizationID(ctx context.Context, raw string) (uuid.UUID, error) {
	org, err := organizations.ResolveString(ctx, d.orgs, raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve organization: %w", err)
	}
	if org == nil {
		return uuid.Nil, ledger.ErrOrganizationNotFound
	}
	return org.ID, nil
}

// IsBusinessError reports whether err is a known failure kind reported to the caller as
// {success:false}. Anything else is an unexpected fault.
func IsBusinessError(err error) bool {
	if ledger.IsClientError(err) {
		return true
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var businessErrors = []error{
	ErrUnknownOperation,
	ErrValidation,
	credentials.ErrConfigurationMissing,
	credentials.ErrCredentialUnavailable,
	credentials.ErrRefreshFailed,
	members.ErrIdentityNotFound,
	members.ErrMemberCreateFailed,
	members.ErrValidation,
	bookings.ErrMemberNotFound,
	bookings.ErrEventNotFound,
	bookings.ErrNoProgramAssociation,
	bookings.ErrNoOrganization,
	bookings.ErrOrganizationNotFound,
	bookings.ErrValidation,
	discounts.ErrCodeNotFound,
	discounts.ErrCodeExpired,
	discounts.ErrUsageLimitReached,
	discounts.ErrInvalidAmount,
}
