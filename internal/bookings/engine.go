package bookings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/member-portal/backend/internal/ledger"
	"github.com/member-portal/backend/internal/members"
	"github.com/member-portal/backend/internal/metrics"
	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/internal/organizations"
)

var (
	// ErrMemberNotFound is returned when the booking member cannot be resolved.
	ErrMemberNotFound = errors.New("member not found")
	// ErrEventNotFound is returned for an unknown event id.
	ErrEventNotFound = errors.New("event not found")
	// ErrNoProgramAssociation is returned when the event is not paid with the requested program.
	ErrNoProgramAssociation = errors.New("event has no matching program association")
	// ErrNoOrganization is returned when the member belongs to no organization.
	ErrNoOrganization = errors.New("member has no organization")
	// ErrOrganizationNotFound is returned when the member's organization reference does not resolve.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrValidation is returned for a malformed booking request.
	ErrValidation = errors.New("invalid booking request")
)

// Registration modes.
const (
	ModeSelf       = "self"
	ModeColleagues = "colleagues"
	ModeLinks      = "links"
)

// Attendee is one named seat.
type Attendee struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Request asks for a group of bookings paid with program tickets.
type Request struct {
	EventID          uuid.UUID  `json:"event_id"`
	MemberEmail      string     `json:"member_email"`
	Attendees        []Attendee `json:"attendees"`
	RegistrationMode string     `json:"registration_mode"`
	NumberOfLinks    int        `json:"number_of_links"`
	TicketsRequired  int        `json:"tickets_required"`
	ProgramTag       string     `json:"program_tag"`
	// Actor is recorded on the usage row; defaults to MemberEmail.
	Actor string `json:"-"`
}

// Group is the result of a successful allocation.
type Group struct {
	BookingReference string           `json:"booking_reference"`
	Bookings         []models.Booking `json:"bookings"`
	TicketsUsed      int              `json:"tickets_used"`
	RemainingBalance int              `json:"remaining_balance"`
	TransactionID    uuid.UUID        `json:"transaction_id"`
}

// Tx is a ledger unit of work that can also write booking rows.
type Tx interface {
	ledger.Tx
	InsertBooking(ctx context.Context, b *models.Booking) error
}

// Store opens booking units of work.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Events looks events up.
type Events interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// Identity resolves the booking member.
type Identity interface {
	ResolveMember(ctx context.Context, email string) (*models.MemberView, error)
}

// Debiter takes program tickets inside a caller-owned unit of work.
type Debiter interface {
	ConsumeTx(ctx context.Context, tx ledger.Tx, orgID uuid.UUID, program string, qty int, bookingRef, actor string) (*ledger.Result, error)
	Committed(ctx context.Context, res *ledger.Result)
}

// Notification tells an attendee about a new booking.
type Notification struct {
	BookingID        uuid.UUID `json:"booking_id"`
	BookingReference string    `json:"booking_reference"`
	EventID          uuid.UUID `json:"event_id"`
	EventTitle       string    `json:"event_title"`
	Email            string    `json:"email"`
	FirstName        string    `json:"first_name"`
}

// Notifier delivers booking notifications after commit.
type Notifier interface {
	BookingCreated(ctx context.Context, n Notification) error
}

// Engine allocates bookings against an organization's program ticket balance.
type Engine struct {
	store    Store
	events   Events
	identity Identity
	orgs     organizations.Finder
	ledger   Debiter
	notifier Notifier
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
	rand     io.Reader
}

// NewEngine creates the booking engine. notifier may be nil.
func NewEngine(store Store, events Events, identity Identity, orgs organizations.Finder, debiter Debiter,
	notifier Notifier, rec *metrics.Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		events:   events,
		identity: identity,
		orgs:     orgs,
		ledger:   debiter,
		notifier: notifier,
		metrics:  rec,
		logger:   logger,
		now:      time.Now,
		rand:     defaultRand,
	}
}

// CreateBooking debits the organization's program tickets and writes the booking rows in one
// unit of work. Either both happen or neither does.
func (e *Engine) CreateBooking(ctx context.Context, req Request) (*Group, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	member, err := e.identity.ResolveMember(ctx, req.MemberEmail)
	if err != nil {
		if errors.Is(err, members.ErrIdentityNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("resolve member: %w", err)
	}
	event, err := e.events.GetByID(ctx, req.EventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if event == nil {
		return nil, ErrEventNotFound
	}

	program := ""
	if event.ProgramTag != nil {
		program = strings.TrimSpace(*event.ProgramTag)
	}
	if program == "" || req.ProgramTag != program {
		return nil, ErrNoProgramAssociation
	}
	if member.IsTeamMember || member.OrganizationRef == "" {
		return nil, ErrNoOrganization
	}
	org, err := organizations.ResolveString(ctx, e.orgs, member.OrganizationRef)
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}

	now := e.now()
	ref, err := NewReference(now, e.rand)
	if err != nil {
		return nil, fmt.Errorf("generate booking reference: %w", err)
	}
	rows, err := e.stage(req, member, event, ref)
	if err != nil {
		return nil, err
	}

	var debit *ledger.Result
	err = e.store.InTx(ctx, func(tx Tx) error {
		var err error
		debit, err = e.ledger.ConsumeTx(ctx, tx, org.ID, program, req.TicketsRequired, ref, req.Actor)
		if err != nil {
			return err
		}
		for i := range rows {
			if err := tx.InsertBooking(ctx, &rows[i]); err != nil {
				return fmt.Errorf("insert booking: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.ledger.Committed(ctx, debit)
	e.metrics.BookingsAllocated(len(rows))

	e.logger.Info("booking group created",
		zap.String("booking_reference", ref),
		zap.String("event_id", event.ID.String()),
		zap.String("organization_id", org.ID.String()),
		zap.String("mode", req.RegistrationMode),
		zap.Int("bookings", len(rows)),
		zap.Int("tickets_used", debit.Quantity),
		zap.Int("remaining_balance", debit.Balance),
	)
	e.notify(ctx, event, rows)

	return &Group{
		BookingReference: ref,
		Bookings:         rows,
		TicketsUsed:      debit.Quantity,
		RemainingBalance: debit.Balance,
		TransactionID:    debit.Transaction.ID,
	}, nil
}

// stage builds the booking rows for the request without writing them.
func (e *Engine) stage(req Request, member *models.MemberView, event *models.Event, ref string) ([]models.Booking, error) {
	base := models.Booking{
		EventID:          event.ID,
		BookingReference: ref,
		PaymentMethod:    models.PaymentMethodProgramTicket,
		TicketPrice:      event.TicketPrice,
	}
	if member.MemberID != nil {
		base.MemberID = *member.MemberID
	}

	var rows []models.Booking
	switch req.RegistrationMode {
	case ModeLinks:
		for i := 0; i < req.NumberOfLinks; i++ {
			tok, err := newConfirmationToken(e.rand)
			if err != nil {
				return nil, fmt.Errorf("generate confirmation token: %w", err)
			}
			b := base
			b.Status = models.BookingStatusPending
			b.ConfirmationToken = &tok
			rows = append(rows, b)
		}
	default:
		for _, a := range req.Attendees {
			b := base
			b.Status = models.BookingStatusPendingBackstageSync
			b.AttendeeEmail = a.Email
			b.AttendeeFirstName = a.FirstName
			b.AttendeeLastName = a.LastName
			rows = append(rows, b)
		}
	}
	return rows, nil
}

func (e *Engine) notify(ctx context.Context, event *models.Event, rows []models.Booking) {
	if e.notifier == nil {
		return
	}
	for _, b := range rows {
		if b.AttendeeEmail == "" {
			continue
		}
		n := Notification{
			BookingID:        b.ID,
			BookingReference: b.BookingReference,
			EventID:          event.ID,
			EventTitle:       event.Title,
			Email:            b.AttendeeEmail,
			FirstName:        b.AttendeeFirstName,
		}
		if err := e.notifier.BookingCreated(ctx, n); err != nil {
			e.logger.Warn("booking notification not queued",
				zap.String("booking_reference", b.BookingReference),
				zap.String("email", b.AttendeeEmail),
				zap.Error(err),
			)
		}
	}
}

func normalize(req *Request) error {
	req.MemberEmail = members.NormalizeEmail(req.MemberEmail)
	req.RegistrationMode = strings.ToLower(strings.TrimSpace(req.RegistrationMode))
	req.ProgramTag = strings.TrimSpace(req.ProgramTag)
	if req.MemberEmail == "" {
		return fmt.Errorf("%w: member_email is required", ErrValidation)
	}
	if req.EventID == uuid.Nil {
		return fmt.Errorf("%w: event_id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Actor) == "" {
		req.Actor = req.MemberEmail
	}

	switch req.RegistrationMode {
	case ModeSelf, ModeColleagues:
		attendees := make([]Attendee, 0, len(req.Attendees))
		for _, a := range req.Attendees {
			a.Email = members.NormalizeEmail(a.Email)
			a.FirstName = strings.TrimSpace(a.FirstName)
			a.LastName = strings.TrimSpace(a.LastName)
			if a.Email == "" && a.FirstName == "" && a.LastName == "" {
				continue
			}
			attendees = append(attendees, a)
		}
		req.Attendees = attendees
		if len(req.Attendees) == 0 {
			return fmt.Errorf("%w: at least one attendee is required", ErrValidation)
		}
		if req.TicketsRequired == 0 {
			req.TicketsRequired = len(req.Attendees)
		}
	case ModeLinks:
		if req.NumberOfLinks < 1 {
			return fmt.Errorf("%w: number_of_links must be at least 1", ErrValidation)
		}
		if req.TicketsRequired == 0 {
			req.TicketsRequired = req.NumberOfLinks
		}
	default:
		return fmt.Errorf("%w: unknown registration_mode %q", ErrValidation, req.RegistrationMode)
	}
	if req.TicketsRequired < 1 {
		return fmt.Errorf("%w: tickets_required must be at least 1", ErrValidation)
	}
	return nil
}
