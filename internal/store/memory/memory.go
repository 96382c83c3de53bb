// Package memory is an in-process implementation of every store interface, used by tests and
// local tooling. Units of work run under a single lock against a copy of the state that replaces
// the live state only when the work succeeds.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/member-portal/backend/internal/bookings"
	"github.com/member-portal/backend/internal/ledger"
	"github.com/member-portal/backend/internal/models"
)

// ErrDuplicate is returned when a unique key already exists.
var ErrDuplicate = errors.New("duplicate key")

type state struct {
	orgs         map[uuid.UUID]*models.Organization
	members      map[uuid.UUID]*models.Member
	teamMembers  map[string]*models.TeamMember
	roles        []models.Role
	events       map[uuid.UUID]*models.Event
	transactions map[uuid.UUID]*models.TicketTransaction
	txOrder      []uuid.UUID
	bookings     []models.Booking
	credentials  map[string]*models.ExternalCredential
	discounts    map[string]*models.DiscountCode
}

func newState() *state {
	return &state{
		orgs:         map[uuid.UUID]*models.Organization{},
		members:      map[uuid.UUID]*models.Member{},
		teamMembers:  map[string]*models.TeamMember{},
		events:       map[uuid.UUID]*models.Event{},
		transactions: map[uuid.UUID]*models.TicketTransaction{},
		credentials:  map[string]*models.ExternalCredential{},
		discounts:    map[string]*models.DiscountCode{},
	}
}

// clone copies everything a unit of work can mutate.
func (s *state) clone() *state {
	c := *s
	c.orgs = make(map[uuid.UUID]*models.Organization, len(s.orgs))
	for k, v := range s.orgs {
		c.orgs[k] = copyOrg(v)
	}
	c.transactions = make(map[uuid.UUID]*models.TicketTransaction, len(s.transactions))
	for k, v := range s.transactions {
		t := *v
		c.transactions[k] = &t
	}
	c.txOrder = append([]uuid.UUID(nil), s.txOrder...)
	c.bookings = append([]models.Booking(nil), s.bookings...)
	return &c
}

// Store holds all entities in memory.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time

	failBookingAt  int
	failBookingErr error
	bookingInserts int
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

// FailBookingInsert makes the nth booking insert (1-based, counted from now) fail with err.
func (s *Store) FailBookingInsert(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBookingAt = n
	s.failBookingErr = err
	s.bookingInserts = 0
}

func (s *Store) inTx(fn func(*tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&tx{store: s, st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) locked(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// tx is a unit of work over a private copy of the state.
type tx struct {
	store *Store
	st    *state
}

func (t *tx) LockOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	return copyOrg(t.st.orgs[id]), nil
}

func (t *tx) SaveBalances(_ context.Context, orgID uuid.UUID, balances models.TicketBalances) error {
	o, ok := t.st.orgs[orgID]
	if !ok {
		return ledger.ErrOrganizationNotFound
	}
	o.ProgramTicketBalances = balances.Clone()
	o.UpdatedAt = t.store.now()
	return nil
}

func (t *tx) InsertTransaction(_ context.Context, row *models.TicketTransaction) error {
	if row.PaymentReference != nil && row.TransactionType == models.TransactionPurchase {
		for _, existing := range t.st.transactions {
			if existing.TransactionType == models.TransactionPurchase && existing.PaymentReference != nil &&
				*existing.PaymentReference == *row.PaymentReference {
				return ledger.ErrDuplicatePayment
			}
		}
	}
	row.ID = uuid.New()
	row.CreatedAt = t.store.now()
	stored := *row
	t.st.transactions[row.ID] = &stored
	t.st.txOrder = append(t.st.txOrder, row.ID)
	return nil
}

func (t *tx) GetTransaction(_ context.Context, id uuid.UUID) (*models.TicketTransaction, error) {
	return copyTransaction(t.st.transactions[id]), nil
}

func (t *tx) LockTransaction(ctx context.Context, id uuid.UUID) (*models.TicketTransaction, error) {
	return t.GetTransaction(ctx, id)
}

func (t *tx) UpdateCancellation(_ context.Context, row *models.TicketTransaction) error {
	stored, ok := t.st.transactions[row.ID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	stored.CancelledAt = row.CancelledAt
	stored.CancellationReason = row.CancellationReason
	stored.Notes = row.Notes
	return nil
}

func (t *tx) PaymentReferenceExists(_ context.Context, ref string) (bool, error) {
	for _, existing := range t.st.transactions {
		if existing.TransactionType == models.TransactionPurchase && existing.PaymentReference != nil &&
			*existing.PaymentReference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertBooking(_ context.Context, b *models.Booking) error {
	s := t.store
	s.bookingInserts++
	if s.failBookingAt > 0 && s.bookingInserts == s.failBookingAt {
		s.failBookingAt = 0
		return s.failBookingErr
	}
	now := s.now()
	b.ID = uuid.New()
	b.CreatedAt = now
	b.UpdatedAt = now
	t.st.bookings = append(t.st.bookings, *b)
	return nil
}

// Ledger returns the ledger view of the store.
func (s *Store) Ledger() ledger.Store { return ledgerStore{s} }

type ledgerStore struct{ s *Store }

func (l ledgerStore) InTx(_ context.Context, fn func(ledger.Tx) error) error {
	return l.s.inTx(func(t *tx) error { return fn(t) })
}

func (l ledgerStore) GetOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	return l.s.Organization(id), nil
}

func (l ledgerStore) ListTransactions(_ context.Context, orgID uuid.UUID, program string) ([]models.TicketTransaction, error) {
	var out []models.TicketTransaction
	l.s.locked(func(st *state) {
		for _, id := range st.txOrder {
			t := st.transactions[id]
			if t.OrganizationID != orgID || (program != "" && t.ProgramName != program) {
				continue
			}
			out = append(out, *copyTransaction(t))
		}
	})
	return out, nil
}

// Bookings returns the booking view of the store.
func (s *Store) Bookings() bookings.Store { return bookingStore{s} }

type bookingStore struct{ s *Store }

func (b bookingStore) InTx(_ context.Context, fn func(bookings.Tx) error) error {
	return b.s.inTx(func(t *tx) error { return fn(t) })
}

// Organizations returns the organization repository view of the store.
func (s *Store) Organizations() *Organizations { return &Organizations{s} }

// Organizations implements organization lookups and writes.
type Organizations struct{ s *Store }

func (o *Organizations) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	return o.s.Organization(id), nil
}

func (o *Organizations) GetByExternalAccountID(_ context.Context, accountID string) (*models.Organization, error) {
	var out *models.Organization
	o.s.locked(func(st *state) {
		for _, org := range st.orgs {
			if org.ExternalAccountID != nil && *org.ExternalAccountID == accountID {
				out = copyOrg(org)
				return
			}
		}
	})
	return out, nil
}

func (o *Organizations) Create(_ context.Context, org *models.Organization) error {
	o.s.PutOrganization(org)
	return nil
}

func (o *Organizations) RefreshExternal(_ context.Context, org *models.Organization) error {
	var err error
	o.s.locked(func(st *state) {
		stored, ok := st.orgs[org.ID]
		if !ok {
			err = ledger.ErrOrganizationNotFound
			return
		}
		stored.Name = org.Name
		stored.TrainingFundBalance = org.TrainingFundBalance
		stored.TrainingFundEligible = org.TrainingFundEligible
		stored.LastSynced = org.LastSynced
		stored.UpdatedAt = o.s.now()
		org.UpdatedAt = stored.UpdatedAt
	})
	return err
}

// PutOrganization inserts or replaces an organization, assigning an ID when missing.
func (s *Store) PutOrganization(org *models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.ProgramTicketBalances == nil {
		org.ProgramTicketBalances = models.TicketBalances{}
	}
	now := s.now()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = now
	s.state.orgs[org.ID] = copyOrg(org)
}

// Organization returns a copy of an organization, or nil.
func (s *Store) Organization(id uuid.UUID) *models.Organization {
	var out *models.Organization
	s.locked(func(st *state) { out = copyOrg(st.orgs[id]) })
	return out
}

// OrganizationCount returns the number of organizations.
func (s *Store) OrganizationCount() int {
	var n int
	s.locked(func(st *state) { n = len(st.orgs) })
	return n
}

// Members returns the member repository view of the store.
func (s *Store) Members() *Members { return &Members{s: s} }

// Members implements member, team member and role persistence.
type Members struct {
	s *Store
	// FailCreate makes CreateMember fail when set.
	FailCreate error
}

func (m *Members) GetTeamMemberByEmail(_ context.Context, email string) (*models.TeamMember, error) {
	var out *models.TeamMember
	m.s.locked(func(st *state) {
		if t, ok := st.teamMembers[strings.ToLower(email)]; ok {
			c := *t
			out = &c
		}
	})
	return out, nil
}

func (m *Members) GetMemberByEmail(_ context.Context, email string) (*models.Member, error) {
	return m.find(func(x *models.Member) bool { return strings.EqualFold(x.Email, email) }), nil
}

func (m *Members) GetMemberByExternalContactID(_ context.Context, contactID string) (*models.Member, error) {
	return m.find(func(x *models.Member) bool {
		return x.ExternalContactID != nil && *x.ExternalContactID == contactID
	}), nil
}

func (m *Members) find(match func(*models.Member) bool) *models.Member {
	var out *models.Member
	m.s.locked(func(st *state) {
		for _, x := range st.members {
			if match(x) {
				c := copyMember(x)
				out = &c
				return
			}
		}
	})
	return out
}

func (m *Members) CreateMember(_ context.Context, mem *models.Member) error {
	if m.FailCreate != nil {
		return m.FailCreate
	}
	var err error
	m.s.locked(func(st *state) {
		for _, x := range st.members {
			if strings.EqualFold(x.Email, mem.Email) {
				err = ErrDuplicate
				return
			}
		}
		now := m.s.now()
		mem.ID = uuid.New()
		mem.CreatedAt = now
		mem.UpdatedAt = now
		c := copyMember(mem)
		st.members[mem.ID] = &c
	})
	return err
}

func (m *Members) UpdateMemberIdentity(_ context.Context, mem *models.Member) error {
	var err error
	m.s.locked(func(st *state) {
		stored, ok := st.members[mem.ID]
		if !ok {
			err = errors.New("member not found")
			return
		}
		now := m.s.now()
		stored.Email = mem.Email
		stored.FirstName = mem.FirstName
		stored.LastName = mem.LastName
		stored.LastSynced = &now
		stored.UpdatedAt = now
		mem.LastSynced = &now
		mem.UpdatedAt = now
	})
	return err
}

func (m *Members) DefaultRoleID(_ context.Context) (*uuid.UUID, error) {
	var out *uuid.UUID
	m.s.locked(func(st *state) {
		for _, r := range st.roles {
			if r.IsDefault {
				id := r.ID
				out = &id
				return
			}
		}
	})
	return out, nil
}

// PutMember inserts a member as-is, assigning an ID when missing.
func (s *Store) PutMember(mem *models.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	c := copyMember(mem)
	s.state.members[mem.ID] = &c
}

// MemberCount returns the number of members.
func (s *Store) MemberCount() int {
	var n int
	s.locked(func(st *state) { n = len(st.members) })
	return n
}

// PutTeamMember inserts a team member.
func (s *Store) PutTeamMember(t *models.TeamMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	c := *t
	s.state.teamMembers[strings.ToLower(t.Email)] = &c
}

// PutRole inserts a role.
func (s *Store) PutRole(r models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.roles = append(s.state.roles, r)
}

// Events returns the event repository view of the store.
func (s *Store) Events() *Events { return &Events{s} }

// Events implements event lookups.
type Events struct{ s *Store }

func (e *Events) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	var out *models.Event
	e.s.locked(func(st *state) {
		if ev, ok := st.events[id]; ok {
			c := *ev
			out = &c
		}
	})
	return out, nil
}

// PutEvent inserts an event, assigning an ID when missing.
func (s *Store) PutEvent(ev *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	c := *ev
	s.state.events[ev.ID] = &c
}

// BookingsByReference returns committed booking rows of one group.
func (s *Store) BookingsByReference(ref string) []models.Booking {
	var out []models.Booking
	s.locked(func(st *state) {
		for _, b := range st.bookings {
			if b.BookingReference == ref {
				out = append(out, b)
			}
		}
	})
	return out
}

// BookingCount returns the number of committed booking rows.
func (s *Store) BookingCount() int {
	var n int
	s.locked(func(st *state) { n = len(st.bookings) })
	return n
}

// TransactionCount returns the number of committed ledger rows.
func (s *Store) TransactionCount() int {
	var n int
	s.locked(func(st *state) { n = len(st.transactions) })
	return n
}

// Discounts returns the discount code view of the store.
func (s *Store) Discounts() *Discounts { return &Discounts{s} }

// Discounts implements discount code lookups.
type Discounts struct{ s *Store }

func (d *Discounts) GetByCode(_ context.Context, code string) (*models.DiscountCode, error) {
	var out *models.DiscountCode
	d.s.locked(func(st *state) {
		if c, ok := st.discounts[strings.ToLower(code)]; ok {
			cp := *c
			out = &cp
		}
	})
	return out, nil
}

// PutDiscount inserts a discount code.
func (s *Store) PutDiscount(c *models.DiscountCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	s.state.discounts[strings.ToLower(c.Code)] = &cp
}

// Credentials returns the credential repository view of the store.
func (s *Store) Credentials() *Credentials { return &Credentials{s} }

// Credentials implements the credential store.
type Credentials struct{ s *Store }

func (c *Credentials) Get(_ context.Context, integration string) (*models.ExternalCredential, error) {
	var out *models.ExternalCredential
	c.s.locked(func(st *state) {
		if cred, ok := st.credentials[integration]; ok {
			cp := *cred
			out = &cp
		}
	})
	return out, nil
}

func (c *Credentials) UpdateIfUnchanged(_ context.Context, integration string, prevExpiresAt time.Time, next models.ExternalCredential) (bool, error) {
	var ok bool
	c.s.locked(func(st *state) {
		cur, found := st.credentials[integration]
		if !found || !cur.ExpiresAt.Equal(prevExpiresAt) {
			return
		}
		next.Integration = integration
		next.UpdatedAt = c.s.now()
		st.credentials[integration] = &next
		ok = true
	})
	return ok, nil
}

// PutCredential stores a credential row.
func (s *Store) PutCredential(cred models.ExternalCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.credentials[cred.Integration] = &cred
}

func copyOrg(o *models.Organization) *models.Organization {
	if o == nil {
		return nil
	}
	c := *o
	c.ProgramTicketBalances = o.ProgramTicketBalances.Clone()
	c.EmailDomains = append([]string(nil), o.EmailDomains...)
	return &c
}

func copyTransaction(t *models.TicketTransaction) *models.TicketTransaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyMember(m *models.Member) models.Member {
	c := *m
	c.ExcludedFeatures = append([]string(nil), m.ExcludedFeatures...)
	return c
}
