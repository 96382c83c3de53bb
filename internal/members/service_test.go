package members_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/member-portal/backend/internal/credentials"
	"github.com/member-portal/backend/internal/crm"
	"github.com/member-portal/backend/internal/members"
	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/internal/store/memory"
)

type staticToken struct {
	token string
	err   error
	calls int32
}

func (s *staticToken) GetValidAccessToken(context.Context) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.token, s.err
}

type fakeDirectory struct {
	contacts  map[string][]crm.Contact
	accounts  map[string]*crm.Account
	searchErr error
	searches  int32
}

func (d *fakeDirectory) FindContactsByEmail(_ context.Context, token, email string) ([]crm.Contact, error) {
	atomic.AddInt32(&d.searches, 1)
	if token != "tok" {
		return nil, errors.New("unexpected token " + token)
	}
	if d.searchErr != nil {
		return nil, d.searchErr
	}
	return d.contacts[strings.ToLower(email)], nil
}

func (d *fakeDirectory) GetAccount(_ context.Context, _ string, id string) (*crm.Account, error) {
	a, ok := d.accounts[id]
	if !ok {
		return nil, crm.ErrAccountNotFound
	}
	return a, nil
}

type fixture struct {
	store   *memory.Store
	members *memory.Members
	tokens  *staticToken
	dir     *fakeDirectory
	svc     *members.Service
	roleID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		tokens: &staticToken{token: "tok"},
		dir:    &fakeDirectory{contacts: map[string][]crm.Contact{}, accounts: map[string]*crm.Account{}},
		roleID: uuid.New(),
	}
	f.store.PutRole(models.Role{ID: uuid.New(), Name: "admin"})
	f.store.PutRole(models.Role{ID: f.roleID, Name: "member", IsDefault: true})
	f.members = f.store.Members()
	f.svc = members.NewService(f.members, f.store.Organizations(), f.tokens, f.dir, nil)
	return f
}

func TestResolveMember_TeamMemberShortCircuits(t *testing.T) {
	// GIVEN: staff@portal.test is a team member
	// WHEN: it is resolved
	// THEN: the view is flagged as team member and the CRM is never asked
	f := newFixture(t)
	f.store.PutTeamMember(&models.TeamMember{Email: "staff@portal.test", FirstName: "Sam"})

	v, err := f.svc.ResolveMember(context.Background(), "  Staff@Portal.test ")
	require.NoError(t, err)
	assert.True(t, v.IsTeamMember)
	assert.Equal(t, "Sam", v.FirstName)
	assert.Nil(t, v.OrganizationID)
	assert.Zero(t, atomic.LoadInt32(&f.tokens.calls))
}

func TestResolveMember_ExistingMemberLocalAndLegacyRef(t *testing.T) {
	f := newFixture(t)
	ext := "ACC-9"
	org := &models.Organization{Name: "Acme", ExternalAccountID: &ext, ProgramTicketBalances: models.TicketBalances{"LEAD": 5}}
	f.store.PutOrganization(org)
	f.store.PutMember(&models.Member{Email: "a@acme.org", FirstName: "Ana", Organization: models.LocalOrgRef(org.ID)})
	f.store.PutMember(&models.Member{Email: "b@acme.org", FirstName: "Bo", Organization: models.ExternalOrgRef(ext)})
	ctx := context.Background()

	for _, email := range []string{"a@acme.org", "B@acme.org"} {
		v, err := f.svc.ResolveMember(ctx, email)
		require.NoError(t, err, email)
		require.NotNil(t, v.OrganizationID, email)
		assert.Equal(t, org.ID, *v.OrganizationID)
		assert.Equal(t, "Acme", v.OrganizationName)
		assert.Equal(t, 5, v.TicketBalances["LEAD"])
		assert.False(t, v.IsTeamMember)
	}
	assert.Zero(t, atomic.LoadInt32(&f.dir.searches))
}

func TestResolveMember_CreatesFromCRM(t *testing.T) {
	// GIVEN: an unknown email whose CRM contact belongs to an account with no local organization
	// WHEN: it is resolved
	// THEN: the organization and member are created, linked locally, with the default role
	f := newFixture(t)
	f.dir.contacts["new@globex.com"] = []crm.Contact{{
		ID: "C-1", Email: "new@globex.com", FirstName: "Nia", LastName: "Kay",
		Account: &crm.AccountRef{ID: "ACC-1"},
	}}
	f.dir.accounts["ACC-1"] = &crm.Account{ID: "ACC-1", Name: "Globex", TrainingFundBalance: decimal.NewFromInt(1200), TrainingFundEligible: true}

	v, err := f.svc.ResolveMember(context.Background(), "new@globex.com")
	require.NoError(t, err)
	require.NotNil(t, v.MemberID)
	require.NotNil(t, v.OrganizationID)
	assert.Equal(t, "Globex", v.OrganizationName)
	assert.Equal(t, "Nia", v.FirstName)
	require.NotNil(t, v.RoleID)
	assert.Equal(t, f.roleID, *v.RoleID)
	assert.Equal(t, v.OrganizationID.String(), v.OrganizationRef)

	org := f.store.Organization(*v.OrganizationID)
	require.NotNil(t, org)
	assert.True(t, org.TrainingFundEligible)
	assert.True(t, org.TrainingFundBalance.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, 1, f.store.MemberCount())

	// second call is served locally
	_, err = f.svc.ResolveMember(context.Background(), "new@globex.com")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.dir.searches))
}

func TestResolveMember_RefreshesExistingOrganization(t *testing.T) {
	f := newFixture(t)
	ext := "ACC-2"
	org := &models.Organization{Name: "Old Name", ExternalAccountID: &ext, ProgramTicketBalances: models.TicketBalances{"LEAD": 2}}
	f.store.PutOrganization(org)
	f.dir.contacts["x@initech.com"] = []crm.Contact{{ID: "C-2", Email: "x@initech.com", Account: &crm.AccountRef{ID: ext}}}
	f.dir.accounts[ext] = &crm.Account{ID: ext, Name: "Initech", TrainingFundBalance: decimal.NewFromInt(50)}

	v, err := f.svc.ResolveMember(context.Background(), "x@initech.com")
	require.NoError(t, err)
	assert.Equal(t, org.ID, *v.OrganizationID)
	assert.Equal(t, "Initech", v.OrganizationName)
	assert.Equal(t, 2, v.TicketBalances["LEAD"])
	assert.Equal(t, 1, f.store.OrganizationCount())
}

func TestResolveMember_MergesByContactID(t *testing.T) {
	// GIVEN: a member already linked to contact C-3 under an old email
	// WHEN: the contact's new email is resolved
	// THEN: the existing member is updated in place instead of duplicated
	f := newFixture(t)
	contactID := "C-3"
	f.store.PutMember(&models.Member{Email: "old@acme.org", FirstName: "Old", ExternalContactID: &contactID})
	f.dir.contacts["new@acme.org"] = []crm.Contact{{ID: contactID, Email: "new@acme.org", FirstName: "Renamed"}}

	v, err := f.svc.ResolveMember(context.Background(), "new@acme.org")
	require.NoError(t, err)
	assert.Equal(t, "new@acme.org", v.Email)
	assert.Equal(t, "Renamed", v.FirstName)
	assert.Equal(t, 1, f.store.MemberCount())
	assert.Nil(t, v.OrganizationID)
}

func TestResolveMember_Failures(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	_, err := f.svc.ResolveMember(ctx, " ")
	assert.ErrorIs(t, err, members.ErrValidation)

	_, err = f.svc.ResolveMember(ctx, "ghost@nowhere.test")
	assert.ErrorIs(t, err, members.ErrIdentityNotFound)

	f.dir.searchErr = crm.ErrMalformedResponse
	_, err = f.svc.ResolveMember(ctx, "ghost@nowhere.test")
	assert.ErrorIs(t, err, members.ErrIdentityNotFound)

	f = newFixture(t)
	f.tokens.err = credentials.ErrCredentialUnavailable
	_, err = f.svc.ResolveMember(ctx, "ghost@nowhere.test")
	assert.ErrorIs(t, err, credentials.ErrCredentialUnavailable)

	f = newFixture(t)
	f.dir.contacts["z@zeta.io"] = []crm.Contact{{ID: "C-9", Email: "z@zeta.io"}}
	f.members.FailCreate = errors.New("unique violation")
	_, err = f.svc.ResolveMember(ctx, "z@zeta.io")
	assert.ErrorIs(t, err, members.ErrMemberCreateFailed)
}

func TestValidateColleague(t *testing.T) {
	f := newFixture(t)
	ext := "ACC-7"
	org := &models.Organization{Name: "Example", ExternalAccountID: &ext, EmailDomains: []string{"Example.org"}}
	f.store.PutOrganization(org)
	f.dir.contacts["in@example.org"] = []crm.Contact{{ID: "C-in", Email: "in@example.org", Account: &crm.AccountRef{ID: ext}}}
	f.dir.contacts["out@example.org"] = []crm.Contact{{ID: "C-out", Email: "out@example.org", Account: &crm.AccountRef{ID: "ACC-other"}}}
	ctx := context.Background()

	cases := []struct {
		email  string
		orgRef string
		status members.ColleagueStatus
		review bool
	}{
		{"in@example.org", ext, members.ColleagueVerified, false},
		{"in@example.org", org.ID.String(), members.ColleagueVerified, false},
		{"out@example.org", ext, members.ColleagueWrongOrganization, true},
		{"person@example.org", ext, members.ColleagueDomainMatch, false},
		{"person@EXAMPLE.org", org.ID.String(), members.ColleagueDomainMatch, false},
		{"person@other.com", ext, members.ColleagueExternal, true},
	}
	for _, tc := range cases {
		res, err := f.svc.ValidateColleague(ctx, tc.email, tc.orgRef)
		require.NoError(t, err, tc.email)
		assert.Equal(t, tc.status, res.Status, tc.email)
		assert.Equal(t, tc.review, res.RequiresReview, tc.email)
	}

	_, err := f.svc.ValidateColleague(ctx, "", ext)
	assert.ErrorIs(t, err, members.ErrValidation)
}

func TestValidateColleague_AccountKnownOnlyToCRM(t *testing.T) {
	// GIVEN: an account with no local organization row
	// WHEN: colleagues are validated against its external account id
	// THEN: the CRM decides verified vs wrong_organization and unmatched emails are external
	f := newFixture(t)
	f.dir.contacts["in@remote.org"] = []crm.Contact{{ID: "C-1", Email: "in@remote.org", Account: &crm.AccountRef{ID: "ACC-REMOTE"}}}
	f.dir.contacts["out@remote.org"] = []crm.Contact{{ID: "C-2", Email: "out@remote.org", Account: &crm.AccountRef{ID: "ACC-ELSE"}}}
	ctx := context.Background()

	res, err := f.svc.ValidateColleague(ctx, "in@remote.org", "ACC-REMOTE")
	require.NoError(t, err)
	assert.Equal(t, members.ColleagueVerified, res.Status)
	assert.Equal(t, "C-1", res.ContactID)

	res, err = f.svc.ValidateColleague(ctx, "out@remote.org", "ACC-REMOTE")
	require.NoError(t, err)
	assert.Equal(t, members.ColleagueWrongOrganization, res.Status)

	res, err = f.svc.ValidateColleague(ctx, "person@remote.org", "ACC-REMOTE")
	require.NoError(t, err)
	assert.Equal(t, members.ColleagueExternal, res.Status)
	assert.True(t, res.RequiresReview)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.dir.searches))
}

func TestValidateColleague_MalformedBodyIsNoMatch(t *testing.T) {
	f := newFixture(t)
	org := &models.Organization{Name: "Example", EmailDomains: []string{"example.org"}}
	f.store.PutOrganization(org)
	f.dir.searchErr = crm.ErrMalformedResponse

	res, err := f.svc.ValidateColleague(context.Background(), "person@example.org", org.ID.String())
	require.NoError(t, err)
	assert.Equal(t, members.ColleagueDomainMatch, res.Status)
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "example.org", members.EmailDomain("a@example.org"))
	assert.Equal(t, "", members.EmailDomain("no-at-sign"))
	assert.Equal(t, "", members.EmailDomain("trailing@"))
}
