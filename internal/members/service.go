package members

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/member-portal/backend/internal/crm"
	"github.com/member-portal/backend/internal/models"
	"github.com/member-portal/backend/internal/organizations"
)

var (
	// ErrIdentityNotFound is returned when neither the local store nor the CRM knows the email.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrMemberCreateFailed is returned when a CRM contact could not be persisted as a member.
	ErrMemberCreateFailed = errors.New("member could not be created")
	// ErrValidation is returned for a missing email or organization id.
	ErrValidation = errors.New("validation failed")
)

// ColleagueStatus is the outcome of a colleague check.
type ColleagueStatus string

const (
	ColleagueVerified          ColleagueStatus = "verified"
	ColleagueWrongOrganization ColleagueStatus = "wrong_organization"
	ColleagueDomainMatch       ColleagueStatus = "domain_match"
	ColleagueExternal          ColleagueStatus = "external"
)

// RequiresReview reports whether a booking with this colleague needs manual review.
func (s ColleagueStatus) RequiresReview() bool {
	return s == ColleagueWrongOrganization || s == ColleagueExternal
}

// ColleagueResult is returned by ValidateColleague.
type ColleagueResult struct {
	Email          string          `json:"email"`
	Status         ColleagueStatus `json:"status"`
	RequiresReview bool            `json:"requires_review"`
	ContactID      string          `json:"contact_id,omitempty"`
}

// Store persists members, team members and roles.
type Store interface {
	GetTeamMemberByEmail(ctx context.Context, email string) (*models.TeamMember, error)
	GetMemberByEmail(ctx context.Context, email string) (*models.Member, error)
	GetMemberByExternalContactID(ctx context.Context, contactID string) (*models.Member, error)
	CreateMember(ctx context.Context, m *models.Member) error
	UpdateMemberIdentity(ctx context.Context, m *models.Member) error
	DefaultRoleID(ctx context.Context) (*uuid.UUID, error)
}

// Organizations is the organization store used during reconciliation.
type Organizations interface {
	organizations.Finder
	Create(ctx context.Context, org *models.Organization) error
	RefreshExternal(ctx context.Context, org *models.Organization) error
}

// TokenSource hands out a valid CRM access token.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}

// Directory is the CRM lookup surface.
type Directory interface {
	FindContactsByEmail(ctx context.Context, accessToken, email string) ([]crm.Contact, error)
	GetAccount(ctx context.Context, accessToken, accountID string) (*crm.Account, error)
}

// Service reconciles local identities with the CRM.
type Service struct {
	store     Store
	orgs      Organizations
	tokens    TokenSource
	directory Directory
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates the identity service.
func NewService(store Store, orgs Organizations, tokens TokenSource, directory Directory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, orgs: orgs, tokens: tokens, directory: directory, logger: logger, now: time.Now}
}

// ResolveMember maps an email to a member view, creating the member from the CRM on first sight.
func (s *Service) ResolveMember(ctx context.Context, email string) (*models.MemberView, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}

	tm, err := s.store.GetTeamMemberByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get team member: %w", err)
	}
	if tm != nil {
		return &models.MemberView{
			Email:            tm.Email,
			FirstName:        tm.FirstName,
			LastName:         tm.LastName,
			TicketBalances:   models.TicketBalances{},
			RoleID:           tm.RoleID,
			ExcludedFeatures: []string{},
			IsTeamMember:     true,
		}, nil
	}

	m, err := s.store.GetMemberByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	if m == nil {
		if m, err = s.reconcile(ctx, email); err != nil {
			return nil, err
		}
	}
	return s.view(ctx, m)
}

// reconcile creates or merges a member from the CRM contact matching email.
func (s *Service) reconcile(ctx context.Context, email string) (*models.Member, error) {
	token, err := s.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	contacts, err := s.directory.FindContactsByEmail(ctx, token, email)
	if err != nil && !errors.Is(err, crm.ErrMalformedResponse) {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	if len(contacts) == 0 {
		return nil, ErrIdentityNotFound
	}
	contact := contacts[0]

	existing, err := s.store.GetMemberByExternalContactID(ctx, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("get member by contact: %w", err)
	}
	if existing != nil {
		existing.Email = email
		existing.FirstName = firstNonEmpty(contact.FirstName, existing.FirstName)
		existing.LastName = firstNonEmpty(contact.LastName, existing.LastName)
		if err := s.store.UpdateMemberIdentity(ctx, existing); err != nil {
			return nil, fmt.Errorf("merge member: %w", err)
		}
		s.logger.Info("member merged from crm contact",
			zap.String("member_id", existing.ID.String()),
			zap.String("contact_id", contact.ID),
		)
		return existing, nil
	}

	org, err := s.syncOrganization(ctx, token, contact.AccountID())
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	contactID := contact.ID
	m := &models.Member{
		Email:             email,
		FirstName:         contact.FirstName,
		LastName:          contact.LastName,
		ExternalContactID: &contactID,
		ExcludedFeatures:  []string{},
		LastSynced:        &now,
	}
	if org != nil {
		m.Organization = models.LocalOrgRef(org.ID)
	}
	if m.RoleID, err = s.store.DefaultRoleID(ctx); err != nil {
		return nil, fmt.Errorf("%w: default role: %v", ErrMemberCreateFailed, err)
	}
	if err := s.store.CreateMember(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemberCreateFailed, err)
	}
	s.logger.Info("member created from crm contact",
		zap.String("member_id", m.ID.String()),
		zap.String("contact_id", contact.ID),
		zap.String("organization", m.Organization.String()),
	)
	return m, nil
}

// syncOrganization finds or creates the organization for a CRM account and refreshes its cached
// training-fund fields. Returns nil when the contact has no usable account.
func (s *Service) syncOrganization(ctx context.Context, token, accountID string) (*models.Organization, error) {
	if accountID == "" {
		return nil, nil
	}
	org, err := s.orgs.GetByExternalAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get organization by account: %w", err)
	}

	account, err := s.directory.GetAccount(ctx, token, accountID)
	if err != nil {
		if org != nil {
			s.logger.Warn("organization refresh skipped", zap.String("account_id", accountID), zap.Error(err))
			return org, nil
		}
		if errors.Is(err, crm.ErrAccountNotFound) {
			s.logger.Warn("contact account missing in crm", zap.String("account_id", accountID))
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	now := s.now().UTC()
	if org != nil {
		org.Name = firstNonEmpty(account.Name, org.Name)
		org.TrainingFundBalance = account.TrainingFundBalance
		org.TrainingFundEligible = account.TrainingFundEligible
		org.LastSynced = &now
		if err := s.orgs.RefreshExternal(ctx, org); err != nil {
			return nil, fmt.Errorf("refresh organization: %w", err)
		}
		return org, nil
	}

	ext := accountID
	org = &models.Organization{
		Name:                  account.Name,
		ExternalAccountID:     &ext,
		EmailDomains:          []string{},
		ProgramTicketBalances: models.TicketBalances{},
		TrainingFundBalance:   account.TrainingFundBalance,
		TrainingFundEligible:  account.TrainingFundEligible,
		LastSynced:            &now,
	}
	if err := s.orgs.Create(ctx, org); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

func (s *Service) view(ctx context.Context, m *models.Member) (*models.MemberView, error) {
	id := m.ID
	v := &models.MemberView{
		MemberID:            &id,
		Email:               m.Email,
		FirstName:           m.FirstName,
		LastName:            m.LastName,
		TicketBalances:      models.TicketBalances{},
		RoleID:              m.RoleID,
		ExcludedFeatures:    m.ExcludedFeatures,
		OnboardingCompleted: m.OnboardingCompleted,
		OrganizationRef:     m.Organization.String(),
	}
	if v.ExcludedFeatures == nil {
		v.ExcludedFeatures = []string{}
	}
	org, err := organizations.Resolve(ctx, s.orgs, m.Organization)
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}
	if org != nil {
		orgID := org.ID
		v.OrganizationID = &orgID
		v.OrganizationName = org.Name
		v.TicketBalances = org.ProgramTicketBalances.Clone()
	} else if !m.Organization.IsZero() {
		s.logger.Warn("member organization reference does not resolve",
			zap.String("member_id", m.ID.String()),
			zap.String("organization", m.Organization.String()),
		)
	}
	return v, nil
}

// ValidateColleague checks whether email belongs to the organization identified by organizationID
// (a local id or an external account id).
func (s *Service) ValidateColleague(ctx context.Context, email, organizationID string) (*ColleagueResult, error) {
	email = NormalizeEmail(email)
	organizationID = strings.TrimSpace(organizationID)
	if email == "" || organizationID == "" {
		return nil, fmt.Errorf("%w: email and organization_id are required", ErrValidation)
	}
	// org stays nil when the account is only known to the CRM; it then has no domains.
	org, err := organizations.ResolveString(ctx, s.orgs, organizationID)
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}

	token, err := s.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	contacts, err := s.directory.FindContactsByEmail(ctx, token, email)
	if err != nil {
		if !errors.Is(err, crm.ErrMalformedResponse) {
			return nil, fmt.Errorf("search contacts: %w", err)
		}
		contacts = nil
	}

	res := &ColleagueResult{Email: email}
	if len(contacts) > 0 {
		c := contacts[0]
		res.ContactID = c.ID
		if accountMatches(c.AccountID(), organizationID, org) {
			res.Status = ColleagueVerified
		} else {
			res.Status = ColleagueWrongOrganization
		}
	} else if org != nil && org.HasEmailDomain(EmailDomain(email)) {
		res.Status = ColleagueDomainMatch
	} else {
		res.Status = ColleagueExternal
	}
	res.RequiresReview = res.Status.RequiresReview()

	if res.RequiresReview {
		s.logger.Info("colleague requires review",
			zap.String("email", email),
			zap.String("organization_id", organizationID),
			zap.String("status", string(res.Status)),
		)
	}
	return res, nil
}

func accountMatches(accountID, requested string, org *models.Organization) bool {
	if accountID == "" {
		return false
	}
	if accountID == requested {
		return true
	}
	return org != nil && org.ExternalAccountID != nil && *org.ExternalAccountID == accountID
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain returns the part after the last "@", or "".
func EmailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return email[i+1:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
