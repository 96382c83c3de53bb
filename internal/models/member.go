package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a member role; exactly one role is flagged as the default for new members.
type Role struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IsDefault bool      `json:"is_default"`
}

// Member is a person belonging to a member organization.
type Member struct {
	ID                  uuid.UUID  `json:"id"`
	Email               string     `json:"email"`
	FirstName           string     `json:"first_name"`
	LastName            string     `json:"last_name"`
	Organization        OrgRef     `json:"-"`
	ExternalContactID   *string    `json:"external_contact_id,omitempty"`
	RoleID              *uuid.UUID `json:"role_id,omitempty"`
	ExcludedFeatures    []string   `json:"excluded_features"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	LastSynced          *time.Time `json:"last_synced,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TeamMember is administrative staff; team members resolve without an organization.
type TeamMember struct {
	ID        uuid.UUID  `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	RoleID    *uuid.UUID `json:"role_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// MemberView is the resolved identity returned to callers.
type MemberView struct {
	MemberID            *uuid.UUID     `json:"member_id,omitempty"`
	Email               string         `json:"email"`
	FirstName           string         `json:"first_name"`
	LastName            string         `json:"last_name"`
	OrganizationID      *uuid.UUID     `json:"organization_id,omitempty"`
	OrganizationName    string         `json:"organization_name,omitempty"`
	OrganizationRef     string         `json:"-"`
	TicketBalances      TicketBalances `json:"program_ticket_balances"`
	RoleID              *uuid.UUID     `json:"role_id,omitempty"`
	ExcludedFeatures    []string       `json:"excluded_features"`
	OnboardingCompleted bool           `json:"onboarding_completed"`
	IsTeamMember        bool           `json:"is_team_member"`
}
