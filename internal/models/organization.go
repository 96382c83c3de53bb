package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TicketBalances maps a program tag to the number of unused program tickets.
type TicketBalances map[string]int

// Get returns the balance for a program, 0 when the program has never been seen.
func (b TicketBalances) Get(program string) int {
	if b == nil {
		return 0
	}
	return b[program]
}

// Clone returns a copy safe to mutate.
func (b TicketBalances) Clone() TicketBalances {
	out := make(TicketBalances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Organization is a member organization holding the program ticket balances.
type Organization struct {
	ID                    uuid.UUID       `json:"id"`
	Name                  string          `json:"name"`
	ExternalAccountID     *string         `json:"external_account_id,omitempty"`
	EmailDomains          []string        `json:"email_domains"`
	ProgramTicketBalances TicketBalances  `json:"program_ticket_balances"`
	TrainingFundBalance   decimal.Decimal `json:"training_fund_balance"`
	TrainingFundEligible  bool            `json:"training_fund_eligible"`
	LastSynced            *time.Time      `json:"last_synced,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// HasEmailDomain reports whether domain is one of the organization's registered email domains.
func (o *Organization) HasEmailDomain(domain string) bool {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return false
	}
	for _, d := range o.EmailDomains {
		if strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(d), "@"), domain) {
			return true
		}
	}
	return false
}

// OrgRefKind tells which identifier an OrgRef carries.
type OrgRefKind int

const (
	OrgRefNone OrgRefKind = iota
	OrgRefLocal
	OrgRefExternal
)

// OrgRef is the organization reference held by a member. Historic rows store either a local
// organization id or an external account id in the same column; ParseOrgRef classifies it once.
type OrgRef struct {
	Kind     OrgRefKind
	Local    uuid.UUID
	External string
}

// LocalOrgRef references an organization by local id.
func LocalOrgRef(id uuid.UUID) OrgRef {
	return OrgRef{Kind: OrgRefLocal, Local: id}
}

// ExternalOrgRef references an organization by its external account id.
func ExternalOrgRef(accountID string) OrgRef {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return OrgRef{}
	}
	return OrgRef{Kind: OrgRefExternal, External: accountID}
}

// ParseOrgRef classifies a stored organization_id value.
func ParseOrgRef(raw string) OrgRef {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return OrgRef{}
	}
	if id, err := uuid.Parse(raw); err == nil {
		return LocalOrgRef(id)
	}
	return ExternalOrgRef(raw)
}

// IsZero reports whether the reference points nowhere.
func (r OrgRef) IsZero() bool { return r.Kind == OrgRefNone }

// String returns the value persisted in members.organization_id.
func (r OrgRef) String() string {
	switch r.Kind {
	case OrgRefLocal:
		return r.Local.String()
	case OrgRefExternal:
		return r.External
	default:
		return ""
	}
}
