package organizations

import (
	"context"

	"github.com/google/uuid"

	"github.com/member-portal/backend/internal/models"
)

// Finder looks organizations up by either key.
type Finder interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	GetByExternalAccountID(ctx context.Context, accountID string) (*models.Organization, error)
}

// Resolve finds the organization a reference points at. Legacy member rows may hold an
// external account id in organization_id, so a local reference that matches no row is retried
// as an external account id before giving up. Returns nil when neither key matches.
func Resolve(ctx context.Context, f Finder, ref models.OrgRef) (*models.Organization, error) {
	switch ref.Kind {
	case models.OrgRefLocal:
		org, err := f.GetByID(ctx, ref.Local)
		if err != nil || org != nil {
			return org, err
		}
		return f.GetByExternalAccountID(ctx, ref.Local.String())
	case models.OrgRefExternal:
		return f.GetByExternalAccountID(ctx, ref.External)
	default:
		return nil, nil
	}
}

// ResolveString parses a raw identifier (local id or external account id) and resolves it.
func ResolveString(ctx context.Context, f Finder, raw string) (*models.Organization, error) {
	return Resolve(ctx, f, models.ParseOrgRef(raw))
}
