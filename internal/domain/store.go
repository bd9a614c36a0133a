package domain

import (
	"context"
	"time"
)

// ActivityStore captures the document operations the ingestion core needs.
type ActivityStore interface {
	// FindByExternalID returns the activity whose external id field equals value, or nil.
	FindByExternalID(ctx context.Context, field, value string) (*ActivityDocument, error)
	// InsertActivity persists doc and returns its id. Returns ErrDuplicateExternalID on an external id collision.
	InsertActivity(ctx context.Context, doc ActivityDocument) (string, error)
	GetActivity(ctx context.Context, id string) (*ActivityDocument, error)
	ListActivities(ctx context.Context, filter ActivityFilter, cursor *Cursor, limit int) ([]ActivityDocument, *Cursor, error)
}

// TotalsStore owns the transactional accumulate path for UserTotals.
type TotalsStore interface {
	// UpdateUserTotals runs mutate inside a read-modify-write transaction keyed by identity.
	// Absent totals are passed to mutate as the zero value with Identity set.
	UpdateUserTotals(ctx context.Context, identity string, mutate func(UserTotals) UserTotals) error
	GetUserTotals(ctx context.Context, identity string) (*UserTotals, error)
}

// Store is the full document store surface.
type Store interface {
	ActivityStore
	TotalsStore
}

// Credential families group providers that share one OAuth grant.
const (
	FamilyGoogle    = "google"
	FamilyMicrosoft = "microsoft"
)

// Credential is a stored provider access credential owned by the OAuth subsystem.
type Credential struct {
	UserID       string
	UserEmail    string
	Family       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Expired reports whether the credential has an expiry that is not after now.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// CredentialResolver looks up stored credentials by user id or email.
type CredentialResolver interface {
	// ResolveCredential returns nil, nil when no credential exists.
	ResolveCredential(ctx context.Context, identity, family string) (*Credential, error)
	// ListIdentities returns the user ids holding a credential for family.
	ListIdentities(ctx context.Context, family string) ([]string, error)
}
