package sessionkit

import (
	"context"
	"time"
)

// ProfileStore persists durable profile rows. Implementations classify their
// failures as BackendError values so reconciliation can distinguish policy
// rejections from missing rows.
type ProfileStore interface {
	GetByID(ctx context.Context, profileID string) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	Upsert(ctx context.Context, profile *Profile) (*Profile, error)
	MarkEmailConfirmedByID(ctx context.Context, profileID string, confirmedAt time.Time) error
	MarkEmailConfirmedByEmail(ctx context.Context, email string, confirmedAt time.Time) error
}

// VerificationTokenStore persists fallback verification tokens.
type VerificationTokenStore interface {
	// Replace stores the token and removes any prior tokens for the same
	// email, preserving the at-most-one-active-token invariant.
	Replace(ctx context.Context, token *VerificationToken) error
	GetByTokenAndEmail(ctx context.Context, tokenValue string, email string) (*VerificationToken, error)
	MarkVerified(ctx context.Context, tokenID string, verifiedAt time.Time) error
}
