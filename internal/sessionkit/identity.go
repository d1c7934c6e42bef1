package sessionkit

import "time"

// Identity is the authenticated principal issued by the auth backend. It is
// never mutated in place; the backend replaces it wholesale on every state
// change.
type Identity struct {
	ID               string
	Email            string
	EmailConfirmedAt *time.Time
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
}

// Clone returns a copy so callers cannot mutate shared state.
func (identity *Identity) Clone() *Identity {
	if identity == nil {
		return nil
	}
	cloned := *identity
	if identity.EmailConfirmedAt != nil {
		confirmedAt := *identity.EmailConfirmedAt
		cloned.EmailConfirmedAt = &confirmedAt
	}
	return &cloned
}

// Profile is the durable per-identity record owned by the application domain.
// EmailConfirmed denormalizes the identity's confirmation state because the
// raw identity does not surface it to ordinary callers.
type Profile struct {
	ID             string
	Email          string
	FullName       string
	Username       string
	AvatarURL      string
	EmailConfirmed bool
	IsAdmin        bool
	UpdatedAt      time.Time
}

// Clone returns a copy of the profile.
func (profile *Profile) Clone() *Profile {
	if profile == nil {
		return nil
	}
	cloned := *profile
	return &cloned
}

// VerificationToken is the fallback-channel email confirmation token. At most
// one active token exists per email; creating a new one replaces prior ones.
type VerificationToken struct {
	ID         string
	Token      string
	Email      string
	ExpiresAt  time.Time
	VerifiedAt *time.Time
	CreatedAt  time.Time
}

// SessionState is the read surface consumed by UI callers.
type SessionState struct {
	Identity        *Identity
	Profile         *Profile
	IsLoading       bool
	IsAuthenticated bool
	IsAdmin         bool
}
