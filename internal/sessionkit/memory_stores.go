package sessionkit

import (
	"context"
	"sync"
	"time"
)

// MemoryProfileStore is an in-memory ProfileStore intended for tests and dev.
type MemoryProfileStore struct {
	mutex   sync.Mutex
	byID    map[string]*Profile
	byEmail map[string]string
}

// NewMemoryProfileStore creates an empty in-memory profile store.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		byID:    make(map[string]*Profile),
		byEmail: make(map[string]string),
	}
}

// GetByID returns the profile with the given id.
func (store *MemoryProfileStore) GetByID(ctx context.Context, profileID string) (*Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	profile, ok := store.byID[profileID]
	if !ok {
		return nil, NewBackendError(KindNotFound, "profile_store.not_found", "no profile for id", nil)
	}
	return profile.Clone(), nil
}

// GetByEmail returns the profile with the given email.
func (store *MemoryProfileStore) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	profileID, ok := store.byEmail[email]
	if !ok {
		return nil, NewBackendError(KindNotFound, "profile_store.not_found", "no profile for email", nil)
	}
	return store.byID[profileID].Clone(), nil
}

// Upsert inserts or replaces the profile keyed by id.
func (store *MemoryProfileStore) Upsert(ctx context.Context, profile *Profile) (*Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored := profile.Clone()
	if existing, ok := store.byID[stored.ID]; ok && existing.Email != stored.Email {
		delete(store.byEmail, existing.Email)
	}
	store.byID[stored.ID] = stored
	store.byEmail[stored.Email] = stored.ID
	return stored.Clone(), nil
}

// MarkEmailConfirmedByID flips the confirmation flag for the given id.
func (store *MemoryProfileStore) MarkEmailConfirmedByID(ctx context.Context, profileID string, confirmedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	profile, ok := store.byID[profileID]
	if !ok {
		return NewBackendError(KindNotFound, "profile_store.not_found", "no profile for id", nil)
	}
	profile.EmailConfirmed = true
	profile.UpdatedAt = confirmedAt
	return nil
}

// MarkEmailConfirmedByEmail flips the confirmation flag for the given email.
func (store *MemoryProfileStore) MarkEmailConfirmedByEmail(ctx context.Context, email string, confirmedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	profileID, ok := store.byEmail[email]
	if !ok {
		return NewBackendError(KindNotFound, "profile_store.not_found", "no profile for email", nil)
	}
	profile := store.byID[profileID]
	profile.EmailConfirmed = true
	profile.UpdatedAt = confirmedAt
	return nil
}

// Count returns the number of stored profiles.
func (store *MemoryProfileStore) Count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.byID)
}

// MemoryVerificationTokenStore is an in-memory VerificationTokenStore
// intended for tests and dev. One record per email, matching the
// at-most-one-active-token invariant structurally.
type MemoryVerificationTokenStore struct {
	mutex   sync.Mutex
	byEmail map[string]*VerificationToken
}

// NewMemoryVerificationTokenStore creates an empty in-memory token store.
func NewMemoryVerificationTokenStore() *MemoryVerificationTokenStore {
	return &MemoryVerificationTokenStore{byEmail: make(map[string]*VerificationToken)}
}

// Replace stores the token, discarding any prior token for the email.
func (store *MemoryVerificationTokenStore) Replace(ctx context.Context, token *VerificationToken) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	cloned := *token
	store.byEmail[token.Email] = &cloned
	return nil
}

// GetByTokenAndEmail returns the record matching both values exactly.
func (store *MemoryVerificationTokenStore) GetByTokenAndEmail(ctx context.Context, tokenValue string, email string) (*VerificationToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byEmail[email]
	if !ok || record.Token != tokenValue {
		return nil, NewBackendError(KindNotFound, "token_store.not_found", "no token for email", nil)
	}
	cloned := *record
	return &cloned, nil
}

// MarkVerified stamps the record with the verification time.
func (store *MemoryVerificationTokenStore) MarkVerified(ctx context.Context, tokenID string, verifiedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, record := range store.byEmail {
		if record.ID == tokenID {
			stamped := verifiedAt
			record.VerifiedAt = &stamped
			return nil
		}
	}
	return NewBackendError(KindNotFound, "token_store.not_found", "no token for id", nil)
}

// ActiveToken returns the current token for the email, or nil.
func (store *MemoryVerificationTokenStore) ActiveToken(email string) *VerificationToken {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byEmail[email]
	if !ok {
		return nil
	}
	cloned := *record
	return &cloned
}
