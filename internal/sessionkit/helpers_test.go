package sessionkit

import (
	"context"
	"sync"
	"time"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(delta)
}

// stubAuthBackend overrides individual AuthBackend operations; everything
// left nil behaves as an empty, always-successful backend.
type stubAuthBackend struct {
	signUp             func(ctx context.Context, email string, password string, metadata map[string]string) (*Identity, error)
	signInWithPassword func(ctx context.Context, email string, password string) (*Identity, error)
	signInWithIDToken  func(ctx context.Context, provider string, rawIDToken string) (*Identity, error)
	signOut            func(ctx context.Context) error
	getSession         func(ctx context.Context) (*Identity, error)
	refreshSession     func(ctx context.Context) (*Identity, error)
	resendConfirmation func(ctx context.Context, email string) error
	resetPassword      func(ctx context.Context, email string) error
	updatePassword     func(ctx context.Context, newPassword string) error
	adminConfirmEmail  func(ctx context.Context, email string) error
	onAuthStateChange  func(listener func(identity *Identity)) func()
}

func (backend *stubAuthBackend) SignUp(ctx context.Context, email string, password string, metadata map[string]string) (*Identity, error) {
	if backend.signUp != nil {
		return backend.signUp(ctx, email, password, metadata)
	}
	return nil, nil
}

func (backend *stubAuthBackend) SignInWithPassword(ctx context.Context, email string, password string) (*Identity, error) {
	if backend.signInWithPassword != nil {
		return backend.signInWithPassword(ctx, email, password)
	}
	return nil, nil
}

func (backend *stubAuthBackend) SignInWithIDToken(ctx context.Context, provider string, rawIDToken string) (*Identity, error) {
	if backend.signInWithIDToken != nil {
		return backend.signInWithIDToken(ctx, provider, rawIDToken)
	}
	return nil, nil
}

func (backend *stubAuthBackend) SignOut(ctx context.Context) error {
	if backend.signOut != nil {
		return backend.signOut(ctx)
	}
	return nil
}

func (backend *stubAuthBackend) GetSession(ctx context.Context) (*Identity, error) {
	if backend.getSession != nil {
		return backend.getSession(ctx)
	}
	return nil, nil
}

func (backend *stubAuthBackend) RefreshSession(ctx context.Context) (*Identity, error) {
	if backend.refreshSession != nil {
		return backend.refreshSession(ctx)
	}
	return nil, nil
}

func (backend *stubAuthBackend) ResendSignupConfirmation(ctx context.Context, email string) error {
	if backend.resendConfirmation != nil {
		return backend.resendConfirmation(ctx, email)
	}
	return nil
}

func (backend *stubAuthBackend) ResetPasswordForEmail(ctx context.Context, email string) error {
	if backend.resetPassword != nil {
		return backend.resetPassword(ctx, email)
	}
	return nil
}

func (backend *stubAuthBackend) UpdatePassword(ctx context.Context, newPassword string) error {
	if backend.updatePassword != nil {
		return backend.updatePassword(ctx, newPassword)
	}
	return nil
}

func (backend *stubAuthBackend) AdminConfirmEmail(ctx context.Context, email string) error {
	if backend.adminConfirmEmail != nil {
		return backend.adminConfirmEmail(ctx, email)
	}
	return nil
}

func (backend *stubAuthBackend) OnAuthStateChange(listener func(identity *Identity)) func() {
	if backend.onAuthStateChange != nil {
		return backend.onAuthStateChange(listener)
	}
	return func() {}
}

// stubProfileStore overrides individual ProfileStore operations; everything
// left nil delegates to the inner memory store.
type stubProfileStore struct {
	inner *MemoryProfileStore

	getByID              func(ctx context.Context, profileID string) (*Profile, error)
	getByEmail           func(ctx context.Context, email string) (*Profile, error)
	upsert               func(ctx context.Context, profile *Profile) (*Profile, error)
	markConfirmedByID    func(ctx context.Context, profileID string, confirmedAt time.Time) error
	markConfirmedByEmail func(ctx context.Context, email string, confirmedAt time.Time) error
}

func newStubProfileStore() *stubProfileStore {
	return &stubProfileStore{inner: NewMemoryProfileStore()}
}

func (store *stubProfileStore) GetByID(ctx context.Context, profileID string) (*Profile, error) {
	if store.getByID != nil {
		return store.getByID(ctx, profileID)
	}
	return store.inner.GetByID(ctx, profileID)
}

func (store *stubProfileStore) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	if store.getByEmail != nil {
		return store.getByEmail(ctx, email)
	}
	return store.inner.GetByEmail(ctx, email)
}

func (store *stubProfileStore) Upsert(ctx context.Context, profile *Profile) (*Profile, error) {
	if store.upsert != nil {
		return store.upsert(ctx, profile)
	}
	return store.inner.Upsert(ctx, profile)
}

func (store *stubProfileStore) MarkEmailConfirmedByID(ctx context.Context, profileID string, confirmedAt time.Time) error {
	if store.markConfirmedByID != nil {
		return store.markConfirmedByID(ctx, profileID, confirmedAt)
	}
	return store.inner.MarkEmailConfirmedByID(ctx, profileID, confirmedAt)
}

func (store *stubProfileStore) MarkEmailConfirmedByEmail(ctx context.Context, email string, confirmedAt time.Time) error {
	if store.markConfirmedByEmail != nil {
		return store.markConfirmedByEmail(ctx, email, confirmedAt)
	}
	return store.inner.MarkEmailConfirmedByEmail(ctx, email, confirmedAt)
}

type fakeGoogleValidator struct {
	claims *GoogleClaims
	err    error
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, rawIDToken string) (*GoogleClaims, error) {
	if validator.err != nil {
		return nil, validator.err
	}
	return validator.claims, nil
}
