package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrMissingBackend indicates SessionStoreConfig lacked an auth backend.
var ErrMissingBackend = errors.New("store.missing_backend")

// ErrMissingReconciler indicates SessionStoreConfig lacked a reconciler.
var ErrMissingReconciler = errors.New("store.missing_reconciler")

// SessionStoreConfig configures a SessionStore.
type SessionStoreConfig struct {
	Backend         AuthBackend
	Reconciler      *ProfileReconciler
	GoogleValidator GoogleTokenValidator
	Logger          *zap.Logger
	Metrics         MetricsRecorder
}

// SessionStore is the single source of truth for the current authenticated
// identity and its cached profile. It subscribes to backend identity events
// and keeps the cache consistent with the latest observed backend state.
type SessionStore struct {
	backend         AuthBackend
	reconciler      *ProfileReconciler
	googleValidator GoogleTokenValidator
	logger          *zap.Logger
	metrics         MetricsRecorder

	mutex       sync.Mutex
	initialized bool
	unsubscribe func()
	identity    *Identity
	profile     *Profile
	loading     bool
	// epoch increments on every identity replacement; reconciliation
	// results computed for an older epoch are discarded so a stale slow
	// fetch never overwrites newer state.
	epoch uint64
}

// NewSessionStore constructs a store. The store does nothing until
// Initialize is called.
func NewSessionStore(configuration SessionStoreConfig) (*SessionStore, error) {
	if configuration.Backend == nil {
		return nil, fmt.Errorf("store.new: %w", ErrMissingBackend)
	}
	if configuration.Reconciler == nil {
		return nil, fmt.Errorf("store.new: %w", ErrMissingReconciler)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SessionStore{
		backend:         configuration.Backend,
		reconciler:      configuration.Reconciler,
		googleValidator: configuration.GoogleValidator,
		logger:          logger,
		metrics:         metrics,
		loading:         true,
	}, nil
}

// Initialize subscribes to identity-change events and fetches the current
// session once. Repeated calls are no-ops. The loading flag drops after the
// startup sequence completes regardless of outcome, so callers never observe
// an indefinitely loading store.
func (store *SessionStore) Initialize(ctx context.Context) {
	store.mutex.Lock()
	if store.initialized {
		store.mutex.Unlock()
		return
	}
	store.initialized = true
	store.loading = true
	store.mutex.Unlock()

	unsubscribe := store.backend.OnAuthStateChange(func(identity *Identity) {
		store.applyIdentity(context.Background(), identity)
	})
	store.mutex.Lock()
	store.unsubscribe = unsubscribe
	store.mutex.Unlock()

	current, sessionErr := store.backend.GetSession(ctx)
	if sessionErr != nil {
		store.logger.Warn("startup session fetch failed",
			zap.String("code", "store.startup_fetch_failed"),
			zap.Error(sessionErr))
		store.metrics.Increment("store.startup_fetch_failed")
		current = nil
	}
	store.applyIdentity(ctx, current)

	store.mutex.Lock()
	store.loading = false
	store.mutex.Unlock()
	store.metrics.Increment("store.initialized")
}

// Close unsubscribes from identity events. Idempotent.
func (store *SessionStore) Close() {
	store.mutex.Lock()
	unsubscribe := store.unsubscribe
	store.unsubscribe = nil
	store.mutex.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// applyIdentity is the single protocol shared by the subscription callback,
// the startup fetch, and every auth action: replace the identity, then
// reconcile the profile when non-nil or clear it when nil. The subscription
// callback and the action paths both observe backend sign-ins, so re-applying
// the identity already held with its profile cached is a no-op.
func (store *SessionStore) applyIdentity(ctx context.Context, identity *Identity) {
	store.mutex.Lock()
	if identity != nil && store.identity != nil &&
		identity.ID == store.identity.ID &&
		identity.AccessToken == store.identity.AccessToken &&
		store.profile != nil {
		store.mutex.Unlock()
		return
	}
	store.epoch++
	epoch := store.epoch
	store.identity = identity.Clone()
	if identity == nil {
		store.profile = nil
		store.mutex.Unlock()
		return
	}
	store.mutex.Unlock()

	profile := store.reconciler.Reconcile(ctx, identity)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.epoch != epoch {
		store.logger.Debug("discarding stale reconciliation result",
			zap.String("code", "store.reconcile_stale"),
			zap.String("user_id", identity.ID))
		store.metrics.Increment("store.reconcile_stale")
		return
	}
	store.profile = profile
}

// RefreshProfile re-runs reconciliation for the current identity. With no
// identity it returns nil and leaves the cache untouched.
func (store *SessionStore) RefreshProfile(ctx context.Context) *Profile {
	store.mutex.Lock()
	identity := store.identity
	epoch := store.epoch
	store.mutex.Unlock()
	if identity == nil {
		return nil
	}

	profile := store.reconciler.Reconcile(ctx, identity)

	store.mutex.Lock()
	if store.epoch == epoch {
		store.profile = profile
	}
	store.mutex.Unlock()
	return profile
}

// Snapshot returns the current session state.
func (store *SessionStore) Snapshot() SessionState {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	state := SessionState{
		Identity:        store.identity.Clone(),
		Profile:         store.profile.Clone(),
		IsLoading:       store.loading,
		IsAuthenticated: store.identity != nil,
	}
	if store.profile != nil {
		state.IsAdmin = store.profile.IsAdmin
	}
	return state
}

// CurrentIdentity returns the current identity, or nil.
func (store *SessionStore) CurrentIdentity() *Identity {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.identity.Clone()
}

// Login authenticates with email and password and adopts the resulting
// identity.
func (store *SessionStore) Login(ctx context.Context, email string, password string) (*Identity, error) {
	identity, signInErr := store.backend.SignInWithPassword(ctx, email, password)
	if signInErr != nil {
		store.metrics.Increment("store.login_failed")
		return nil, signInErr
	}
	store.applyIdentity(ctx, identity)
	store.metrics.Increment("store.login")
	return identity, nil
}

// Signup registers a new account and adopts the resulting identity.
func (store *SessionStore) Signup(ctx context.Context, email string, password string, metadata map[string]string) (*Identity, error) {
	identity, signUpErr := store.backend.SignUp(ctx, email, password, metadata)
	if signUpErr != nil {
		store.metrics.Increment("store.signup_failed")
		return nil, signUpErr
	}
	store.applyIdentity(ctx, identity)
	store.metrics.Increment("store.signup")
	return identity, nil
}

// LoginWithGoogle validates a Google ID token locally, then exchanges it
// with the backend for a session.
func (store *SessionStore) LoginWithGoogle(ctx context.Context, rawIDToken string) (*Identity, error) {
	if store.googleValidator == nil {
		return nil, fmt.Errorf("store.google_login: %w", ErrGoogleLoginUnavailable)
	}
	claims, validateErr := store.googleValidator.Validate(ctx, rawIDToken)
	if validateErr != nil {
		store.metrics.Increment("store.google_login_rejected")
		return nil, validateErr
	}
	if claims.Subject == "" || claims.Email == "" || !claims.EmailVerified {
		store.metrics.Increment("store.google_login_rejected")
		return nil, fmt.Errorf("store.google_login: %w", ErrUnverifiedGoogleIdentity)
	}
	identity, signInErr := store.backend.SignInWithIDToken(ctx, "google", rawIDToken)
	if signInErr != nil {
		store.metrics.Increment("store.google_login_failed")
		return nil, signInErr
	}
	store.applyIdentity(ctx, identity)
	store.metrics.Increment("store.google_login")
	return identity, nil
}

// Logout signs out of the backend and clears local state. Local state is
// cleared even when the backend call fails.
func (store *SessionStore) Logout(ctx context.Context) error {
	signOutErr := store.backend.SignOut(ctx)
	store.applyIdentity(ctx, nil)
	store.metrics.Increment("store.logout")
	if signOutErr != nil {
		store.logger.Warn("backend sign-out failed",
			zap.String("code", "store.signout_failed"),
			zap.Error(signOutErr))
	}
	return signOutErr
}

// ResetPassword requests a password-reset email for the address.
func (store *SessionStore) ResetPassword(ctx context.Context, email string) error {
	return store.backend.ResetPasswordForEmail(ctx, email)
}

// UpdatePassword replaces the current identity's password.
func (store *SessionStore) UpdatePassword(ctx context.Context, newPassword string) error {
	return store.backend.UpdatePassword(ctx, newPassword)
}

// RefreshSession asks the backend for a fresh session bundle and adopts it.
// This is the refresh primitive the health monitor calls back into.
func (store *SessionStore) RefreshSession(ctx context.Context) (*Identity, error) {
	identity, refreshErr := store.backend.RefreshSession(ctx)
	if refreshErr != nil {
		store.metrics.Increment("store.refresh_failed")
		return nil, refreshErr
	}
	store.applyIdentity(ctx, identity)
	store.metrics.Increment("store.refresh")
	return identity, nil
}
