package sessionkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAuthBackend is an in-memory AuthBackend intended for tests and local
// demo runs. It mimics the hosted backend's observable behavior: identities
// are replaced wholesale, state changes fan out to listeners in delivery
// order, and the privileged confirm call is always rejected.
type MemoryAuthBackend struct {
	mutex          sync.Mutex
	emitMutex      sync.Mutex
	usersByEmail   map[string]*memoryAuthUser
	current        *Identity
	listeners      map[int]func(identity *Identity)
	nextListenerID int
	sessionTTL     time.Duration
	now            func() time.Time
}

type memoryAuthUser struct {
	id          string
	email       string
	password    string
	confirmedAt *time.Time
}

// NewMemoryAuthBackend creates an empty backend with the given session TTL.
func NewMemoryAuthBackend(sessionTTL time.Duration) *MemoryAuthBackend {
	if sessionTTL <= 0 {
		sessionTTL = 15 * time.Minute
	}
	return &MemoryAuthBackend{
		usersByEmail: make(map[string]*memoryAuthUser),
		listeners:    make(map[int]func(identity *Identity)),
		sessionTTL:   sessionTTL,
		now:          time.Now,
	}
}

// SignUp registers an unconfirmed user and opens a session for it.
func (backend *MemoryAuthBackend) SignUp(ctx context.Context, email string, password string, metadata map[string]string) (*Identity, error) {
	backend.mutex.Lock()
	if _, exists := backend.usersByEmail[email]; exists {
		backend.mutex.Unlock()
		return nil, NewBackendError(KindAuth, "auth.user_exists", "user already registered", nil)
	}
	user := &memoryAuthUser{id: uuid.NewString(), email: email, password: password}
	backend.usersByEmail[email] = user
	identity := backend.mintIdentityHeld(user)
	backend.current = identity
	backend.mutex.Unlock()

	backend.emit(identity)
	return identity.Clone(), nil
}

// SignInWithPassword opens a session for a known email/password pair.
func (backend *MemoryAuthBackend) SignInWithPassword(ctx context.Context, email string, password string) (*Identity, error) {
	backend.mutex.Lock()
	user, exists := backend.usersByEmail[email]
	if !exists || user.password != password {
		backend.mutex.Unlock()
		return nil, NewBackendError(KindAuth, "auth.invalid_credentials", "invalid login credentials", nil)
	}
	identity := backend.mintIdentityHeld(user)
	backend.current = identity
	backend.mutex.Unlock()

	backend.emit(identity)
	return identity.Clone(), nil
}

// SignInWithIDToken is not supported by the in-memory backend.
func (backend *MemoryAuthBackend) SignInWithIDToken(ctx context.Context, provider string, rawIDToken string) (*Identity, error) {
	return nil, NewBackendError(KindUnknown, "auth.id_token_unsupported", "memory backend does not support id-token sign-in", nil)
}

// SignOut closes the current session.
func (backend *MemoryAuthBackend) SignOut(ctx context.Context) error {
	backend.mutex.Lock()
	backend.current = nil
	backend.mutex.Unlock()
	backend.emit(nil)
	return nil
}

// GetSession returns the current session, or nil.
func (backend *MemoryAuthBackend) GetSession(ctx context.Context) (*Identity, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.current.Clone(), nil
}

// RefreshSession reissues the current session with a fresh expiry.
func (backend *MemoryAuthBackend) RefreshSession(ctx context.Context) (*Identity, error) {
	backend.mutex.Lock()
	if backend.current == nil {
		backend.mutex.Unlock()
		return nil, NewBackendError(KindAuth, "auth.no_session", "no session to refresh", nil)
	}
	user := backend.usersByEmail[backend.current.Email]
	if user == nil {
		backend.mutex.Unlock()
		return nil, NewBackendError(KindAuth, "auth.no_session", "session user no longer exists", nil)
	}
	identity := backend.mintIdentityHeld(user)
	backend.current = identity
	backend.mutex.Unlock()

	backend.emit(identity)
	return identity.Clone(), nil
}

// ResendSignupConfirmation succeeds for known unconfirmed users.
func (backend *MemoryAuthBackend) ResendSignupConfirmation(ctx context.Context, email string) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	user, exists := backend.usersByEmail[email]
	if !exists {
		return NewBackendError(KindNotFound, "auth.user_not_found", "no user for email", nil)
	}
	if user.confirmedAt != nil {
		return NewBackendError(KindAuth, "auth.already_confirmed", "email already confirmed", nil)
	}
	return nil
}

// ResetPasswordForEmail accepts any address without revealing whether it is
// registered.
func (backend *MemoryAuthBackend) ResetPasswordForEmail(ctx context.Context, email string) error {
	return nil
}

// UpdatePassword replaces the current user's password.
func (backend *MemoryAuthBackend) UpdatePassword(ctx context.Context, newPassword string) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if backend.current == nil {
		return NewBackendError(KindAuth, "auth.no_session", "no session", nil)
	}
	user := backend.usersByEmail[backend.current.Email]
	if user == nil {
		return NewBackendError(KindAuth, "auth.no_session", "session user no longer exists", nil)
	}
	user.password = newPassword
	return nil
}

// AdminConfirmEmail always rejects, matching the hosted backend's behavior
// for non-admin tokens.
func (backend *MemoryAuthBackend) AdminConfirmEmail(ctx context.Context, email string) error {
	return NewBackendError(KindPermissionDenied, "auth.admin_required", "admin privileges required", nil)
}

// ConfirmEmail stamps the user confirmed, simulating the hosted backend's
// side of a followed confirmation link.
func (backend *MemoryAuthBackend) ConfirmEmail(email string) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if user, exists := backend.usersByEmail[email]; exists {
		confirmedAt := backend.now().UTC()
		user.confirmedAt = &confirmedAt
	}
}

// OnAuthStateChange registers a listener and returns its unsubscribe
// function.
func (backend *MemoryAuthBackend) OnAuthStateChange(listener func(identity *Identity)) func() {
	backend.mutex.Lock()
	listenerID := backend.nextListenerID
	backend.nextListenerID++
	backend.listeners[listenerID] = listener
	backend.mutex.Unlock()

	return func() {
		backend.mutex.Lock()
		delete(backend.listeners, listenerID)
		backend.mutex.Unlock()
	}
}

// emit delivers the identity to all listeners. The emit mutex serializes
// deliveries so listeners observe events in emission order.
func (backend *MemoryAuthBackend) emit(identity *Identity) {
	backend.emitMutex.Lock()
	defer backend.emitMutex.Unlock()

	backend.mutex.Lock()
	listeners := make([]func(identity *Identity), 0, len(backend.listeners))
	for _, listener := range backend.listeners {
		listeners = append(listeners, listener)
	}
	backend.mutex.Unlock()

	for _, listener := range listeners {
		listener(identity.Clone())
	}
}

func (backend *MemoryAuthBackend) mintIdentityHeld(user *memoryAuthUser) *Identity {
	now := backend.now().UTC()
	return &Identity{
		ID:               user.id,
		Email:            user.email,
		EmailConfirmedAt: user.confirmedAt,
		AccessToken:      randomOpaqueToken(),
		RefreshToken:     randomOpaqueToken(),
		ExpiresAt:        now.Add(backend.sessionTTL),
	}
}

func randomOpaqueToken() string {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes)
}
